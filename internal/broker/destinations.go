package broker

import (
	"strings"

	"github.com/jobdeck/chatkit/internal/types"
)

const topicPrefix = "/sub/chat."

// TopicForRoom returns the subscription topic carrying live messages for a
// room.
func TopicForRoom(roomId string) string {
	return topicPrefix + roomId
}

// RoomForTopic extracts the room id from a subscription topic. Returns false
// when the destination is not a chat topic.
func RoomForTopic(destination string) (string, bool) {
	roomId := strings.TrimPrefix(destination, topicPrefix)
	if roomId == destination || roomId == "" {
		return "", false
	}
	return roomId, true
}

// PublishDestination returns the outbound destination for sending a message
// to a room.
func PublishDestination(scope types.Scope, roomId string) string {
	return "/pub/" + scope.PathSegment() + "/send." + roomId
}
