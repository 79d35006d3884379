package stomp

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatHeartBeat renders a heart-beat header value from the intervals the
// sender can emit and wants to receive.
func FormatHeartBeat(send, receive time.Duration) string {
	return fmt.Sprintf("%d,%d", send.Milliseconds(), receive.Milliseconds())
}

// ParseHeartBeat parses a heart-beat header value into the peer's send and
// receive intervals. A zero interval means the peer cannot, or does not want
// to, exchange heart-beats in that direction.
func ParseHeartBeat(value string) (send, receive time.Duration, err error) {
	sx, sy, ok := strings.Cut(value, ",")
	if !ok {
		return 0, 0, fmt.Errorf("stomp: invalid heart-beat header %q", value)
	}

	sendMs, err := strconv.Atoi(strings.TrimSpace(sx))
	if err != nil || sendMs < 0 {
		return 0, 0, fmt.Errorf("stomp: invalid heart-beat header %q", value)
	}
	recvMs, err := strconv.Atoi(strings.TrimSpace(sy))
	if err != nil || recvMs < 0 {
		return 0, 0, fmt.Errorf("stomp: invalid heart-beat header %q", value)
	}

	return time.Duration(sendMs) * time.Millisecond, time.Duration(recvMs) * time.Millisecond, nil
}
