package types

// Scope selects the API base path and the publish destination prefix
// for a chat room. A room's scope never changes while a view is mounted.
type Scope string

const (
	ScopeApp     Scope = "APP"
	ScopeManager Scope = "MANAGER"
)

// PathSegment returns the URL path segment for the scope.
func (s Scope) PathSegment() string {
	if s == ScopeManager {
		return "manager"
	}
	return "app"
}

// Message is a single chat message. Server-fetched messages carry an Id;
// live-delivered messages may not, in which case CreatedAt serves as the
// list identity. IsMine is either supplied by the server or derived once
// at delivery time; nil means ownership is undetermined.
type Message struct {
	Id        string `json:"id,omitempty"`
	SenderId  string `json:"senderId,omitempty"`
	Content   string `json:"content"`
	IsMine    *bool  `json:"isMine,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// Key returns the list identity of a message: the server id when present,
// otherwise the creation timestamp.
func (m Message) Key() string {
	if m.Id != "" {
		return m.Id
	}
	return m.CreatedAt
}

// PageInfo carries the opaque pagination cursor issued by the server.
// An empty cursor means history is exhausted.
type PageInfo struct {
	Cursor string `json:"cursor"`
}

// MessagePage is one page of chat history.
type MessagePage struct {
	Data []Message `json:"data"`
	Page PageInfo  `json:"page"`
}

// HistoryQuery identifies one page of chat history to fetch.
type HistoryQuery struct {
	ChatRoomId string
	Cursor     string
	PageSize   int
	Scope      Scope
}
