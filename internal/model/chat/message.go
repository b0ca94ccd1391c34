package chat

const (
	DefaultChatType = "freechat"
	DefaultUserType = "guest"
)

// Message is the chat payload relayed between sockets and the queue.
type Message struct {
	From     string `json:"from"`
	Type     string `json:"type"`
	Text     string `json:"text"`
	UserType string `json:"userType"`
}
