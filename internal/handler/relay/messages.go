package relay

import "encoding/json"

// 客户端事件名
const (
	EventEnterRoom      = "enter_room"
	EventPrivateRequest = "private_request"
	EventChat           = "chat"
	EventPrivatePing    = "private_ping"
	EventPrivateEnd     = "private_end"
	EventAutoChat       = "auto_chat"

	EventConnected = "connected"
	EventError     = "error"
)

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// AutoChatMessage 开发环境下的自动聊天配置
type AutoChatMessage struct {
	Interval int `json:"interval"`
}

// decodeData 解析事件负载，空负载视为空对象
func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
