package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Conn 包装一个WebSocket连接；所有写操作都经由单独的写协程完成
type Conn struct {
	ws        *websocket.Conn
	sessionID string
	log       logrus.FieldLogger

	send chan outgoingMessage
	done chan struct{}
	once sync.Once

	pingInterval time.Duration
	writeTimeout time.Duration
}

func newConn(ws *websocket.Conn, sessionID string, opts Options, log logrus.FieldLogger) *Conn {
	return &Conn{
		ws:           ws,
		sessionID:    sessionID,
		log:          log,
		send:         make(chan outgoingMessage, opts.SendBuffer),
		done:         make(chan struct{}),
		pingInterval: opts.PingInterval,
		writeTimeout: opts.WriteTimeout,
	}
}

// Emit 发送命名事件；发送队列已满时丢弃该事件
func (c *Conn) Emit(event string, payload any) {
	msg := outgoingMessage{
		Type:      event,
		SessionID: c.sessionID,
		Data:      payload,
		Timestamp: time.Now().Unix(),
	}

	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.log.WithField("event", event).Warn("send queue full, dropping event")
	}
}

// Close 关闭连接，可重复调用
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// writeLoop 串行写出事件并定期发送ping
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.log.WithError(err).Debug("write event failed")
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.log.WithError(err).Debug("ping failed")
				_ = c.Close()
				return
			}
		}
	}
}

func (c *Conn) write(msg outgoingMessage) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}
