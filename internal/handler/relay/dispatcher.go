// Package relay accepts client websocket connections and drives one session
// controller per connection.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/room-relay/backend/internal/model/chat"
	"github.com/zhouzirui/room-relay/backend/internal/service/membership"
	"github.com/zhouzirui/room-relay/backend/internal/service/queue"
	"github.com/zhouzirui/room-relay/backend/internal/service/router"
	"github.com/zhouzirui/room-relay/backend/internal/service/session"
)

// Options 连接参数
type Options struct {
	SendBuffer     int
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	// AutoChat 开启开发环境的 auto_chat 事件
	AutoChat bool
	Session  session.Options
}

// DefaultOptions 默认连接参数
func DefaultOptions() Options {
	return Options{
		SendBuffer:     256,
		PingInterval:   54 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 4096,
		Session:        session.DefaultOptions(),
	}
}

// Dispatcher 为每个WebSocket连接创建会话控制器，并在断开时回收
type Dispatcher struct {
	provider   queue.Provider
	membership membership.Client
	registry   *Registry
	log        logrus.FieldLogger
	opts       Options
	upgrader   websocket.Upgrader

	active sync.WaitGroup
}

// NewDispatcher 创建连接分发器
func NewDispatcher(provider queue.Provider, client membership.Client, registry *Registry, log logrus.FieldLogger, opts Options) *Dispatcher {
	defaults := DefaultOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaults.SendBuffer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaults.MaxMessageSize
	}

	return &Dispatcher{
		provider:   provider,
		membership: client,
		registry:   registry,
		log:        log.WithField("component", "relay"),
		opts:       opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (d *Dispatcher) RegisterRoutes(r chi.Router) {
	r.Get("/socket", d.handleSocket)
}

// Shutdown 断开所有连接并等待会话回收完成
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		d.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type connection struct {
	id   string
	conn *Conn
	ctrl *session.Controller
	log  logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	pending  sync.WaitGroup
	teardown sync.Once
	autoChat sync.Once
}

// handleSocket 处理WebSocket连接
func (d *Dispatcher) handleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.WithError(err).Warn("upgrade failed")
		return
	}

	d.active.Add(1)
	defer d.active.Done()

	d.serve(ws, uuid.NewString())
}

func (d *Dispatcher) serve(ws *websocket.Conn, sessionID string) {
	log := d.log.WithField("session", sessionID)
	conn := newConn(ws, sessionID, d.opts, log)
	rtr := router.New(d.provider, log)
	ctrl := session.New(sessionID, d.membership, rtr, conn, log, d.opts.Session)

	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		id:     sessionID,
		conn:   conn,
		ctrl:   ctrl,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}

	d.registry.Add(sessionID, conn)
	go conn.writeLoop()

	log.Info("client connected")
	conn.Emit(EventConnected, map[string]string{"sessionId": sessionID})

	d.readLoop(c)
	d.close(c)

	c.pending.Wait()
	ctrl.Wait()
}

func (d *Dispatcher) readLoop(c *connection) {
	ws := c.conn.ws
	ws.SetReadLimit(d.opts.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(d.opts.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(d.opts.ReadTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("read error")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(d.opts.ReadTimeout))

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.WithError(err).Warn("dropping malformed event")
			c.sendError("invalid message")
			continue
		}

		d.handleMessage(c, &msg)
	}
}

func (d *Dispatcher) handleMessage(c *connection, msg *inboundMessage) {
	switch msg.Type {
	case EventEnterRoom:
		var req session.EnterRoomRequest
		if err := decodeData(msg.Data, &req); err != nil {
			c.invalid(msg.Type, err)
			return
		}
		c.transition(msg.Type, func(ctx context.Context) error {
			return c.ctrl.EnterRoom(ctx, req)
		})
	case EventPrivateRequest:
		var req session.PrivateRequest
		if err := decodeData(msg.Data, &req); err != nil {
			c.invalid(msg.Type, err)
			return
		}
		c.transition(msg.Type, func(ctx context.Context) error {
			return c.ctrl.PrivateRequest(ctx, req)
		})
	case EventChat:
		var req session.ChatRequest
		if err := decodeData(msg.Data, &req); err != nil {
			c.invalid(msg.Type, err)
			return
		}
		_ = c.ctrl.Chat(req)
	case EventPrivatePing:
		c.ctrl.PrivatePing()
	case EventPrivateEnd:
		c.ctrl.PrivateEnd()
	case EventAutoChat:
		if !d.opts.AutoChat {
			c.sendError("unsupported message type: " + msg.Type)
			return
		}
		var req AutoChatMessage
		if err := decodeData(msg.Data, &req); err != nil {
			c.invalid(msg.Type, err)
			return
		}
		c.startAutoChat(autoChatInterval(req.Interval))
	default:
		c.sendError("unsupported message type: " + msg.Type)
	}
}

// close 回收连接，只执行一次；先断开会话再取消进行中的请求，
// 迁移才能看到断开状态并补发离开请求
func (d *Dispatcher) close(c *connection) {
	c.teardown.Do(func() {
		c.ctrl.Disconnect()
		c.cancel()
		d.registry.Remove(c.id)
		_ = c.conn.Close()
		c.log.Info("client disconnected")
	})
}

// transition 在独立协程中执行状态迁移，聊天消息不会被阻塞
func (c *connection) transition(name string, run func(context.Context) error) {
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		if err := run(c.ctx); err != nil {
			c.log.WithError(err).WithField("event", name).Debug("transition did not complete")
		}
	}()
}

func (c *connection) invalid(event string, err error) {
	c.log.WithError(err).WithField("event", event).Warn("dropping malformed payload")
	c.sendError("invalid " + event + " payload")
}

func (c *connection) sendError(message string) {
	c.conn.Emit(EventError, map[string]string{"message": message})
}

func (c *connection) startAutoChat(interval time.Duration) {
	c.autoChat.Do(func() {
		c.log.WithField("interval", interval).Debug("auto chat started")
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			seq := 1
			for {
				select {
				case <-c.ctx.Done():
					return
				case <-ticker.C:
					snap := c.ctrl.Snapshot()
					c.conn.Emit(session.EventChat, chat.Message{
						From: snap.DisplayName,
						Type: chat.DefaultChatType,
						Text: fmt.Sprintf("Chat message %d", seq),
					})
					seq++
				}
			}
		}()
	})
}

func autoChatInterval(ms int) time.Duration {
	if ms <= 0 {
		return time.Second
	}
	d := time.Duration(ms) * time.Millisecond
	if d < 50*time.Millisecond {
		return 50 * time.Millisecond
	}
	return d
}
