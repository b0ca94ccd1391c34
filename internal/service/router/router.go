// Package router binds one client session to a queue backed room channel and
// relays chat traffic in both directions.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/room-relay/backend/internal/model/chat"
	"github.com/zhouzirui/room-relay/backend/internal/service/queue"
)

var (
	ErrChannelUnavailable = errors.New("channel unavailable")
	ErrNoActiveChannel    = errors.New("no active channel")
)

const (
	TopicChat    = "chat"
	TopicControl = "control"

	privateTopicPrefix = "private."
)

// ChatTopic returns the chat topic a session listens and publishes on.
// Private sessions get a topic of their own inside the performer's room.
func ChatTopic(mode chat.Mode, sessionID string) string {
	if mode == chat.ModePrivate {
		return privateTopicPrefix + sessionID
	}
	return TopicChat
}

// MessageHandler receives decoded chat messages from the bound channel.
type MessageHandler func(chat.Message)

// ControlHandler receives raw control traffic from the bound channel.
type ControlHandler func(payload []byte)

// Binding describes the channel a router is currently bound to.
type Binding struct {
	SessionID    string
	RoomID       string
	Mode         chat.Mode
	ChatTopic    string
	ControlTopic string
}

// Stats are cumulative counters for one router.
type Stats struct {
	Connects  uint64
	Closes    uint64
	Published uint64
	Received  uint64
	Dropped   uint64
}

// Router owns at most one channel binding at a time.
type Router struct {
	provider queue.Provider
	log      logrus.FieldLogger

	mu      sync.Mutex
	channel queue.Channel
	binding Binding

	connects  atomic.Uint64
	closes    atomic.Uint64
	published atomic.Uint64
	received  atomic.Uint64
	dropped   atomic.Uint64
}

// New creates an unbound router.
func New(provider queue.Provider, log logrus.FieldLogger) *Router {
	return &Router{
		provider: provider,
		log:      log.WithField("component", "router"),
	}
}

// Connect binds the router to roomID, releasing any previous binding first.
// It returns only after both subscriptions are established.
func (r *Router) Connect(ctx context.Context, sessionID, roomID string, mode chat.Mode, onMessage MessageHandler, onControl ControlHandler) (Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.closeLocked(); err != nil {
		r.log.WithError(err).WithField("room", r.binding.RoomID).Warn("release previous binding failed")
	}

	ch, err := r.provider.Open(ctx, roomID)
	if err != nil {
		return Binding{}, fmt.Errorf("%w: open room %s: %w", ErrChannelUnavailable, roomID, err)
	}

	binding := Binding{
		SessionID:    sessionID,
		RoomID:       ch.Room(),
		Mode:         mode,
		ChatTopic:    ChatTopic(mode, sessionID),
		ControlTopic: TopicControl,
	}

	if err := ch.Subscribe(binding.ChatTopic, r.chatHandler(binding, onMessage)); err != nil {
		_ = ch.Close()
		return Binding{}, fmt.Errorf("%w: subscribe %s: %w", ErrChannelUnavailable, binding.ChatTopic, err)
	}
	if err := ch.Subscribe(binding.ControlTopic, r.controlHandler(onControl)); err != nil {
		_ = ch.Close()
		return Binding{}, fmt.Errorf("%w: subscribe %s: %w", ErrChannelUnavailable, binding.ControlTopic, err)
	}

	r.channel = ch
	r.binding = binding
	r.connects.Add(1)

	r.log.WithFields(logrus.Fields{
		"session": sessionID,
		"room":    roomID,
		"mode":    mode,
		"topic":   binding.ChatTopic,
	}).Debug("channel bound")

	return binding, nil
}

// SendChat publishes msg on the bound chat topic.
func (r *Router) SendChat(msg chat.Message) error {
	r.mu.Lock()
	ch, topic := r.channel, r.binding.ChatTopic
	r.mu.Unlock()

	if ch == nil {
		return ErrNoActiveChannel
	}

	payload, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode chat message: %w", err)
	}
	if err := ch.Publish(topic, payload); err != nil {
		if errors.Is(err, queue.ErrChannelClosed) {
			return ErrNoActiveChannel
		}
		return err
	}
	r.published.Add(1)
	return nil
}

// Close releases the current binding. Closing an unbound router is a no-op.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

// Bound reports whether a channel is currently held.
func (r *Router) Bound() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel != nil
}

// Current returns the current binding and whether one exists.
func (r *Router) Current() (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.binding, r.channel != nil
}

// Stats returns a snapshot of the router counters.
func (r *Router) Stats() Stats {
	return Stats{
		Connects:  r.connects.Load(),
		Closes:    r.closes.Load(),
		Published: r.published.Load(),
		Received:  r.received.Load(),
		Dropped:   r.dropped.Load(),
	}
}

func (r *Router) closeLocked() error {
	if r.channel == nil {
		return nil
	}
	ch := r.channel
	r.channel = nil
	r.binding = Binding{}
	r.closes.Add(1)
	return ch.Close()
}

func (r *Router) chatHandler(binding Binding, onMessage MessageHandler) queue.Handler {
	return func(payload []byte) {
		var msg chat.Message
		if err := sonic.Unmarshal(payload, &msg); err != nil {
			r.dropped.Add(1)
			r.log.WithError(err).WithFields(logrus.Fields{
				"session": binding.SessionID,
				"room":    binding.RoomID,
			}).Warn("dropping malformed chat payload")
			return
		}
		r.received.Add(1)
		if onMessage != nil {
			onMessage(msg)
		}
	}
}

func (r *Router) controlHandler(onControl ControlHandler) queue.Handler {
	return func(payload []byte) {
		if onControl != nil {
			onControl(payload)
		}
	}
}
