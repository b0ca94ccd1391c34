// Package queue provides room scoped publish/subscribe channels backed by a
// message broker.
package queue

import (
	"context"
	"errors"
)

// ErrChannelClosed is returned by operations on a closed channel.
var ErrChannelClosed = errors.New("queue: channel closed")

// Handler receives raw payloads published on a subscribed topic.
type Handler func(payload []byte)

// Channel is a subscription and publish handle bound to one room.
type Channel interface {
	Room() string
	Subscribe(topic string, handler Handler) error
	Publish(topic string, payload []byte) error
	Close() error
}

// Provider opens channels for rooms.
type Provider interface {
	Open(ctx context.Context, roomID string) (Channel, error)
}
