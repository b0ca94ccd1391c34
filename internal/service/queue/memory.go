package queue

import (
	"context"
	"errors"
	"sync"
)

// MemoryProvider is an in-process Provider. Every channel opened for the same
// room shares one topic space, so it behaves like a single broker node.
type MemoryProvider struct {
	mu     sync.RWMutex
	subs   map[string]map[*memoryChannel][]Handler
	open   map[*memoryChannel]struct{}
	closed bool
}

// NewMemoryProvider returns an empty in-memory broker.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		subs: make(map[string]map[*memoryChannel][]Handler),
		open: make(map[*memoryChannel]struct{}),
	}
}

// Open returns a new channel for roomID.
func (p *MemoryProvider) Open(ctx context.Context, roomID string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if roomID == "" {
		return nil, errors.New("queue: room id is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("queue: provider closed")
	}

	ch := &memoryChannel{provider: p, room: roomID}
	p.open[ch] = struct{}{}
	return ch, nil
}

// OpenChannels reports how many channels are currently open.
func (p *MemoryProvider) OpenChannels() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.open)
}

// Subscribers reports how many handlers listen on topic in roomID.
func (p *MemoryProvider) Subscribers(roomID, topic string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := 0
	for _, handlers := range p.subs[memoryKey(roomID, topic)] {
		total += len(handlers)
	}
	return total
}

// Close closes every open channel and rejects further opens.
func (p *MemoryProvider) Close() error {
	p.mu.Lock()
	channels := make([]*memoryChannel, 0, len(p.open))
	for ch := range p.open {
		channels = append(channels, ch)
	}
	p.closed = true
	p.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	return nil
}

func (p *MemoryProvider) subscribe(ch *memoryChannel, key string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byChannel, ok := p.subs[key]
	if !ok {
		byChannel = make(map[*memoryChannel][]Handler)
		p.subs[key] = byChannel
	}
	byChannel[ch] = append(byChannel[ch], handler)
}

func (p *MemoryProvider) publish(key string, payload []byte) {
	p.mu.RLock()
	var handlers []Handler
	for _, hs := range p.subs[key] {
		handlers = append(handlers, hs...)
	}
	p.mu.RUnlock()

	for _, h := range handlers {
		data := make([]byte, len(payload))
		copy(data, payload)
		h(data)
	}
}

func (p *MemoryProvider) release(ch *memoryChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.open, ch)
	for key, byChannel := range p.subs {
		delete(byChannel, ch)
		if len(byChannel) == 0 {
			delete(p.subs, key)
		}
	}
}

type memoryChannel struct {
	provider *MemoryProvider
	room     string

	mu     sync.Mutex
	closed bool
}

func (c *memoryChannel) Room() string { return c.room }

func (c *memoryChannel) Subscribe(topic string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	c.provider.subscribe(c, memoryKey(c.room, topic), handler)
	return nil
}

func (c *memoryChannel) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	c.provider.publish(memoryKey(c.room, topic), payload)
	return nil
}

func (c *memoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.provider.release(c)
	return nil
}

func memoryKey(room, topic string) string {
	return room + "\x00" + topic
}
