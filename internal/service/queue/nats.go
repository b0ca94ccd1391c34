package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATSConfig holds broker connection settings.
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	ReconnectWait time.Duration
}

// NATSProvider opens channels as sets of NATS subscriptions on a shared
// connection. Topic t of room r maps to subject <prefix>.<r>.<t>.
type NATSProvider struct {
	conn   *nats.Conn
	prefix string
	log    logrus.FieldLogger
}

// DialNATS connects to the broker and keeps reconnecting forever.
func DialNATS(cfg NATSConfig, log logrus.FieldLogger) (*NATSProvider, error) {
	log = log.WithField("component", "nats")
	wait := cfg.ReconnectWait
	if wait <= 0 {
		wait = 2 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(wait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("disconnected from broker")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("reconnected to broker")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			entry := log.WithError(err)
			if sub != nil {
				entry = entry.WithField("subject", sub.Subject)
			}
			entry.Warn("async broker error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	log.WithField("url", nc.ConnectedUrl()).Info("connected to broker")

	return NewNATSProvider(nc, cfg.SubjectPrefix, log), nil
}

// NewNATSProvider wraps an existing connection.
func NewNATSProvider(nc *nats.Conn, prefix string, log logrus.FieldLogger) *NATSProvider {
	if prefix == "" {
		prefix = "relay"
	}
	return &NATSProvider{conn: nc, prefix: prefix, log: log}
}

// Open returns a channel for roomID. It fails when the broker connection is
// closed; while reconnecting, NATS buffers publishes so the channel is usable.
func (p *NATSProvider) Open(ctx context.Context, roomID string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if roomID == "" {
		return nil, errors.New("queue: room id is required")
	}
	if p.conn.IsClosed() {
		return nil, nats.ErrConnectionClosed
	}
	return &natsChannel{provider: p, room: roomID}, nil
}

// Close drains the connection so in-flight messages are delivered first.
func (p *NATSProvider) Close() error {
	return p.conn.Drain()
}

// Subject returns the broker subject of topic in roomID. Bytes that NATS
// treats specially are escaped as _<hex>, and '_' itself is escaped, so room
// ids cannot widen a subscription and distinct ids never share a subject.
func Subject(prefix, roomID, topic string) string {
	return prefix + "." + sanitizeToken(roomID) + "." + topic
}

var subjectReplacer = strings.NewReplacer(
	"_", "_5f",
	".", "_2e",
	"*", "_2a",
	">", "_3e",
	" ", "_20",
	"\t", "_09",
)

func sanitizeToken(s string) string {
	return subjectReplacer.Replace(s)
}

type natsChannel struct {
	provider *NATSProvider
	room     string

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
}

func (c *natsChannel) Room() string { return c.room }

func (c *natsChannel) Subscribe(topic string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}

	subject := Subject(c.provider.prefix, c.room, topic)
	sub, err := c.provider.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	return nil
}

func (c *natsChannel) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	subject := Subject(c.provider.prefix, c.room, topic)
	if err := c.provider.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (c *natsChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	c.subs = nil
	return errors.Join(errs...)
}
