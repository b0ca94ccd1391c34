package router

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/room-relay/backend/internal/model/chat"
	"github.com/zhouzirui/room-relay/backend/internal/service/queue"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type failingProvider struct {
	err error
}

func (p failingProvider) Open(context.Context, string) (queue.Channel, error) {
	return nil, p.err
}

type brokenSubscribeProvider struct {
	*queue.MemoryProvider
}

type brokenSubscribeChannel struct {
	queue.Channel
	closed bool
}

func (c *brokenSubscribeChannel) Subscribe(string, queue.Handler) error {
	return errors.New("subscribe refused")
}

func (c *brokenSubscribeChannel) Close() error {
	c.closed = true
	return c.Channel.Close()
}

var lastBroken *brokenSubscribeChannel

func (p brokenSubscribeProvider) Open(ctx context.Context, room string) (queue.Channel, error) {
	ch, err := p.MemoryProvider.Open(ctx, room)
	if err != nil {
		return nil, err
	}
	lastBroken = &brokenSubscribeChannel{Channel: ch}
	return lastBroken, nil
}

func TestCloseOnUnboundRouterIsNoop(t *testing.T) {
	r := New(queue.NewMemoryProvider(), testLogger())

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.False(t, r.Bound())
	assert.Zero(t, r.Stats().Closes)
}

func TestConnectBindsChatAndControlTopics(t *testing.T) {
	p := queue.NewMemoryProvider()
	r := New(p, testLogger())

	binding, err := r.Connect(context.Background(), "s1", "p1", chat.ModeGuest, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "p1", binding.RoomID)
	assert.Equal(t, TopicChat, binding.ChatTopic)
	assert.Equal(t, TopicControl, binding.ControlTopic)
	assert.True(t, r.Bound())
	assert.Equal(t, 1, p.OpenChannels())
	assert.Equal(t, 1, p.Subscribers("p1", TopicChat))
	assert.Equal(t, 1, p.Subscribers("p1", TopicControl))
}

func TestConnectReleasesPreviousBinding(t *testing.T) {
	p := queue.NewMemoryProvider()
	r := New(p, testLogger())
	ctx := context.Background()

	_, err := r.Connect(ctx, "s1", "p1", chat.ModeGuest, nil, nil)
	require.NoError(t, err)
	_, err = r.Connect(ctx, "s1", "p1", chat.ModePrivate, nil, nil)
	require.NoError(t, err)
	_, err = r.Connect(ctx, "s1", "p2", chat.ModeGuest, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, p.OpenChannels())
	assert.Zero(t, p.Subscribers("p1", TopicChat))
	assert.Zero(t, p.Subscribers("p1", "private.s1"))
	assert.Equal(t, 1, p.Subscribers("p2", TopicChat))

	current, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, "p2", current.RoomID)
	assert.Equal(t, uint64(3), r.Stats().Connects)
	assert.Equal(t, uint64(2), r.Stats().Closes)
}

func TestConnectProviderFailureIsChannelUnavailable(t *testing.T) {
	r := New(failingProvider{err: errors.New("broker down")}, testLogger())

	_, err := r.Connect(context.Background(), "s1", "p1", chat.ModeGuest, nil, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChannelUnavailable)
	assert.Contains(t, err.Error(), "broker down")
	assert.False(t, r.Bound())
}

func TestConnectSubscribeFailureClosesChannel(t *testing.T) {
	mem := queue.NewMemoryProvider()
	r := New(brokenSubscribeProvider{MemoryProvider: mem}, testLogger())

	_, err := r.Connect(context.Background(), "s1", "p1", chat.ModeGuest, nil, nil)

	assert.ErrorIs(t, err, ErrChannelUnavailable)
	require.NotNil(t, lastBroken)
	assert.True(t, lastBroken.closed)
	assert.Zero(t, mem.OpenChannels())
	assert.False(t, r.Bound())
}

func TestSendChatWithoutBinding(t *testing.T) {
	r := New(queue.NewMemoryProvider(), testLogger())

	err := r.SendChat(chat.Message{Text: "hi"})

	assert.ErrorIs(t, err, ErrNoActiveChannel)
}

func TestSendChatPublishesOnChatTopic(t *testing.T) {
	p := queue.NewMemoryProvider()
	r := New(p, testLogger())
	ctx := context.Background()
	_, err := r.Connect(ctx, "s1", "p1", chat.ModeGuest, nil, nil)
	require.NoError(t, err)

	observer, err := p.Open(ctx, "p1")
	require.NoError(t, err)
	var raw [][]byte
	require.NoError(t, observer.Subscribe(TopicChat, func(b []byte) { raw = append(raw, b) }))

	msg := chat.Message{From: "s1", Type: "freechat", Text: "hi", UserType: "guest"}
	require.NoError(t, r.SendChat(msg))

	require.Len(t, raw, 1)
	var got chat.Message
	require.NoError(t, sonic.Unmarshal(raw[0], &got))
	assert.Equal(t, msg, got)
	assert.Equal(t, uint64(1), r.Stats().Published)
}

func TestInboundChatIsDecodedAndDelivered(t *testing.T) {
	p := queue.NewMemoryProvider()
	r := New(p, testLogger())
	ctx := context.Background()

	var got []chat.Message
	_, err := r.Connect(ctx, "s1", "p1", chat.ModeGuest, func(m chat.Message) { got = append(got, m) }, nil)
	require.NoError(t, err)

	performer, err := p.Open(ctx, "p1")
	require.NoError(t, err)
	require.NoError(t, performer.Publish(TopicChat, []byte(`{"from":"p1","type":"freechat","text":"welcome","userType":"performer"}`)))
	require.NoError(t, performer.Publish(TopicChat, []byte(`not json`)))

	require.Len(t, got, 1)
	assert.Equal(t, "welcome", got[0].Text)
	assert.Equal(t, uint64(1), r.Stats().Received)
	assert.Equal(t, uint64(1), r.Stats().Dropped)
}

func TestControlTrafficReachesControlHandler(t *testing.T) {
	p := queue.NewMemoryProvider()
	r := New(p, testLogger())
	ctx := context.Background()

	var control []string
	_, err := r.Connect(ctx, "s1", "p1", chat.ModeGuest, nil, func(b []byte) { control = append(control, string(b)) })
	require.NoError(t, err)

	performer, err := p.Open(ctx, "p1")
	require.NoError(t, err)
	require.NoError(t, performer.Publish(TopicControl, []byte("kick")))

	assert.Equal(t, []string{"kick"}, control)
}

func TestPrivateBindingUsesSessionTopic(t *testing.T) {
	p := queue.NewMemoryProvider()
	r := New(p, testLogger())
	ctx := context.Background()

	var got []chat.Message
	binding, err := r.Connect(ctx, "s1", "p1", chat.ModePrivate, func(m chat.Message) { got = append(got, m) }, nil)
	require.NoError(t, err)
	assert.Equal(t, "private.s1", binding.ChatTopic)

	performer, err := p.Open(ctx, "p1")
	require.NoError(t, err)
	require.NoError(t, performer.Publish(TopicChat, []byte(`{"text":"public"}`)))
	require.NoError(t, performer.Publish("private.s1", []byte(`{"text":"just you"}`)))

	require.Len(t, got, 1)
	assert.Equal(t, "just you", got[0].Text)
}

func TestSendAfterCloseReportsNoActiveChannel(t *testing.T) {
	r := New(queue.NewMemoryProvider(), testLogger())
	_, err := r.Connect(context.Background(), "s1", "p1", chat.ModeGuest, nil, nil)
	require.NoError(t, err)

	require.NoError(t, r.Close())

	assert.ErrorIs(t, r.SendChat(chat.Message{Text: "late"}), ErrNoActiveChannel)
}
