package session

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/room-relay/backend/internal/model/chat"
	"github.com/zhouzirui/room-relay/backend/internal/service/membership"
	"github.com/zhouzirui/room-relay/backend/internal/service/queue"
	"github.com/zhouzirui/room-relay/backend/internal/service/router"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type membershipCall struct {
	kind        string
	sessionID   string
	performerID string
	exclusive   bool
}

// fakeMembership approves everything unless a result func says otherwise.
// When block is set, enter and private requests wait for it to close and
// ignore their context.
type fakeMembership struct {
	enter   func(performerID string) (membership.Result, error)
	private func() (membership.Result, error)
	block   chan struct{}
	started chan string

	mu    sync.Mutex
	calls []membershipCall
}

func (f *fakeMembership) RequestEnterRoom(_ context.Context, sessionID, performerID string) (membership.Result, error) {
	f.record(membershipCall{kind: "enter", sessionID: sessionID, performerID: performerID})
	f.wait("enter")
	if f.enter != nil {
		return f.enter(performerID)
	}
	return membership.Result{OK: true, StreamData: json.RawMessage(`{"url":"x"}`)}, nil
}

func (f *fakeMembership) RequestPrivate(_ context.Context, sessionID, performerID string, isExclusive bool) (membership.Result, error) {
	f.record(membershipCall{kind: "private", sessionID: sessionID, performerID: performerID, exclusive: isExclusive})
	f.wait("private")
	if f.private != nil {
		return f.private()
	}
	return membership.Result{OK: true, StreamData: json.RawMessage(`{"url":"private-x"}`)}, nil
}

func (f *fakeMembership) RequestLeaveRoom(_ context.Context, sessionID, performerID string) (membership.Result, error) {
	f.record(membershipCall{kind: "leave", sessionID: sessionID, performerID: performerID})
	return membership.Result{OK: true}, nil
}

func (f *fakeMembership) record(c membershipCall) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeMembership) wait(kind string) {
	if f.started != nil {
		f.started <- kind
	}
	if f.block != nil {
		<-f.block
	}
}

func (f *fakeMembership) callsOf(kind string) []membershipCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []membershipCall
	for _, c := range f.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

type emitted struct {
	event   string
	payload any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (e *recordingEmitter) Emit(event string, payload any) {
	e.mu.Lock()
	e.events = append(e.events, emitted{event: event, payload: payload})
	e.mu.Unlock()
}

func (e *recordingEmitter) results(event string) []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Result
	for _, ev := range e.events {
		if ev.event == event {
			out = append(out, ev.payload.(Result))
		}
	}
	return out
}

func (e *recordingEmitter) chats() []chat.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []chat.Message
	for _, ev := range e.events {
		if ev.event == EventChat {
			out = append(out, ev.payload.(chat.Message))
		}
	}
	return out
}

// countingRouter counts Close calls on top of a real router.
type countingRouter struct {
	*router.Router
	closes atomic.Int32
}

func (r *countingRouter) Close() error {
	r.closes.Add(1)
	return r.Router.Close()
}

// trackingProvider remembers the highest number of simultaneously open
// channels.
type trackingProvider struct {
	*queue.MemoryProvider

	mu  sync.Mutex
	max int
}

func (p *trackingProvider) Open(ctx context.Context, room string) (queue.Channel, error) {
	ch, err := p.MemoryProvider.Open(ctx, room)
	p.mu.Lock()
	if n := p.OpenChannels(); n > p.max {
		p.max = n
	}
	p.mu.Unlock()
	return ch, err
}

func (p *trackingProvider) peak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.max
}

type failingProvider struct{}

func (failingProvider) Open(context.Context, string) (queue.Channel, error) {
	return nil, io.ErrUnexpectedEOF
}

// flakyProvider fails the Nth Open calls listed in failOn (1-based).
type flakyProvider struct {
	*queue.MemoryProvider
	failOn map[int]bool

	mu    sync.Mutex
	opens int
}

func (p *flakyProvider) Open(ctx context.Context, room string) (queue.Channel, error) {
	p.mu.Lock()
	p.opens++
	fail := p.failOn[p.opens]
	p.mu.Unlock()
	if fail {
		return nil, io.ErrUnexpectedEOF
	}
	return p.MemoryProvider.Open(ctx, room)
}

type fixture struct {
	ctrl     *Controller
	emitter  *recordingEmitter
	router   *countingRouter
	provider queue.Provider
}

func newFixture(t *testing.T, fm *fakeMembership, provider queue.Provider, opts Options) *fixture {
	t.Helper()
	em := &recordingEmitter{}
	rtr := &countingRouter{Router: router.New(provider, testLogger())}
	ctrl := New("s1", fm, rtr, em, testLogger(), opts)
	t.Cleanup(func() {
		ctrl.Disconnect()
		ctrl.Wait()
	})
	return &fixture{ctrl: ctrl, emitter: em, router: rtr, provider: provider}
}
