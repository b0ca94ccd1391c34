// Package session drives one client connection through the guest, room and
// private chat modes.
//
// A Controller owns the connection's chat.Session. It asks the membership
// service for permission before every mode change, rebinds the connection's
// router once permission is granted, and reports exactly one result event per
// transition request. Room transitions are serialized per session: a request
// that arrives while another is still settling is rejected immediately.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/zhouzirui/room-relay/backend/internal/model/chat"
	"github.com/zhouzirui/room-relay/backend/internal/service/membership"
	"github.com/zhouzirui/room-relay/backend/internal/service/router"
)

var (
	ErrConcurrentTransitionRejected = errors.New("concurrent transition rejected")
	ErrDisconnected                 = errors.New("session disconnected")
	ErrNotInRoom                    = errors.New("session is not in a room")
	ErrInvalidRequest               = errors.New("invalid request")
)

// Outbound event names.
const (
	EventEnterRoomResult      = "enter_room_result"
	EventPrivateRequestResult = "private_request_result"
	EventChat                 = "chat"
)

const (
	ResultOK     = "ok"
	ResultFailed = "failed"

	ReasonTransitionPending  = "transition_pending"
	ReasonChannelUnavailable = "channel_unavailable"
	ReasonNotInRoom          = "not_in_room"
	ReasonInvalidState       = "invalid_state"
	ReasonInvalidRequest     = "invalid_request"
)

// Emitter delivers named events to the client.
type Emitter interface {
	Emit(event string, payload any)
}

// Router is the channel binding surface the controller drives.
type Router interface {
	Connect(ctx context.Context, sessionID, roomID string, mode chat.Mode, onMessage router.MessageHandler, onControl router.ControlHandler) (router.Binding, error)
	SendChat(msg chat.Message) error
	Close() error
}

// Result is the payload of enter_room_result and private_request_result.
type Result struct {
	Result     string          `json:"result"`
	Message    string          `json:"message,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	StreamData json.RawMessage `json:"streamData,omitempty"`
	Mode       chat.Mode       `json:"mode,omitempty"`
}

// EnterRoomRequest is the enter_room payload.
type EnterRoomRequest struct {
	PerformerID string `json:"performerId"`
	Mode        string `json:"mode,omitempty"`
}

// PrivateRequest is the private_request payload.
type PrivateRequest struct {
	IsExclusive bool `json:"isExclusive"`
}

// ChatRequest is the inbound chat payload.
type ChatRequest struct {
	Type     string `json:"type,omitempty"`
	Text     string `json:"text"`
	UserType string `json:"userType,omitempty"`
}

// Options tune a Controller.
type Options struct {
	// MembershipTimeout bounds each enter/private request.
	MembershipTimeout time.Duration
	// LeaveTimeout bounds the background leave request.
	LeaveTimeout time.Duration
}

// DefaultOptions returns the production timeouts.
func DefaultOptions() Options {
	return Options{
		MembershipTimeout: 10 * time.Second,
		LeaveTimeout:      10 * time.Second,
	}
}

// Controller is the per-connection state machine.
type Controller struct {
	membership membership.Client
	router     Router
	emitter    Emitter
	log        logrus.FieldLogger
	opts       Options

	transitions *semaphore.Weighted
	disconnect  sync.Once
	tasks       sync.WaitGroup

	mu      sync.Mutex
	session chat.Session
}

// New returns a controller for a fresh guest session.
func New(sessionID string, client membership.Client, rtr Router, emitter Emitter, log logrus.FieldLogger, opts Options) *Controller {
	defaults := DefaultOptions()
	if opts.MembershipTimeout <= 0 {
		opts.MembershipTimeout = defaults.MembershipTimeout
	}
	if opts.LeaveTimeout <= 0 {
		opts.LeaveTimeout = defaults.LeaveTimeout
	}

	return &Controller{
		membership:  client,
		router:      rtr,
		emitter:     emitter,
		log:         log.WithFields(logrus.Fields{"component": "session", "session": sessionID}),
		opts:        opts,
		transitions: semaphore.NewWeighted(1),
		session:     chat.NewSession(sessionID),
	}
}

// Snapshot returns a copy of the session state.
func (c *Controller) Snapshot() chat.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// EnterRoom moves a guest or room session into performerID's room.
func (c *Controller) EnterRoom(ctx context.Context, req EnterRoomRequest) error {
	if !c.transitions.TryAcquire(1) {
		c.emitResult(EventEnterRoomResult, rejectedResult())
		return ErrConcurrentTransitionRejected
	}
	defer c.transitions.Release(1)

	snap := c.Snapshot()
	if !snap.Connected() {
		return ErrDisconnected
	}
	if req.PerformerID == "" {
		c.emitResult(EventEnterRoomResult, Result{Result: ResultFailed, Message: "performerId is required", Reason: ReasonInvalidRequest})
		return ErrInvalidRequest
	}
	if snap.State == chat.StatePrivate {
		c.emitResult(EventEnterRoomResult, Result{Result: ResultFailed, Message: "Already in private", Reason: ReasonInvalidState})
		return fmt.Errorf("enter room from %s: %w", snap.State, ErrInvalidRequest)
	}

	mode := chat.ParseMode(req.Mode)
	log := c.log.WithFields(logrus.Fields{"performer": req.PerformerID, "mode": mode})

	result, err := c.request(ctx, log, "enter_room", func(ctx context.Context) (membership.Result, error) {
		return c.membership.RequestEnterRoom(ctx, snap.ID, req.PerformerID)
	})
	if err != nil {
		if aborted(ctx, err) && !c.Snapshot().Connected() {
			// FMS may have admitted the session before the call was cut off.
			c.leaveUnlessCurrent(snap, req.PerformerID, "enter_room aborted by disconnect")
			return ErrDisconnected
		}
		c.emitResult(EventEnterRoomResult, failedResult(result))
		return err
	}

	if !c.Snapshot().Connected() {
		c.leaveUnlessCurrent(snap, req.PerformerID, "enter_room after disconnect")
		return ErrDisconnected
	}

	if _, err := c.router.Connect(ctx, snap.ID, req.PerformerID, mode, c.relayChat, c.relayControl); err != nil {
		log.WithError(err).Warn("channel bind failed after membership granted")
		if req.PerformerID != snap.PerformerID {
			c.leave(snap.ID, req.PerformerID, "enter_room rollback")
		}
		if snap.PerformerID != "" {
			c.restoreBinding(ctx, snap, log)
		}
		c.emitResult(EventEnterRoomResult, Result{Result: ResultFailed, Message: "Connection failed", Reason: ReasonChannelUnavailable})
		return err
	}

	previous, applied := c.apply(func(s *chat.Session) {
		s.Mode = mode
		s.MessageType = chat.MessageTypeGuest
		s.PerformerID = req.PerformerID
		s.State = chat.StateRoom
	})
	if !applied {
		if err := c.router.Close(); err != nil {
			log.WithError(err).Warn("release binding after disconnect failed")
		}
		c.leaveUnlessCurrent(previous, req.PerformerID, "enter_room after disconnect")
		return ErrDisconnected
	}
	if previous.PerformerID != "" && previous.PerformerID != req.PerformerID {
		c.leave(snap.ID, previous.PerformerID, "switched room")
	}

	log.Info("entered room")
	c.emitResult(EventEnterRoomResult, Result{
		Result:     ResultOK,
		Message:    "Entered room",
		StreamData: result.StreamData,
		Mode:       mode,
	})
	return nil
}

// PrivateRequest moves a room session into a private show with its current
// performer.
func (c *Controller) PrivateRequest(ctx context.Context, req PrivateRequest) error {
	if !c.transitions.TryAcquire(1) {
		c.emitResult(EventPrivateRequestResult, rejectedResult())
		return ErrConcurrentTransitionRejected
	}
	defer c.transitions.Release(1)

	snap := c.Snapshot()
	if !snap.Connected() {
		return ErrDisconnected
	}
	if snap.PerformerID == "" {
		c.emitResult(EventPrivateRequestResult, Result{Result: ResultFailed, Message: "Not in a room", Reason: ReasonNotInRoom})
		return ErrNotInRoom
	}

	log := c.log.WithFields(logrus.Fields{"performer": snap.PerformerID, "exclusive": req.IsExclusive})

	result, err := c.request(ctx, log, "private", func(ctx context.Context) (membership.Result, error) {
		return c.membership.RequestPrivate(ctx, snap.ID, snap.PerformerID, req.IsExclusive)
	})
	if err != nil {
		c.emitResult(EventPrivateRequestResult, failedResult(result))
		return err
	}

	if !c.Snapshot().Connected() {
		return ErrDisconnected
	}

	if err := c.router.Close(); err != nil {
		log.WithError(err).Warn("release room binding failed")
	}
	if _, err := c.router.Connect(ctx, snap.ID, snap.PerformerID, chat.ModePrivate, c.relayChat, c.relayControl); err != nil {
		log.WithError(err).Warn("private channel bind failed after membership granted")
		c.restoreBinding(ctx, snap, log)
		c.emitResult(EventPrivateRequestResult, Result{Result: ResultFailed, Message: "Connection failed", Reason: ReasonChannelUnavailable})
		return err
	}

	_, applied := c.apply(func(s *chat.Session) {
		s.Mode = chat.ModePrivate
		s.MessageType = chat.MessageTypePrivate
		s.State = chat.StatePrivate
	})
	if !applied {
		if err := c.router.Close(); err != nil {
			log.WithError(err).Warn("release binding after disconnect failed")
		}
		return ErrDisconnected
	}

	log.Info("private accepted")
	c.emitResult(EventPrivateRequestResult, Result{
		Result:     ResultOK,
		Message:    "Private accepted",
		StreamData: result.StreamData,
	})
	return nil
}

// Chat forwards a chat line to the bound room. Send failures are returned for
// logging only; the client gets no acknowledgement.
func (c *Controller) Chat(req ChatRequest) error {
	snap := c.Snapshot()
	if !snap.Connected() {
		return ErrDisconnected
	}

	if err := c.router.SendChat(BuildMessage(snap, req)); err != nil {
		c.log.WithError(err).Debug("chat not relayed")
		return err
	}
	return nil
}

// BuildMessage fills in the chat payload defaults for s.
func BuildMessage(s chat.Session, req ChatRequest) chat.Message {
	msgType := req.Type
	if msgType == "" {
		msgType = string(s.MessageType)
	}
	if msgType == "" {
		msgType = chat.DefaultChatType
	}
	userType := req.UserType
	if userType == "" {
		userType = chat.DefaultUserType
	}
	from := s.DisplayName
	if from == "" {
		from = s.ID
	}
	return chat.Message{
		From:     from,
		Type:     msgType,
		Text:     req.Text,
		UserType: userType,
	}
}

// PrivatePing records a keepalive from a private show client.
func (c *Controller) PrivatePing() {
	c.log.Debug("private ping arrived")
}

// PrivateEnd records the client's request to end a private show.
func (c *Controller) PrivateEnd() {
	c.log.Debug("private end arrived")
}

// Disconnect moves the session to its terminal state, releases the channel
// binding and notifies FMS in the background. Only the first call has effect.
func (c *Controller) Disconnect() {
	c.disconnect.Do(func() {
		c.mu.Lock()
		c.session.State = chat.StateDisconnected
		snap := c.session
		c.mu.Unlock()

		if err := c.router.Close(); err != nil {
			c.log.WithError(err).Warn("release binding on disconnect failed")
		}
		c.leave(snap.ID, snap.PerformerID, "disconnect")
		c.log.WithField("connected_for", time.Since(snap.CreatedAt).Round(time.Millisecond)).Info("disconnected")
	})
}

// Wait blocks until background leave requests have finished.
func (c *Controller) Wait() {
	c.tasks.Wait()
}

func (c *Controller) request(ctx context.Context, log logrus.FieldLogger, name string, call func(context.Context) (membership.Result, error)) (membership.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.MembershipTimeout)
	defer cancel()

	type outcome struct {
		result membership.Result
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		res, err := call(ctx)
		if err == nil && !res.OK {
			err = fmt.Errorf("%w: %s declined", membership.ErrMembershipRequestFailed, name)
		}
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		result := membership.Result{Message: "Membership request timed out", Reason: membership.ReasonTimeout}
		if errors.Is(ctx.Err(), context.Canceled) {
			result = membership.Result{Message: "Membership request canceled", Reason: membership.ReasonCanceled}
		}
		out = outcome{
			result: result,
			err:    fmt.Errorf("%w: %s: %w", membership.ErrMembershipRequestFailed, name, ctx.Err()),
		}
	}

	entry := log.WithField("took_ms", time.Since(start).Milliseconds())
	if out.err != nil {
		entry.WithError(out.err).Info("FMS API request failed")
	} else {
		entry.Debug("FMS API request succeeded")
	}
	return out.result, out.err
}

// apply mutates the session unless it has been disconnected. It returns the
// state as it was before the mutation.
func (c *Controller) apply(mutate func(*chat.Session)) (chat.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous := c.session
	if !previous.Connected() {
		return previous, false
	}
	mutate(&c.session)
	return previous, true
}

func (c *Controller) leave(sessionID, performerID, cause string) {
	log := c.log.WithFields(logrus.Fields{"performer": performerID, "cause": cause})
	if performerID == "" {
		log.Debug("no room to leave")
		return
	}

	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.LeaveTimeout)
		defer cancel()

		if _, err := c.membership.RequestLeaveRoom(ctx, sessionID, performerID); err != nil {
			log.WithError(err).Warn("FMS API leave request failed")
			return
		}
		log.Debug("FMS API notified about leaving the room")
	}()
}

// leaveUnlessCurrent sends a leave for performerID unless it is the room the
// session held when it disconnected; Disconnect already left that one.
func (c *Controller) leaveUnlessCurrent(current chat.Session, performerID, cause string) {
	if performerID == current.PerformerID {
		return
	}
	c.leave(current.ID, performerID, cause)
}

// restoreBinding rebinds the channel held before a failed bind. When that
// fails as well the session drops back to guest and leaves the room.
func (c *Controller) restoreBinding(ctx context.Context, prior chat.Session, log logrus.FieldLogger) {
	ctx = context.WithoutCancel(ctx)
	_, err := c.router.Connect(ctx, prior.ID, prior.PerformerID, prior.Mode, c.relayChat, c.relayControl)
	if err == nil {
		if !c.Snapshot().Connected() {
			_ = c.router.Close()
		}
		return
	}

	log.WithError(err).Warn("restore binding failed, falling back to guest")
	if _, applied := c.apply(func(s *chat.Session) {
		s.Mode = chat.ModeGuest
		s.MessageType = chat.MessageTypeGuest
		s.PerformerID = ""
		s.State = chat.StateGuest
	}); applied {
		c.leave(prior.ID, prior.PerformerID, "private rollback")
	}
}

func (c *Controller) relayChat(msg chat.Message) {
	if !c.Snapshot().Connected() {
		return
	}
	c.emitter.Emit(EventChat, msg)
}

func (c *Controller) relayControl(payload []byte) {
	c.log.WithField("bytes", len(payload)).Debug("control message arrived")
}

func (c *Controller) emitResult(event string, result Result) {
	if !c.Snapshot().Connected() {
		return
	}
	c.emitter.Emit(event, result)
}

func rejectedResult() Result {
	return Result{Result: ResultFailed, Message: "Transition pending", Reason: ReasonTransitionPending}
}

func failedResult(r membership.Result) Result {
	message := r.Message
	if message == "" {
		message = "Request failed"
	}
	return Result{
		Result:  ResultFailed,
		Message: message,
		Reason:  r.Reason,
	}
}

// aborted reports whether a membership call was cut off before FMS answered.
func aborted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
