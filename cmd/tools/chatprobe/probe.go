package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type probeOptions struct {
	URL         string
	PerformerID string
	Mode        string
	Private     bool
	Exclusive   bool
	Say         []string
	Listen      time.Duration
	Timeout     time.Duration
}

type event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type transitionResult struct {
	Result  string `json:"result"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// errTransitionFailed 状态迁移被拒绝
var errTransitionFailed = errors.New("transition failed")

// runProbe 执行一次完整的探测会话
func runProbe(ctx context.Context, opts probeOptions, out io.Writer) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.URL, err)
	}
	defer ws.Close()

	events := make(chan event, 64)
	readErr := make(chan error, 1)
	go func() {
		for {
			var ev event
			if err := ws.ReadJSON(&ev); err != nil {
				readErr <- err
				close(events)
				return
			}
			events <- ev
		}
	}()

	p := &prober{ws: ws, events: events, out: out, timeout: opts.Timeout}

	connected, err := p.await(ctx, "connected")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "connected session=%s\n", connected.SessionID)

	if err := p.transition(ctx, "enter_room", "enter_room_result", map[string]any{
		"performerId": opts.PerformerID,
		"mode":        opts.Mode,
	}); err != nil {
		return err
	}

	if opts.Private {
		if err := p.transition(ctx, "private_request", "private_request_result", map[string]any{
			"isExclusive": opts.Exclusive,
		}); err != nil {
			return err
		}
	}

	tag := uuid.NewString()[:8]
	for _, line := range opts.Say {
		if err := p.send("chat", map[string]any{"text": line}); err != nil {
			return err
		}
		fmt.Fprintf(out, "> [%s] %s\n", tag, line)
	}

	listen := time.NewTimer(opts.Listen)
	defer listen.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-listen.C:
			return nil
		case ev, ok := <-events:
			if !ok {
				return <-readErr
			}
			p.print(ev)
		}
	}
}

type prober struct {
	ws      *websocket.Conn
	events  <-chan event
	out     io.Writer
	timeout time.Duration
}

func (p *prober) send(eventType string, data any) error {
	if err := p.ws.WriteJSON(map[string]any{"type": eventType, "data": data}); err != nil {
		return fmt.Errorf("send %s: %w", eventType, err)
	}
	return nil
}

func (p *prober) transition(ctx context.Context, request, result string, data any) error {
	if err := p.send(request, data); err != nil {
		return err
	}
	ev, err := p.await(ctx, result)
	if err != nil {
		return err
	}

	var res transitionResult
	if err := json.Unmarshal(ev.Data, &res); err != nil {
		return fmt.Errorf("decode %s: %w", result, err)
	}
	fmt.Fprintf(p.out, "%s: %s %s\n", result, res.Result, res.Message)
	if res.Result != "ok" {
		return fmt.Errorf("%s (%s): %w", request, res.Reason, errTransitionFailed)
	}
	return nil
}

// await 等待指定事件，期间收到的其他事件直接打印
func (p *prober) await(ctx context.Context, eventType string) (event, error) {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return event{}, ctx.Err()
		case <-timer.C:
			return event{}, fmt.Errorf("timed out waiting for %s", eventType)
		case ev, ok := <-p.events:
			if !ok {
				return event{}, fmt.Errorf("connection closed waiting for %s", eventType)
			}
			if ev.Type == eventType {
				return ev, nil
			}
			p.print(ev)
		}
	}
}

func (p *prober) print(ev event) {
	fmt.Fprintf(p.out, "< %s %s\n", ev.Type, ev.Data)
}
