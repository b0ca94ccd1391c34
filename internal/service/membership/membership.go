// Package membership talks to the external streaming-media API (FMS) that
// owns room membership.
package membership

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrMembershipRequestFailed wraps every declined or failed membership call.
var ErrMembershipRequestFailed = errors.New("membership request failed")

const (
	ReasonTimeout     = "timeout"
	ReasonCanceled    = "canceled"
	ReasonUnavailable = "unavailable"
)

// Result is the outcome reported by FMS. A declined request carries OK=false
// together with the message and reason FMS supplied.
type Result struct {
	OK         bool            `json:"-"`
	Message    string          `json:"message,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	StreamData json.RawMessage `json:"streamData,omitempty"`
}

// Client issues membership requests keyed by session and performer.
// Implementations return a failed Result together with an error wrapping
// ErrMembershipRequestFailed instead of panicking or aborting the caller.
type Client interface {
	RequestEnterRoom(ctx context.Context, sessionID, performerID string) (Result, error)
	RequestPrivate(ctx context.Context, sessionID, performerID string, isExclusive bool) (Result, error)
	RequestLeaveRoom(ctx context.Context, sessionID, performerID string) (Result, error)
}
