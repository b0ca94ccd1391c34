package membership

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"
)

const maxResponseBytes = 1 << 20

// HTTPClient calls the FMS HTTP API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	log     logrus.FieldLogger
}

// NewHTTPClient returns a client for baseURL. timeout bounds a single request
// on top of any context deadline.
func NewHTTPClient(baseURL string, timeout time.Duration, log logrus.FieldLogger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     log.WithField("component", "fms"),
	}
}

type requestBody struct {
	SessionID   string `json:"sessionId"`
	PerformerID string `json:"performerId,omitempty"`
	IsExclusive *bool  `json:"isExclusive,omitempty"`
}

type responseBody struct {
	Result     string          `json:"result"`
	Message    string          `json:"message"`
	Reason     string          `json:"reason"`
	StreamData json.RawMessage `json:"streamData"`
}

func (c *HTTPClient) RequestEnterRoom(ctx context.Context, sessionID, performerID string) (Result, error) {
	return c.call(ctx, "/enter_room", requestBody{SessionID: sessionID, PerformerID: performerID})
}

func (c *HTTPClient) RequestPrivate(ctx context.Context, sessionID, performerID string, isExclusive bool) (Result, error) {
	return c.call(ctx, "/private", requestBody{SessionID: sessionID, PerformerID: performerID, IsExclusive: &isExclusive})
}

func (c *HTTPClient) RequestLeaveRoom(ctx context.Context, sessionID, performerID string) (Result, error) {
	return c.call(ctx, "/leave_room", requestBody{SessionID: sessionID, PerformerID: performerID})
}

func (c *HTTPClient) call(ctx context.Context, path string, body requestBody) (Result, error) {
	payload, err := sonic.Marshal(body)
	if err != nil {
		return failed("Invalid request", "invalid_request"), fmt.Errorf("%w: encode %s: %w", ErrMembershipRequestFailed, path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return failed("Invalid request", "invalid_request"), fmt.Errorf("%w: build %s: %w", ErrMembershipRequestFailed, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	entry := c.log.WithFields(logrus.Fields{
		"path":      path,
		"session":   body.SessionID,
		"performer": body.PerformerID,
		"took_ms":   time.Since(start).Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("fms request failed")
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return failed("Membership request timed out", ReasonTimeout), fmt.Errorf("%w: %s: %w", ErrMembershipRequestFailed, path, err)
		}
		return failed("FMS API unavailable", ReasonUnavailable), fmt.Errorf("%w: %s: %w", ErrMembershipRequestFailed, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		entry.WithError(err).Warn("fms response read failed")
		return failed("FMS API unavailable", ReasonUnavailable), fmt.Errorf("%w: read %s: %w", ErrMembershipRequestFailed, path, err)
	}

	var decoded responseBody
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := sonic.Unmarshal(raw, &decoded); err != nil && resp.StatusCode < 300 {
			entry.WithError(err).Warn("fms response malformed")
			return failed("Malformed FMS response", "bad_response"), fmt.Errorf("%w: decode %s: %w", ErrMembershipRequestFailed, path, err)
		}
	}

	result := Result{
		Message:    decoded.Message,
		Reason:     decoded.Reason,
		StreamData: decoded.StreamData,
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if result.Reason == "" {
			result.Reason = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		if result.Message == "" {
			result.Message = "Request declined"
		}
		entry.WithField("status", resp.StatusCode).Debug("fms request declined")
		return result, fmt.Errorf("%w: %s: status %d", ErrMembershipRequestFailed, path, resp.StatusCode)
	}

	if decoded.Result != "ok" {
		if result.Message == "" {
			result.Message = "Request declined"
		}
		entry.WithField("reason", result.Reason).Debug("fms request declined")
		return result, fmt.Errorf("%w: %s: %s", ErrMembershipRequestFailed, path, describe(result))
	}

	result.OK = true
	entry.Debug("fms request succeeded")
	return result, nil
}

func failed(message, reason string) Result {
	return Result{Message: message, Reason: reason}
}

func describe(r Result) string {
	if r.Reason != "" {
		return r.Reason
	}
	return r.Message
}
