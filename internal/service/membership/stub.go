package membership

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sirupsen/logrus"
)

// StubClient accepts every request. It stands in for FMS during local
// development; stream data points at streamBaseURL/<performerId>.
type StubClient struct {
	streamBaseURL string
	log           logrus.FieldLogger
}

// NewStubClient returns a client that approves everything.
func NewStubClient(streamBaseURL string, log logrus.FieldLogger) *StubClient {
	return &StubClient{
		streamBaseURL: strings.TrimRight(streamBaseURL, "/"),
		log:           log.WithField("component", "fms-stub"),
	}
}

func (c *StubClient) RequestEnterRoom(_ context.Context, sessionID, performerID string) (Result, error) {
	c.log.WithFields(logrus.Fields{"session": sessionID, "performer": performerID}).Debug("enter room approved")
	return Result{OK: true, Message: "Entered room", StreamData: c.streamData(performerID, false)}, nil
}

func (c *StubClient) RequestPrivate(_ context.Context, sessionID, performerID string, isExclusive bool) (Result, error) {
	c.log.WithFields(logrus.Fields{"session": sessionID, "performer": performerID, "exclusive": isExclusive}).Debug("private approved")
	return Result{OK: true, Message: "Private accepted", StreamData: c.streamData(performerID, true)}, nil
}

func (c *StubClient) RequestLeaveRoom(_ context.Context, sessionID, performerID string) (Result, error) {
	c.log.WithFields(logrus.Fields{"session": sessionID, "performer": performerID}).Debug("leave acknowledged")
	return Result{OK: true}, nil
}

func (c *StubClient) streamData(performerID string, private bool) json.RawMessage {
	data := map[string]any{
		"url":     c.streamBaseURL + "/" + performerID,
		"private": private,
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return raw
}
