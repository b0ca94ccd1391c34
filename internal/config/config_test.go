package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFrom(vars map[string]string) (*Config, error) {
	return load(env.Options{Environment: vars})
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, ":8200", cfg.Server.Addr)
	assert.True(t, cfg.Server.Development())
	assert.Equal(t, "static", cfg.Server.StaticDir)
	assert.Equal(t, QueueDriverMemory, cfg.Queue.Driver)
	assert.Equal(t, "relay", cfg.Queue.SubjectPrefix)
	assert.Equal(t, 2*time.Second, cfg.Queue.ReconnectWait)
	assert.Equal(t, MembershipDriverStub, cfg.Membership.Driver)
	assert.Equal(t, 10*time.Second, cfg.Membership.Timeout)
	assert.Equal(t, 256, cfg.Socket.SendBuffer)
	assert.Equal(t, 54*time.Second, cfg.Socket.PingInterval)
	assert.Equal(t, 60*time.Second, cfg.Socket.ReadTimeout)
	assert.Equal(t, int64(4096), cfg.Socket.MaxMessageSize)
	assert.False(t, cfg.Diag.Enabled)
	assert.Equal(t, time.Minute, cfg.Diag.Interval)
}

func TestLoadPort(t *testing.T) {
	cases := map[string]string{
		"9000":           ":9000",
		":9001":          ":9001",
		"127.0.0.1:9002": "127.0.0.1:9002",
	}
	for port, want := range cases {
		cfg, err := loadFrom(map[string]string{"PORT": port})
		require.NoError(t, err, port)
		assert.Equal(t, want, cfg.Server.Addr)
	}

	_, err := loadFrom(map[string]string{"PORT": "80 80"})
	require.Error(t, err)
}

func TestLoadNATSAndHTTPDrivers(t *testing.T) {
	cfg, err := loadFrom(map[string]string{
		"QUEUE_DRIVER":      "NATS",
		"NATS_URL":          "nats://queue:4222",
		"MEMBERSHIP_DRIVER": "http",
		"FMS_BASE_URL":      "http://fms.local:8080",
		"FMS_TIMEOUT":       "3s",
	})
	require.NoError(t, err)

	assert.Equal(t, QueueDriverNATS, cfg.Queue.Driver)
	assert.Equal(t, "nats://queue:4222", cfg.Queue.URL)
	assert.Equal(t, MembershipDriverHTTP, cfg.Membership.Driver)
	assert.Equal(t, 3*time.Second, cfg.Membership.Timeout)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		vars map[string]string
		want string
	}{
		{"unknown queue", map[string]string{"QUEUE_DRIVER": "kafka"}, "unknown QUEUE_DRIVER"},
		{"unknown membership", map[string]string{"MEMBERSHIP_DRIVER": "grpc"}, "unknown MEMBERSHIP_DRIVER"},
		{"http without url", map[string]string{"MEMBERSHIP_DRIVER": "http"}, "FMS_BASE_URL is required"},
		{"http bad url", map[string]string{"MEMBERSHIP_DRIVER": "http", "FMS_BASE_URL": "fms"}, "invalid FMS_BASE_URL"},
		{"ping after read timeout", map[string]string{"WS_PING_INTERVAL": "90s"}, "WS_PING_INTERVAL"},
		{"zero buffer", map[string]string{"WS_SEND_BUFFER": "0"}, "WS_SEND_BUFFER"},
		{"bad duration", map[string]string{"FMS_TIMEOUT": "soon"}, "parse env"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadFrom(tc.vars)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := LogConfig{Level: "debug", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	log.WithField("session", "s1").Debug("hello")
	assert.Contains(t, buf.String(), `"session":"s1"`)

	_, err = LogConfig{Level: "loud"}.NewLogger(&buf)
	require.Error(t, err)
	_, err = LogConfig{Level: "info", Format: "xml"}.NewLogger(&buf)
	require.Error(t, err)
}
