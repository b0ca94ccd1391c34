package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// 队列与成员服务的驱动名
const (
	QueueDriverMemory = "memory"
	QueueDriverNATS   = "nats"

	MembershipDriverStub = "stub"
	MembershipDriverHTTP = "http"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Queue      QueueConfig
	Membership MembershipConfig
	Socket     SocketConfig
	Diag       DiagConfig
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port      string `env:"PORT" envDefault:"8200"`
	Env       string `env:"APP_ENV" envDefault:"development"`
	StaticDir string `env:"STATIC_DIR" envDefault:"static"`

	// Addr 由 Port 推导
	Addr string
}

// Development 是否为开发环境
func (c ServerConfig) Development() bool {
	return c.Env == "development"
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// QueueConfig 描述消息队列。
type QueueConfig struct {
	Driver        string        `env:"QUEUE_DRIVER" envDefault:"memory"`
	URL           string        `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	Name          string        `env:"NATS_NAME" envDefault:"room-relay"`
	SubjectPrefix string        `env:"NATS_SUBJECT_PREFIX" envDefault:"relay"`
	ReconnectWait time.Duration `env:"NATS_RECONNECT_WAIT" envDefault:"2s"`
}

// MembershipConfig 描述 FMS 成员服务。
type MembershipConfig struct {
	Driver        string        `env:"MEMBERSHIP_DRIVER" envDefault:"stub"`
	BaseURL       string        `env:"FMS_BASE_URL"`
	Timeout       time.Duration `env:"FMS_TIMEOUT" envDefault:"10s"`
	StreamBaseURL string        `env:"STUB_STREAM_BASE_URL" envDefault:"rtmp://127.0.0.1/live"`
}

// SocketConfig 描述 WebSocket 连接参数。
type SocketConfig struct {
	SendBuffer     int           `env:"WS_SEND_BUFFER" envDefault:"256"`
	PingInterval   time.Duration `env:"WS_PING_INTERVAL" envDefault:"54s"`
	ReadTimeout    time.Duration `env:"WS_READ_TIMEOUT" envDefault:"60s"`
	MaxMessageSize int64         `env:"WS_MAX_MESSAGE_SIZE" envDefault:"4096"`
}

// DiagConfig 描述内存诊断。
type DiagConfig struct {
	Enabled     bool          `env:"DIAG_ENABLED" envDefault:"false"`
	Interval    time.Duration `env:"DIAG_INTERVAL" envDefault:"1m"`
	SnapshotDir string        `env:"DIAG_SNAPSHOT_DIR" envDefault:"heapsnapshots"`
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	return load(env.Options{})
}

func load(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	addr, err := listenAddr(cfg.Server.Port)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr

	cfg.Queue.Driver = strings.ToLower(strings.TrimSpace(cfg.Queue.Driver))
	cfg.Membership.Driver = strings.ToLower(strings.TrimSpace(cfg.Membership.Driver))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// listenAddr 解析服务器监听地址。
func listenAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8200"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8200" 或 "127.0.0.1:8200"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

// Validate 校验驱动与取值范围。
func (c *Config) Validate() error {
	var errs []error

	switch c.Queue.Driver {
	case QueueDriverMemory:
	case QueueDriverNATS:
		if strings.TrimSpace(c.Queue.URL) == "" {
			errs = append(errs, errors.New("NATS_URL is required when QUEUE_DRIVER=nats"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_DRIVER %q", c.Queue.Driver))
	}

	switch c.Membership.Driver {
	case MembershipDriverStub:
	case MembershipDriverHTTP:
		if c.Membership.BaseURL == "" {
			errs = append(errs, errors.New("FMS_BASE_URL is required when MEMBERSHIP_DRIVER=http"))
		} else if u, err := url.Parse(c.Membership.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid FMS_BASE_URL %q", c.Membership.BaseURL))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown MEMBERSHIP_DRIVER %q", c.Membership.Driver))
	}

	if c.Membership.Timeout <= 0 {
		errs = append(errs, errors.New("FMS_TIMEOUT must be positive"))
	}
	if c.Socket.SendBuffer <= 0 {
		errs = append(errs, errors.New("WS_SEND_BUFFER must be positive"))
	}
	if c.Socket.PingInterval >= c.Socket.ReadTimeout {
		errs = append(errs, errors.New("WS_PING_INTERVAL must be shorter than WS_READ_TIMEOUT"))
	}
	if c.Socket.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("WS_MAX_MESSAGE_SIZE must be positive"))
	}
	if c.Diag.Enabled && c.Diag.Interval <= 0 {
		errs = append(errs, errors.New("DIAG_INTERVAL must be positive"))
	}

	return errors.Join(errs...)
}
