package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"sudooom.collab/internal/collab"
)

// ErrUnauthorized 网关拒绝了 token，不重试
var ErrUnauthorized = errors.New("gateway rejected credentials")

// Config WebSocket 传输配置
type Config struct {
	URL   string // 例如 ws://localhost:8090/ws
	Token string // Bearer token

	HandshakeTimeout time.Duration
	MaxRetries       uint64
	InitialInterval  time.Duration
	MaxInterval      time.Duration

	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	SendBuffer   int
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 200 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
}

// Dialer 建立到网关的 WebSocket 连接，握手失败时按指数退避重试
type Dialer struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewDialer 创建拨号器
func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger,
	}
}

// Dial 实现 collab.Dialer
func (d *Dialer) Dial(ctx context.Context, projectID string) (collab.Transport, error) {
	return d.DialConn(ctx, projectID)
}

// DialConn 建立连接
func (d *Dialer) DialConn(ctx context.Context, projectID string) (*Conn, error) {
	target, err := d.endpoint(projectID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if d.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+d.cfg.Token)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.cfg.InitialInterval
	policy.MaxInterval = d.cfg.MaxInterval
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, d.cfg.MaxRetries), ctx)

	var (
		conn    *websocket.Conn
		fatal   error
		attempt int
	)
	operation := func() error {
		attempt++
		c, resp, err := d.dialer.DialContext(ctx, target, header)
		if err == nil {
			conn = c
			return nil
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			// 认证失败重试也不会成功，结束重试
			fatal = fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
			return nil
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Debug("WebSocket dial failed, retrying",
			"attempt", attempt,
			"wait", wait,
			"error", err)
	}

	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", target, err)
	}
	if fatal != nil {
		return nil, fatal
	}

	d.logger.Debug("WebSocket connected", "url", target, "attempts", attempt)
	return newConn(conn, d.cfg, d.logger), nil
}

func (d *Dialer) endpoint(projectID string) (string, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set("project_id", projectID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
