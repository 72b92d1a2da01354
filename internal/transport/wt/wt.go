package wt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"

	"sudooom.collab/internal/collab"
	"sudooom.collab/internal/protocol"
	"sudooom.collab/pkg/proto"
)

var (
	ErrConnClosed = errors.New("webtransport connection closed")
	ErrAuthFailed = errors.New("webtransport auth failed")
)

// Config WebTransport 传输配置
type Config struct {
	URL                string // 例如 https://localhost:8443/webtransport
	Token              string
	InsecureSkipVerify bool // 仅用于开发环境的自签名证书
	MaxIdleTimeout     time.Duration
	HeartbeatInterval  time.Duration
}

// Dialer 建立 WebTransport 会话，使用单个双向流承载所有帧
type Dialer struct {
	cfg    Config
	dialer *webtransport.Dialer
	logger *slog.Logger
}

// NewDialer 创建拨号器
func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	if cfg.MaxIdleTimeout <= 0 {
		cfg.MaxIdleTimeout = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		cfg: cfg,
		dialer: &webtransport.Dialer{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify,
				NextProtos:         []string{"h3"},
			},
			QUICConfig: &quic.Config{
				MaxIdleTimeout: cfg.MaxIdleTimeout,
			},
		},
		logger: logger,
	}
}

// Dial 实现 collab.Dialer
func (d *Dialer) Dial(ctx context.Context, projectID string) (collab.Transport, error) {
	return d.DialConn(ctx, projectID)
}

// DialConn 建立会话、打开流并完成首帧认证
func (d *Dialer) DialConn(ctx context.Context, projectID string) (*Conn, error) {
	if _, err := url.Parse(d.cfg.URL); err != nil {
		return nil, fmt.Errorf("parse webtransport url: %w", err)
	}

	resp, session, err := d.dialer.Dial(ctx, d.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("webtransport dial: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = session.CloseWithError(0, "unexpected status")
		return nil, fmt.Errorf("webtransport handshake status %d", resp.StatusCode)
	}

	stream, err := session.OpenStreamSync(ctx)
	if err != nil {
		_ = session.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("open stream: %w", err)
	}

	auth, err := protocol.EncodeJSON(protocol.FrameTypeAuth, protocol.AuthRequest{
		Token:     d.cfg.Token,
		ProjectID: projectID,
	})
	if err != nil {
		_ = session.CloseWithError(0, "encode auth failed")
		return nil, err
	}
	if _, err := stream.Write(auth); err != nil {
		_ = session.CloseWithError(0, "write auth failed")
		return nil, fmt.Errorf("write auth frame: %w", err)
	}

	ack, err := readAck(stream)
	if err != nil {
		_ = session.CloseWithError(0, "auth ack failed")
		return nil, err
	}
	if ack.Code != 0 {
		_ = session.CloseWithError(0, "auth rejected")
		return nil, fmt.Errorf("%w: [%d] %s", ErrAuthFailed, ack.Code, ack.Message)
	}

	d.logger.Debug("WebTransport session authenticated", "session_id", ack.SessionID)
	return newConn(session, stream, d.cfg.HeartbeatInterval, d.logger), nil
}

func readAck(stream *webtransport.Stream) (*protocol.AuthAck, error) {
	frame, err := protocol.ReadFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("read auth ack: %w", err)
	}
	if frame.Type != protocol.FrameTypeAuthAck {
		return nil, protocol.ErrUnexpectedAck
	}
	var ack protocol.AuthAck
	if err := json.Unmarshal(frame.Body, &ack); err != nil {
		return nil, fmt.Errorf("decode auth ack: %w", err)
	}
	return &ack, nil
}

// Conn 已认证的 WebTransport 连接
type Conn struct {
	session *webtransport.Session
	stream  *webtransport.Stream
	logger  *slog.Logger

	writeMu   sync.Mutex
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newConn(session *webtransport.Session, stream *webtransport.Stream, heartbeat time.Duration, logger *slog.Logger) *Conn {
	c := &Conn{
		session: session,
		stream:  stream,
		logger:  logger,
		closing: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.heartbeatLoop(heartbeat)
	return c
}

// Send 写入一个事件帧
func (c *Conn) Send(ctx context.Context, env *proto.Envelope) error {
	frame, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *Conn) write(frame []byte) error {
	select {
	case <-c.closing:
		return ErrConnClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.stream.Write(frame)
	return err
}

// Recv 读取下一个事件帧，跳过心跳
// 只由一个协程调用；ctx 取消通过 Close 关闭流来打断阻塞的读
func (c *Conn) Recv(ctx context.Context) (*proto.Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame, err := protocol.ReadFrame(c.stream)
		if err != nil {
			return nil, err
		}
		switch frame.Type {
		case protocol.FrameTypeEvent:
			env, err := frame.Envelope()
			if err != nil {
				c.logger.Warn("Invalid envelope dropped", "error", err)
				continue
			}
			return env, nil
		case protocol.FrameTypeHeartbeat:
			continue
		default:
			c.logger.Debug("Unexpected frame type", "type", frame.Type)
		}
	}
}

func (c *Conn) heartbeatLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closing:
			return
		case <-ticker.C:
			if err := c.write(protocol.Encode(protocol.FrameTypeHeartbeat, nil)); err != nil {
				c.logger.Debug("Heartbeat failed", "error", err)
				return
			}
		}
	}
}

// Close 关闭流和会话，可重复调用
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.wg.Wait()

		c.writeMu.Lock()
		_ = c.stream.Close()
		c.writeMu.Unlock()
		err = c.session.CloseWithError(0, "client closed")
	})
	return err
}
