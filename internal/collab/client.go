package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sudooom.collab/internal/task"
	"sudooom.collab/pkg/proto"
)

const (
	DefaultCursorInterval = 75 * time.Millisecond
	MinCursorInterval     = 50 * time.Millisecond
	MaxCursorInterval     = 100 * time.Millisecond
	DefaultTypingTTL      = 5 * time.Second
	DefaultSendTimeout    = 5 * time.Second
)

var (
	ErrClosed           = errors.New("collab client is closed")
	ErrAlreadyConnected = errors.New("collab client is already connected")
	ErrMissingIdentity  = errors.New("project id and user id are required")

	errMissingSection = errors.New("event has no section_id")
	errMissingUser    = errors.New("event has no user_id")
)

// Transport 一条已建立的双向事件通道
// Send 可以被多个协程并发调用；Recv 只由客户端的读协程调用
type Transport interface {
	Send(ctx context.Context, env *proto.Envelope) error
	Recv(ctx context.Context) (*proto.Envelope, error)
	Close() error
}

// Dialer 为指定项目建立通道，重连、退避和认证由实现负责
type Dialer interface {
	Dial(ctx context.Context, projectID string) (Transport, error)
}

// DialerFunc 函数适配器
type DialerFunc func(ctx context.Context, projectID string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, projectID string) (Transport, error) {
	return f(ctx, projectID)
}

// State 通道状态
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config 客户端配置
type Config struct {
	ProjectID string
	UserID    string
	UserName  string

	CursorInterval time.Duration // 光标上报最小间隔，限制在 50-100ms
	TypingTTL      time.Duration // 正在输入提示的过期时间
	SendTimeout    time.Duration
}

func (c *Config) setDefaults() {
	switch {
	case c.CursorInterval <= 0:
		c.CursorInterval = DefaultCursorInterval
	case c.CursorInterval < MinCursorInterval:
		c.CursorInterval = MinCursorInterval
	case c.CursorInterval > MaxCursorInterval:
		c.CursorInterval = MaxCursorInterval
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = DefaultTypingTTL
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
}

// Client 一个项目的实时协作客户端
//
// 所有入站事件由单个读协程应用到本地状态，读取方法返回副本。
// 未连接时所有出站操作都是空操作。
type Client struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger
	bus    *Bus

	mu        sync.RWMutex
	state     State
	transport Transport
	joined    bool
	closed    bool
	readDone  chan struct{}

	presence    proto.PresenceSnapshot
	presenceSeq int64

	locks     proto.LockTable
	lockSeq   map[string]int64
	lockFloor int64 // 最近一次 all_locks 的 seq

	typing      map[string]map[string]typingEntry // section -> user -> entry
	localTyping map[string]int64                  // section -> generation
	typingGen   int64

	cursor    *cursorPacer
	scheduler *task.Scheduler
	schedOnce sync.Once

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New 创建客户端，此时不建立连接
func New(cfg Config, dialer Dialer, logger *slog.Logger) *Client {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("project_id", cfg.ProjectID, "user_id", cfg.UserID)

	tick := cfg.TypingTTL / 20
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:         cfg,
		dialer:      dialer,
		logger:      logger,
		bus:         NewBus(logger),
		presence:    make(proto.PresenceSnapshot),
		locks:       make(proto.LockTable),
		lockSeq:     make(map[string]int64),
		typing:      make(map[string]map[string]typingEntry),
		localTyping: make(map[string]int64),
		scheduler:   task.NewScheduler(tick, nil, logger),
		ctx:         ctx,
		cancel:      cancel,
	}
	c.cursor = newCursorPacer(cfg.CursorInterval, c.sendCursor)
	return c
}

// ProjectID 当前项目
func (c *Client) ProjectID() string { return c.cfg.ProjectID }

// UserID 当前用户
func (c *Client) UserID() string { return c.cfg.UserID }

// Subscribe 订阅指定类型的事件
func (c *Client) Subscribe(eventType string, handler Handler) string {
	return c.bus.Subscribe(eventType, handler)
}

// SubscribeAll 订阅所有事件
func (c *Client) SubscribeAll(handler Handler) string {
	return c.bus.SubscribeAll(handler)
}

// Unsubscribe 取消订阅
func (c *Client) Unsubscribe(id string) bool {
	return c.bus.Unsubscribe(id)
}

// State 当前通道状态
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected 是否已连接
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Connect 建立通道并发送 join_project
// 失败时回到 disconnected 并返回错误，协作功能保持不可用
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.ProjectID == "" || c.cfg.UserID == "" {
		return ErrMissingIdentity
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.bus.Publish(ConnectionChangedEvent{State: StateConnecting})

	c.schedOnce.Do(func() {
		if err := c.scheduler.Start(); err != nil {
			c.logger.Warn("Typing scheduler start failed", "error", err)
		}
	})

	t, err := c.dialer.Dial(ctx, c.cfg.ProjectID)
	if err != nil {
		c.logger.Warn("Connect failed", "error", err)
		if c.setDisconnected(nil) {
			c.bus.Publish(ConnectionChangedEvent{State: StateDisconnected, Err: err})
		}
		return fmt.Errorf("dial project %s: %w", c.cfg.ProjectID, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = t.Close()
		return ErrClosed
	}
	c.transport = t
	c.state = StateConnected
	c.readDone = make(chan struct{})
	// 新会话的 seq 基线重新开始，网关在 join 后会下发全量快照
	c.presenceSeq = 0
	c.lockSeq = make(map[string]int64)
	c.lockFloor = 0
	readDone := c.readDone
	c.mu.Unlock()

	join := proto.JoinProject{
		ProjectID: c.cfg.ProjectID,
		UserID:    c.cfg.UserID,
		UserName:  c.cfg.UserName,
	}
	joinErr := c.sendOn(t, proto.EventJoinProject, join)

	c.mu.Lock()
	current := c.transport == t
	if current && joinErr == nil {
		c.joined = true
	}
	c.mu.Unlock()

	if current {
		c.logger.Info("Connected to project")
		c.bus.Publish(ConnectionChangedEvent{State: StateConnected})
	}
	// 读循环是唯一会报告断开的地方，在 Connected 通知之后启动，
	// 连接立即断开时 Disconnected 一定排在 Connected 之后
	go c.readLoop(t, readDone)
	return nil
}

// Close 离开项目并释放资源，可重复调用
// 若已发送 join_project 则恰好发送一次 leave_project；返回后不再有状态更新和通知。
// 不要在事件处理函数中同步调用 Close。
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		t := c.transport
		joined := c.joined
		readDone := c.readDone
		c.transport = nil
		c.joined = false
		c.state = StateDisconnected
		c.mu.Unlock()

		c.cursor.stop()

		if t != nil {
			if joined {
				_ = c.sendOn(t, proto.EventLeaveProject, proto.LeaveProject{ProjectID: c.cfg.ProjectID})
			}
			c.cancel()
			if err := t.Close(); err != nil {
				c.logger.Debug("Transport close failed", "error", err)
			}
		} else {
			c.cancel()
		}

		if readDone != nil {
			<-readDone
		}
		c.scheduler.Stop()
		c.bus.Clear()
		c.logger.Info("Left project")
	})
	return nil
}

// setDisconnected 回到 disconnected，返回调用方是否应发布通知
func (c *Client) setDisconnected(t Transport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if t != nil && c.transport != t {
		return false
	}
	c.transport = nil
	c.joined = false
	c.state = StateDisconnected
	return true
}

// send 通过当前通道发送事件，未连接时为空操作
func (c *Client) send(event string, data any) {
	c.mu.RLock()
	t := c.transport
	connected := c.state == StateConnected && !c.closed
	c.mu.RUnlock()

	if !connected || t == nil {
		return
	}
	_ = c.sendOn(t, event, data)
}

func (c *Client) sendOn(t Transport, event string, data any) error {
	env, err := proto.NewEnvelope(event, c.cfg.ProjectID, data)
	if err != nil {
		c.logger.Error("Encode event failed", "event", event, "error", err)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
	defer cancel()
	if err := t.Send(ctx, env); err != nil {
		c.logger.Debug("Send event failed", "event", event, "error", err)
		return err
	}
	return nil
}

// readLoop 唯一的入站事件消费者
func (c *Client) readLoop(t Transport, done chan struct{}) {
	defer close(done)

	for {
		env, err := t.Recv(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("Transport lost", "error", err)
			_ = t.Close()
			c.cursor.discard()
			if c.setDisconnected(t) {
				c.bus.Publish(ConnectionChangedEvent{State: StateDisconnected, Err: err})
			}
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env *proto.Envelope) {
	var err error
	switch env.Event {
	case proto.EventPresenceUpdate:
		err = c.handlePresenceUpdate(env)
	case proto.EventCursorUpdate:
		err = c.handleCursorUpdate(env)
	case proto.EventAllLocks:
		err = c.handleAllLocks(env)
	case proto.EventSectionLocked:
		err = c.handleSectionLocked(env)
	case proto.EventSectionUnlocked:
		err = c.handleSectionUnlocked(env)
	case proto.EventTypingStart:
		err = c.handleTypingStart(env)
	case proto.EventTypingEnd, proto.EventTypingStop:
		err = c.handleTypingEnd(env)
	case proto.EventContentUpdate:
		err = c.handleContentUpdate(env)
	case proto.EventError:
		err = c.handleServerError(env)
	default:
		c.logger.Debug("Unknown event ignored", "event", env.Event)
	}
	if err != nil {
		c.logger.Warn("Malformed event ignored", "event", env.Event, "error", err)
	}
}

// stale 带 seq 的事件不晚于已应用的 seq 时丢弃，seq 为 0 总是应用
func stale(seq, last int64) bool {
	return seq > 0 && seq <= last
}

func (c *Client) handleServerError(env *proto.Envelope) error {
	var p proto.ErrorPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	c.logger.Debug("Gateway error", "code", p.Code, "message", p.Message)
	if c.isTornDown() {
		return nil
	}
	c.bus.Publish(ServerErrorEvent{Code: p.Code, Message: p.Message})
	return nil
}

func (c *Client) isTornDown() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
