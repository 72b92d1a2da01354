package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/quic-go/webtransport-go"

	"sudooom.collab/internal/audit"
	"sudooom.collab/internal/auth"
	"sudooom.collab/internal/config"
	"sudooom.collab/internal/health"
	collabnats "sudooom.collab/internal/nats"
	"sudooom.collab/internal/state"
	"sudooom.collab/internal/workerpool"
	apperrors "sudooom.collab/pkg/errors"
	"sudooom.collab/pkg/proto"
)

const (
	handleTimeout = 5 * time.Second
	authTimeout   = 10 * time.Second
	writeWait     = 10 * time.Second
)

// Bridge 跨节点广播，由 internal/nats.Bridge 实现
type Bridge interface {
	Relay
	Subscribe(handler func(*collabnats.ProjectEvent)) error
}

// Deps 网关依赖
type Deps struct {
	Store state.Store
	Auth  *auth.Service
	// 以下可选：Bridge 为 nil 表示单节点部署
	Bridge Bridge
	NATS   health.NATSConn
	Audit  audit.Recorder
}

type Server struct {
	cfg      *config.Config
	deps     Deps
	logger   *slog.Logger
	manager  *Manager
	registry *Registry
	pool     *workerpool.Pool
	health   *health.Checker
	upgrader websocket.Upgrader
	engine   *gin.Engine

	httpServer *http.Server
	wtServer   *webtransport.Server
	heartbeat  *HeartbeatChecker

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}

	var relay Relay
	if deps.Bridge != nil {
		relay = deps.Bridge
	}

	ctx, cancel := context.WithCancel(context.Background())
	manager := NewManager()
	registry := NewRegistry(deps.Store, relay, deps.Audit, logger)

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		manager:  manager,
		registry: registry,
		pool:     workerpool.New(cfg.Server.Workers, cfg.Server.QueueSize, logger),
		health:   health.NewChecker(cfg.Server.NodeID, deps.Store, deps.NATS, manager),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		heartbeat: NewHeartbeatChecker(manager, registry,
			cfg.Server.HeartbeatTimeout, cfg.Server.HeartbeatCheckInterval, logger),
		ctx:    ctx,
		cancel: cancel,
	}
	s.engine = s.setupRouter()
	return s
}

// Handler 返回 HTTP 路由（WebSocket 升级、健康检查和查询接口）
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Manager 返回会话管理器
func (s *Server) Manager() *Manager {
	return s.manager
}

// Start 启动 HTTP 服务、WebTransport 监听（如启用）和心跳检测，阻塞直到关闭
func (s *Server) Start(ctx context.Context) error {
	if s.deps.Bridge != nil {
		if err := s.deps.Bridge.Subscribe(s.registry.Deliver); err != nil {
			return err
		}
	}

	// 心跳检测在调用方取消或 Shutdown 时停止
	hbCtx, hbCancel := context.WithCancel(ctx)
	context.AfterFunc(s.ctx, hbCancel)
	go s.heartbeat.Start(hbCtx)

	if s.cfg.WebTransport.Enabled {
		if err := s.setupWebTransport(); err != nil {
			return err
		}
		go func() {
			s.logger.Info("WebTransport server starting", "addr", s.cfg.WebTransport.Addr)
			if err := s.wtServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("WebTransport server failed", "error", err)
			}
		}()
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.engine,
	}
	s.logger.Info("Gateway server starting",
		"addr", s.cfg.Server.Addr,
		"node_id", s.cfg.Server.NodeID)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 停止接入，关闭所有会话并等待清理完成
func (s *Server) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.logger.Warn("HTTP server shutdown", "error", err)
			}
		}
		if s.wtServer != nil {
			s.wtServer.Close()
		}

		for _, sess := range s.manager.All() {
			sess.Close()
		}
		s.wg.Wait()

		s.pool.Shutdown()
		s.cancel()
		s.logger.Info("Gateway server stopped")
	})
}

// accepting 关闭过程中拒绝新会话
func (s *Server) accepting() error {
	if s.ctx.Err() != nil {
		return apperrors.ErrUnavailable
	}
	if limit := s.cfg.Server.MaxConnections; limit > 0 && s.manager.Count() >= limit {
		return apperrors.ErrUnavailable
	}
	return nil
}

// register 登记新会话，对应的 disconnect 在读循环退出时调用
func (s *Server) register(sess *Session) {
	s.manager.Add(sess)
	s.wg.Add(1)
	sess.logger.Info("Session opened", "transport", sess.Transport())
}

// dispatch 上行事件按 session id 分片执行，同一会话内保持顺序
// 光标和输入开始只需要最新状态，分片队列已满时直接丢弃，不阻塞读循环
func (s *Server) dispatch(sess *Session, env *proto.Envelope) {
	sess.Touch()
	handle := func() {
		ctx, cancel := context.WithTimeout(s.ctx, handleTimeout)
		defer cancel()

		if err := s.registry.Handle(ctx, sess, env); err != nil {
			s.replyError(sess, env, err)
		}
	}

	if droppable(env.Event) {
		if !s.pool.TrySubmit(sess.ID(), handle) {
			sess.logger.Debug("Event dropped, queue full", "event", env.Event, "pending", s.pool.Pending())
		}
		return
	}
	if !s.pool.Submit(sess.ID(), handle) {
		sess.logger.Debug("Event dropped during shutdown", "event", env.Event)
	}
}

// droppable 不分配序号、后一条覆盖前一条的事件
func droppable(event string) bool {
	switch event {
	case proto.EventCursorMove, proto.EventTypingStart:
		return true
	default:
		return false
	}
}

func (s *Server) replyError(sess *Session, env *proto.Envelope, err error) {
	if apperrors.GetCode(err) >= apperrors.CodeServerError {
		sess.logger.Error("Failed to handle event", "event", env.Event, "error", err)
	} else {
		sess.logger.Debug("Event rejected", "event", env.Event, "error", err)
	}
	if err := sess.SendError(err); err != nil {
		sess.logger.Debug("Failed to send error event", "error", err)
	}
}

// disconnect 读循环退出后调用：排在该会话已提交的事件之后清理在线状态和锁
func (s *Server) disconnect(sess *Session) {
	defer s.wg.Done()
	sess.Close()

	done := make(chan struct{})
	leave := func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
		defer cancel()
		s.registry.Leave(ctx, sess)
	}
	if !s.pool.Submit(sess.ID(), leave) {
		leave()
	}
	<-done

	s.manager.Remove(sess.ID())
	sess.logger.Info("Session closed",
		"transport", sess.Transport(),
		"duration", time.Since(sess.CreateTime()))
}

// ============== WebSocket ==============

func (s *Server) handleWebSocket(c *gin.Context) {
	projectID := c.Query("project_id")
	if projectID == "" {
		abortWith(c, apperrors.ErrProjectMissing)
		return
	}
	if err := s.accepting(); err != nil {
		abortWith(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	sess := newSession(identityFrom(c), projectID, "websocket", &wsWriter{conn: conn, writeWait: writeWait}, s.logger)
	s.register(sess)
	go s.serveWebSocket(sess, conn)
}

func (s *Server) serveWebSocket(sess *Session, conn *websocket.Conn) {
	defer s.disconnect(sess)

	conn.SetReadLimit(maxMessageSize)
	conn.SetPingHandler(func(appData string) error {
		sess.Touch()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.logger.Debug("WebSocket read error", "error", err)
			}
			return
		}

		sess.Touch()
		env, err := proto.Unmarshal(data)
		if err != nil {
			sess.logger.Warn("Malformed envelope ignored", "error", err)
			continue
		}
		s.dispatch(sess, env)
	}
}
