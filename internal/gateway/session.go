package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/quic-go/webtransport-go"

	"sudooom.collab/internal/protocol"
	apperrors "sudooom.collab/pkg/errors"
	"sudooom.collab/pkg/proto"
)

const sessionWriteBuffer = 256

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSlowConsumer  = errors.New("session write queue full")
)

// Identity 从 token 中解析出的用户身份
type Identity struct {
	UserID   string
	UserName string
}

// frameWriter 把编码好的信封写到底层连接
type frameWriter interface {
	WriteEnvelope(data []byte) error
	Close() error
}

// Session 表示一个已认证的客户端连接
// 写操作经由 writeLoop 串行化；joined 和 member 只在所属 Hub 的锁内访问
type Session struct {
	id        string
	identity  Identity
	projectID string
	transport string
	writer    frameWriter
	logger    *slog.Logger

	writeChan chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
	writeDone chan struct{}

	lastActive atomic.Int64
	createTime time.Time

	joined bool
	member proto.ActiveUser
}

func newSession(identity Identity, projectID, transport string, writer frameWriter, logger *slog.Logger) *Session {
	s := &Session{
		id:         uuid.NewString(),
		identity:   identity,
		projectID:  projectID,
		transport:  transport,
		writer:     writer,
		writeChan:  make(chan []byte, sessionWriteBuffer),
		closeChan:  make(chan struct{}),
		writeDone:  make(chan struct{}),
		createTime: time.Now(),
	}
	s.logger = logger.With("session_id", s.id, "user_id", identity.UserID, "project_id", projectID)
	s.Touch()
	go s.writeLoop()
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) UserID() string {
	return s.identity.UserID
}

func (s *Session) UserName() string {
	return s.identity.UserName
}

func (s *Session) ProjectID() string {
	return s.projectID
}

func (s *Session) Transport() string {
	return s.transport
}

// Touch 更新最后活跃时间
func (s *Session) Touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *Session) LastActiveTime() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) CreateTime() time.Time {
	return s.createTime
}

// Send 编码并放入写队列
func (s *Session) Send(env *proto.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return s.enqueue(data)
}

// SendError 把错误以 error 事件返回给客户端
func (s *Session) SendError(err error) error {
	env, mErr := proto.NewEnvelope(proto.EventError, s.projectID, proto.ErrorPayload{
		Code:    apperrors.GetCode(err),
		Message: apperrors.GetMessage(err),
	})
	if mErr != nil {
		return mErr
	}
	return s.Send(env)
}

// enqueue 不阻塞；队列满说明客户端跟不上，直接关闭会话
func (s *Session) enqueue(data []byte) error {
	select {
	case <-s.closeChan:
		return ErrSessionClosed
	default:
	}

	select {
	case s.writeChan <- data:
		return nil
	case <-s.closeChan:
		return ErrSessionClosed
	default:
		s.logger.Warn("Session write queue full, closing")
		s.Close()
		return ErrSlowConsumer
	}
}

func (s *Session) writeLoop() {
	defer close(s.writeDone)
	defer s.writer.Close()

	for {
		select {
		case data := <-s.writeChan:
			if err := s.writer.WriteEnvelope(data); err != nil {
				s.logger.Debug("Failed to write to session", "error", err)
				s.Close()
				return
			}
		case <-s.closeChan:
			s.flush()
			return
		}
	}
}

// flush 关闭前尽量写出已排队的消息
func (s *Session) flush() {
	for {
		select {
		case data := <-s.writeChan:
			if err := s.writer.WriteEnvelope(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Close 关闭会话，底层连接在 writeLoop 退出时关闭
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closeChan)
	})
}

// Done 底层连接关闭后返回
func (s *Session) Done() <-chan struct{} {
	return s.writeDone
}

// ============== 传输适配 ==============

type wsWriter struct {
	conn      *websocket.Conn
	writeWait time.Duration
}

func (w *wsWriter) WriteEnvelope(data []byte) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsWriter) Close() error {
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(w.writeWait))
	return w.conn.Close()
}

// wtWriter 所有帧写在认证时使用的同一个双向流上
type wtWriter struct {
	session *webtransport.Session
	stream  *webtransport.Stream
	mu      sync.Mutex
}

func (w *wtWriter) WriteEnvelope(data []byte) error {
	return w.writeFrame(protocol.FrameTypeEvent, data)
}

func (w *wtWriter) writeFrame(frameType byte, body []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return protocol.WriteFrame(w.stream, frameType, body)
}

func (w *wtWriter) Close() error {
	w.stream.Close()
	return w.session.CloseWithError(0, "session closed")
}
