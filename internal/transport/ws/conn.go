package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sudooom.collab/pkg/proto"
)

const maxMessageSize = 1 << 20

var ErrConnClosed = errors.New("websocket connection closed")

// Conn 客户端 WebSocket 连接
// 所有写操作经由 writePump 串行化，读操作由 readPump 解码后交给 Recv
type Conn struct {
	ws     *websocket.Conn
	cfg    Config
	logger *slog.Logger

	send     chan []byte
	incoming chan *proto.Envelope

	closing   chan struct{}
	closeOnce sync.Once
	writeDone chan struct{}
	readDone  chan struct{}
	readErr   error
}

func newConn(ws *websocket.Conn, cfg Config, logger *slog.Logger) *Conn {
	c := &Conn{
		ws:        ws,
		cfg:       cfg,
		logger:    logger,
		send:      make(chan []byte, cfg.SendBuffer),
		incoming:  make(chan *proto.Envelope, 64),
		closing:   make(chan struct{}),
		writeDone: make(chan struct{}),
		readDone:  make(chan struct{}),
	}

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	go c.readPump()
	go c.writePump()
	return c
}

// Send 把事件放入写队列
func (c *Conn) Send(ctx context.Context, env *proto.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}

	select {
	case <-c.closing:
		return ErrConnClosed
	case <-c.writeDone:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.closing:
		return ErrConnClosed
	case <-c.writeDone:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv 读取下一个事件，连接断开时返回读错误
func (c *Conn) Recv(ctx context.Context) (*proto.Envelope, error) {
	select {
	case env := <-c.incoming:
		return env, nil
	case <-c.readDone:
		select {
		case env := <-c.incoming:
			return env, nil
		default:
		}
		return nil, c.readErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close 发送队列中剩余的事件后关闭连接，可重复调用
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
	<-c.writeDone
	return nil
}

func (c *Conn) readPump() {
	defer close(c.readDone)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}

		env, err := proto.Unmarshal(data)
		if err != nil {
			c.logger.Warn("Invalid envelope dropped", "error", err)
			continue
		}

		select {
		case c.incoming <- env:
		case <-c.closing:
			c.readErr = ErrConnClosed
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.writeDone)
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.logger.Debug("Write failed", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Ping failed", "error", err)
				return
			}

		case <-c.closing:
			c.drain()
			_ = c.write(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain 写出关闭前已入队的事件，例如 leave_project
func (c *Conn) drain() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.ws.WriteMessage(messageType, data)
}
