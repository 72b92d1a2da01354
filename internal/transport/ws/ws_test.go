package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.collab/pkg/proto"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// echoServer 记录收到的消息，并把每条消息原样返回
func echoServer(t *testing.T, received chan<- *proto.Envelope) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := proto.Unmarshal(data)
			if err != nil {
				continue
			}
			env.ProjectID = r.URL.Query().Get("project_id")
			received <- env
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}))
}

func TestDialer_SendAndRecv(t *testing.T) {
	received := make(chan *proto.Envelope, 8)
	srv := echoServer(t, received)
	defer srv.Close()

	d := NewDialer(Config{URL: wsURL(srv), Token: "secret"}, testLogger())
	conn, err := d.DialConn(context.Background(), "p1")
	require.NoError(t, err)
	defer conn.Close()

	env, err := proto.NewEnvelope(proto.EventLockSection, "p1", proto.SectionRef{SectionID: "s1"})
	require.NoError(t, err)
	require.NoError(t, conn.Send(context.Background(), env))

	select {
	case got := <-received:
		assert.Equal(t, proto.EventLockSection, got.Event)
		assert.Equal(t, "p1", got.ProjectID, "project_id must be sent as query parameter")
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive message")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	echo, err := conn.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, proto.EventLockSection, echo.Event)
}

// TestConn_CloseFlushesQueue 关闭前入队的事件会被写出
func TestConn_CloseFlushesQueue(t *testing.T) {
	received := make(chan *proto.Envelope, 8)
	srv := echoServer(t, received)
	defer srv.Close()

	conn, err := NewDialer(Config{URL: wsURL(srv), Token: "secret"}, testLogger()).DialConn(context.Background(), "p1")
	require.NoError(t, err)

	leave, _ := proto.NewEnvelope(proto.EventLeaveProject, "p1", proto.LeaveProject{ProjectID: "p1"})
	require.NoError(t, conn.Send(context.Background(), leave))
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	select {
	case got := <-received:
		assert.Equal(t, proto.EventLeaveProject, got.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("queued leave_project was not flushed")
	}

	assert.ErrorIs(t, conn.Send(context.Background(), leave), ErrConnClosed)
	_, err = conn.Recv(context.Background())
	assert.Error(t, err)
}

func TestDialer_Unauthorized(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := NewDialer(Config{URL: wsURL(srv), Token: "wrong", MaxRetries: 5, InitialInterval: time.Millisecond}, testLogger())
	_, err := d.Dial(context.Background(), "p1")

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.Equal(t, int32(1), attempts.Load(), "auth failures must not be retried")
}

// TestDialer_RetriesWithBackoff 网关暂时不可用时重试
func TestDialer_RetriesWithBackoff(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	d := NewDialer(Config{
		URL:             wsURL(srv),
		MaxRetries:      5,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
	}, testLogger())

	conn, err := d.DialConn(context.Background(), "p1")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, int32(3), attempts.Load())
}

func TestDialer_GivesUpAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewDialer(Config{URL: wsURL(srv), MaxRetries: 2, InitialInterval: time.Millisecond}, testLogger())
	_, err := d.Dial(context.Background(), "p1")

	require.Error(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestConn_RecvAfterServerClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		env, _ := proto.NewEnvelope(proto.EventAllLocks, "p1", proto.LockTable{})
		data, _ := env.Marshal()
		_ = conn.WriteMessage(websocket.TextMessage, data)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
		conn.Close()
	}))
	defer srv.Close()

	conn, err := NewDialer(Config{URL: wsURL(srv)}, testLogger()).DialConn(context.Background(), "p1")
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	env, err := conn.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, proto.EventAllLocks, env.Event)

	_, err = conn.Recv(ctx)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}
