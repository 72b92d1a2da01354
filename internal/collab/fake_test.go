package collab

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sudooom.collab/pkg/proto"
)

const testProject = "p1"

// fakeTransport 内存通道，记录出站事件，入站事件由测试推送
type fakeTransport struct {
	mu      sync.Mutex
	sent    []*proto.Envelope
	sendErr error

	inbound   chan *proto.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan *proto.Envelope, 64),
		done:    make(chan struct{}),
	}
}

func (f *fakeTransport) Send(_ context.Context, env *proto.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Recv(ctx context.Context) (*proto.Envelope, error) {
	select {
	case env := <-f.inbound:
		return env, nil
	case <-f.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

// push 模拟网关下发事件
func (f *fakeTransport) push(t *testing.T, event string, seq int64, data any) {
	t.Helper()
	env, err := proto.NewEnvelope(event, testProject, data)
	require.NoError(t, err)
	env.Seq = seq
	f.inbound <- env
}

// sentEvents 返回指定名称的出站事件
func (f *fakeTransport) sentEvents(event string) []*proto.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*proto.Envelope
	for _, env := range f.sent {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeDialer struct {
	transport *fakeTransport
	err       error
	dials     int
	mu        sync.Mutex
}

func (d *fakeDialer) Dial(_ context.Context, projectID string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	if projectID != testProject {
		return nil, errors.New("unexpected project " + projectID)
	}
	return d.transport, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testConfig(userID string) Config {
	return Config{
		ProjectID:      testProject,
		UserID:         userID,
		UserName:       "name-" + userID,
		CursorInterval: MinCursorInterval,
		TypingTTL:      100 * time.Millisecond,
	}
}

// newConnectedClient 返回已连接的客户端，测试结束时自动关闭
func newConnectedClient(t *testing.T, userID string) (*Client, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	c := New(testConfig(userID), &fakeDialer{transport: ft}, testLogger())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c, ft
}

// waitApplied 推送一个标记事件并等待读协程处理完成，之前推送的事件都已应用
func waitApplied(t *testing.T, c *Client, ft *fakeTransport) {
	t.Helper()
	marker := make(chan struct{}, 1)
	id := c.Subscribe(EventServerError, func(e Event) {
		if e.(ServerErrorEvent).Code == -1 {
			marker <- struct{}{}
		}
	})
	defer c.Unsubscribe(id)

	ft.push(t, proto.EventError, 0, proto.ErrorPayload{Code: -1, Message: "marker"})
	select {
	case <-marker:
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not process marker event")
	}
}

func decode[T any](t *testing.T, env *proto.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, env.Decode(&v))
	return v
}
