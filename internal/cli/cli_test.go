package cli

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.collab/internal/auth"
	"sudooom.collab/internal/collab"
	"sudooom.collab/internal/config"
	"sudooom.collab/internal/gateway"
	"sudooom.collab/internal/state"
	"sudooom.collab/internal/transport/ws"
	"sudooom.collab/pkg/proto"
)

const testSecret = "collabctl-test-secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// run 执行命令并返回 stdout / stderr
func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("COLLAB_AUTH_TOKEN_SECRET", testSecret)

	stdout, stderr, err := run(t, "token", "--user", "u1", "--name", "Alice")
	require.NoError(t, err)
	assert.Contains(t, stderr, "expires at")

	claims, err := auth.NewService(testSecret, time.Hour).Parse(strings.TrimSpace(stdout))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "Alice", claims.UserName)
}

func TestTokenCommand_Errors(t *testing.T) {
	t.Run("missing user", func(t *testing.T) {
		t.Setenv("COLLAB_AUTH_TOKEN_SECRET", testSecret)
		_, _, err := run(t, "token")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--user")
	})

	t.Run("no secret", func(t *testing.T) {
		t.Setenv("COLLAB_AUTH_TOKEN_SECRET", "")
		_, _, err := run(t, "token", "--user", "u1")
		assert.True(t, errors.Is(err, errNoSecret), "got %v", err)
	})
}

func TestWatchCommand_RequiresProject(t *testing.T) {
	_, _, err := run(t, "watch", "--token", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--project")
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name  string
		event collab.Event
		want  string
	}{
		{"connected", collab.ConnectionChangedEvent{State: collab.StateConnected}, "connection"},
		{"presence", collab.PresenceChangedEvent{Presence: proto.PresenceSnapshot{
			"s2": {UserID: "u2", Name: "Bob", Status: proto.StatusAway},
			"s1": {UserID: "u1", Name: "Alice", Status: proto.StatusOnline},
		}}, "2 online: Alice[online], Bob[away]"},
		{"cursor", collab.CursorMovedEvent{Position: proto.CursorPosition{
			Name: "Bob", Cursor: proto.Cursor{SectionID: "s1", Field: "title"},
		}}, "Bob -> s1/title"},
		{"locked", collab.LockChangedEvent{SectionID: "s1", Lock: &proto.SectionLock{SectionID: "s1", UserName: "Bob"}}, "s1 held by Bob"},
		{"unlocked", collab.LockChangedEvent{SectionID: "s1"}, "s1 released"},
		{"typing", collab.TypingChangedEvent{Indicator: proto.TypingIndicator{UserName: "Bob", SectionID: "s1"}, Typing: true}, "Bob in s1"},
		{"typing expired", collab.TypingChangedEvent{Indicator: proto.TypingIndicator{UserName: "Bob", SectionID: "s1"}, Expired: true}, "expired"},
		{"content", collab.ContentUpdatedEvent{Change: proto.ContentChange{SectionID: "s1", UserName: "Bob", Content: "abcd"}}, "s1 by Bob (4 bytes)"},
		{"error", collab.ServerErrorEvent{Code: 20001, Message: "section locked"}, "[20001] section locked"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, describe(tt.event), tt.want)
		})
	}
}

// ============== 端到端：lock 命令 ==============

type testGateway struct {
	url  string
	auth *auth.Service
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	cfg := &config.Config{
		App: config.AppConfig{Name: "collabctl-test", Mode: "test"},
		Server: config.ServerConfig{
			NodeID:                 "gw-cli",
			MaxConnections:         100,
			HeartbeatTimeout:       time.Minute,
			HeartbeatCheckInterval: time.Minute,
			Workers:                2,
			QueueSize:              64,
		},
		Auth: config.AuthConfig{TokenSecret: testSecret, TokenExpire: time.Hour},
	}
	authService := auth.NewService(testSecret, time.Hour)
	srv := gateway.New(cfg, gateway.Deps{Store: state.NewMemoryStore(), Auth: authService}, testLogger())
	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		httpServer.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return &testGateway{
		url:  "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws",
		auth: authService,
	}
}

func (g *testGateway) token(t *testing.T, userID, name string) string {
	t.Helper()
	token, _, err := g.auth.Generate(userID, name)
	require.NoError(t, err)
	return token
}

func TestLockCommand_AcquiresAndReleases(t *testing.T) {
	g := newTestGateway(t)

	stdout, _, err := run(t, "lock", "s1",
		"--gateway", g.url,
		"--project", "p1",
		"--user", "u1",
		"--token", g.token(t, "u1", "Alice"),
		"--hold", "20ms",
	)
	require.NoError(t, err)
	assert.Contains(t, stdout, "locked s1")
	assert.Contains(t, stdout, "released s1")
}

func TestLockCommand_ReportsHolder(t *testing.T) {
	g := newTestGateway(t)

	holder := collab.New(collab.Config{ProjectID: "p1", UserID: "u2", UserName: "Bob"},
		ws.NewDialer(ws.Config{URL: g.url, Token: g.token(t, "u2", "Bob")}, testLogger()), testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, holder.Connect(ctx))
	defer holder.Close()

	holder.LockSection("s1")
	require.Eventually(t, func() bool {
		_, ok := holder.Locks()["s1"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	_, _, err := run(t, "lock", "s1",
		"--gateway", g.url,
		"--project", "p1",
		"--user", "u1",
		"--token", g.token(t, "u1", "Alice"),
		"--hold", "20ms",
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked by Bob")
}
