package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
  node_id: gw-test
collab:
  cursor_interval: 50ms
  typing_ttl: 3s
redis:
  addr: localhost:6380
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "gw-test", cfg.Server.NodeID)
	assert.Equal(t, 50*time.Millisecond, cfg.Collab.CursorInterval)
	assert.Equal(t, 3*time.Second, cfg.Collab.TypingTTL)
	assert.Equal(t, "localhost:6380", cfg.Redis.Addr)

	// 未配置的字段使用默认值
	assert.Equal(t, 90*time.Second, cfg.Server.HeartbeatTimeout)
	assert.Equal(t, 100, cfg.Database.BatchSize)
	assert.Empty(t, cfg.NATS.URL)
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.Server.Addr)
	assert.Equal(t, 75*time.Millisecond, cfg.Collab.CursorInterval)
	assert.Equal(t, 5*time.Second, cfg.Collab.TypingTTL)
	assert.False(t, cfg.WebTransport.Enabled)
}

// TestLoad_DefaultNodeIDUnique 两个使用默认配置的节点拿到不同的 node id
func TestLoad_DefaultNodeIDUnique(t *testing.T) {
	first, err := Load("")
	require.NoError(t, err)
	second, err := Load("")
	require.NoError(t, err)

	assert.NotEmpty(t, first.Server.NodeID)
	assert.NotEqual(t, first.Server.NodeID, second.Server.NodeID)

	if host, err := os.Hostname(); err == nil && host != "" {
		assert.True(t, strings.HasPrefix(first.Server.NodeID, host+"-"), first.Server.NodeID)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("COLLAB_SERVER_NODE_ID", "from-env")
	t.Setenv("COLLAB_AUTH_TOKEN_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Server.NodeID)
	assert.Equal(t, "s3cret", cfg.Auth.TokenSecret)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLogLevel(in), "level %q", in)
	}
}
