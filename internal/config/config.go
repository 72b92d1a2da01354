package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Server       ServerConfig       `mapstructure:"server"`
	WebTransport WebTransportConfig `mapstructure:"webtransport"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Collab       CollabConfig       `mapstructure:"collab"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Database     DatabaseConfig     `mapstructure:"database"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Mode     string `mapstructure:"mode"` // gin 模式: debug / release / test
	LogLevel string `mapstructure:"log_level"`
}

type ServerConfig struct {
	Addr                   string        `mapstructure:"addr"`
	NodeID                 string        `mapstructure:"node_id"`
	MaxConnections         int           `mapstructure:"max_connections"`
	HeartbeatTimeout       time.Duration `mapstructure:"heartbeat_timeout"`
	HeartbeatCheckInterval time.Duration `mapstructure:"heartbeat_check_interval"`
	Workers                int           `mapstructure:"workers"`
	QueueSize              int           `mapstructure:"queue_size"`
}

type WebTransportConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	MaxIdleTimeout  time.Duration `mapstructure:"max_idle_timeout"`
	KeepAlivePeriod time.Duration `mapstructure:"keep_alive_period"`
	CertFile        string        `mapstructure:"cert_file"`
	KeyFile         string        `mapstructure:"key_file"`
}

type AuthConfig struct {
	TokenSecret string        `mapstructure:"token_secret"`
	TokenExpire time.Duration `mapstructure:"token_expire"`
}

// CollabConfig 协作客户端与网关共享的节奏参数
type CollabConfig struct {
	CursorInterval time.Duration `mapstructure:"cursor_interval"`
	TypingTTL      time.Duration `mapstructure:"typing_ttl"`
	PresenceTTL    time.Duration `mapstructure:"presence_ttl"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type DatabaseConfig struct {
	DSN           string        `mapstructure:"dsn"`
	MaxConns      int           `mapstructure:"max_conns"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Load 从指定路径加载配置
// configPath 为空时只使用默认值和 COLLAB_ 前缀的环境变量
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.Server.NodeID == "" {
		cfg.Server.NodeID = DefaultNodeID()
	}

	return &cfg, nil
}

// DefaultNodeID 主机名加随机后缀，每个进程不同
// NATS 桥按 node id 过滤本节点发出的事件，多个节点不能共用同一个值
func DefaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "gateway"
	}
	return host + "-" + uuid.NewString()[:8]
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "collab-gateway")
	v.SetDefault("app.mode", "release")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("server.addr", ":8090")
	v.SetDefault("server.node_id", "")
	v.SetDefault("server.max_connections", 10000)
	v.SetDefault("server.heartbeat_timeout", 90*time.Second)
	v.SetDefault("server.heartbeat_check_interval", 30*time.Second)
	v.SetDefault("server.workers", 32)
	v.SetDefault("server.queue_size", 4096)

	v.SetDefault("webtransport.enabled", false)
	v.SetDefault("webtransport.addr", ":8443")
	v.SetDefault("webtransport.max_idle_timeout", 90*time.Second)
	v.SetDefault("webtransport.keep_alive_period", 30*time.Second)
	v.SetDefault("webtransport.cert_file", "")
	v.SetDefault("webtransport.key_file", "")

	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.token_expire", 24*time.Hour)

	v.SetDefault("collab.cursor_interval", 75*time.Millisecond)
	v.SetDefault("collab.typing_ttl", 5*time.Second)
	v.SetDefault("collab.presence_ttl", 2*time.Minute)

	// 为空表示单节点部署，不启用对应组件
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.batch_size", 100)
	v.SetDefault("database.flush_interval", 5*time.Second)
}

// ParseLogLevel 将配置中的日志级别转为 slog.Level，未知值按 info 处理
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
