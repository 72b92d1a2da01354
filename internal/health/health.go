package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Status 健康状态
type Status struct {
	Service  string `json:"service"`
	NodeID   string `json:"node_id"`
	Store    string `json:"store"`
	NATS     string `json:"nats"`
	Sessions int    `json:"sessions"`
}

// Pinger 共享状态存储
type Pinger interface {
	Ping(ctx context.Context) error
}

// NATSConn NATS 连接状态
type NATSConn interface {
	IsConnected() bool
}

// SessionCounter 会话计数器接口
type SessionCounter interface {
	Count() int
}

// Checker 健康检查器
type Checker struct {
	nodeID   string
	store    Pinger
	nats     NATSConn
	sessions SessionCounter
}

// NewChecker 创建健康检查器，nats 为 nil 表示单节点部署
func NewChecker(nodeID string, store Pinger, nats NATSConn, sessions SessionCounter) *Checker {
	return &Checker{
		nodeID:   nodeID,
		store:    store,
		nats:     nats,
		sessions: sessions,
	}
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Service: "collab-gateway",
		NodeID:  h.nodeID,
	}

	// 检查状态存储
	if h.store != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		if err := h.store.Ping(pingCtx); err == nil {
			status.Store = "connected"
		} else {
			status.Store = "disconnected"
		}
	} else {
		status.Store = "not configured"
	}

	// 检查 NATS
	switch {
	case h.nats == nil:
		status.NATS = "not configured"
	case h.nats.IsConnected():
		status.NATS = "connected"
	default:
		status.NATS = "disconnected"
	}

	if h.sessions != nil {
		status.Sessions = h.sessions.Count()
	}

	return status
}

// IsHealthy 存储可用且（如已配置）NATS 已连接
func (h *Checker) IsHealthy(ctx context.Context) bool {
	return healthy(h.Check(ctx))
}

func healthy(status *Status) bool {
	return status.Store != "disconnected" && status.NATS != "disconnected"
}

// ServeHTTP HTTP 健康检查端点
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if healthy(status) {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
