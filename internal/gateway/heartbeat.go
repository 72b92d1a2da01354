package gateway

import (
	"context"
	"log/slog"
	"time"
)

// HeartbeatChecker 心跳超时检测器
// 每轮检测同时续期本节点会话在存储中的存活时间，并回收失联节点留下的会话
type HeartbeatChecker struct {
	manager       *Manager
	registry      *Registry
	timeout       time.Duration
	checkInterval time.Duration
	staleAfter    time.Duration
	logger        *slog.Logger
}

// NewHeartbeatChecker 创建心跳检测器
// 其他节点的会话超过 staleAfter 未续期即视为所在节点已失联，至少为三个检测周期
func NewHeartbeatChecker(manager *Manager, registry *Registry, timeout, checkInterval time.Duration, logger *slog.Logger) *HeartbeatChecker {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}

	return &HeartbeatChecker{
		manager:       manager,
		registry:      registry,
		timeout:       timeout,
		checkInterval: checkInterval,
		staleAfter:    max(timeout, 3*checkInterval),
		logger:        logger,
	}
}

// Start 按 checkInterval 巡检，阻塞直到 ctx 取消
func (h *HeartbeatChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	h.logger.Info("Heartbeat checker started",
		"timeout", h.timeout,
		"check_interval", h.checkInterval,
		"stale_after", h.staleAfter)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Heartbeat checker stopped")
			return
		case <-ticker.C:
			if closed := h.checkSessions(); closed > 0 {
				h.logger.Info("Idle sessions closed", "closed", closed, "remaining", h.manager.Count())
			}
			h.registry.Refresh(ctx, time.Now().Add(-h.staleAfter))
		}
	}
}

// checkSessions 关闭空闲超时的会话并返回数量
// 成员与锁的清理由会话读循环退出后的 disconnect 完成
func (h *HeartbeatChecker) checkSessions() int {
	deadline := time.Now().Add(-h.timeout)
	closed := 0
	for _, s := range h.manager.All() {
		if !s.LastActiveTime().Before(deadline) {
			continue
		}
		h.logger.Debug("Session idle timeout",
			"session_id", s.ID(),
			"project_id", s.ProjectID(),
			"idle", time.Since(s.LastActiveTime()).Round(time.Millisecond))
		s.Close()
		closed++
	}
	return closed
}
