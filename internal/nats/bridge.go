package nats

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"sudooom.collab/pkg/proto"
)

var errInvalidSubject = errors.New("project id cannot contain subject tokens")

// ProjectEvent 跨网关节点转发的项目事件
type ProjectEvent struct {
	Origin    string          `json:"origin"`     // 发出事件的网关节点
	ProjectID string          `json:"project_id"`
	Exclude   string          `json:"exclude,omitempty"`
	Envelope  *proto.Envelope `json:"envelope"`
}

// Bridge 把本节点的项目广播发布给其他节点，并接收其他节点的广播
// 本节点发出的事件在接收时被忽略
type Bridge struct {
	nc     *nats.Conn
	nodeID string
	sub    *nats.Subscription
	logger *slog.Logger
}

// NewBridge 创建桥接器
func NewBridge(client *Client, nodeID string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{nc: client.Conn(), nodeID: nodeID, logger: logger}
}

// Publish 发布项目事件，exclude 为发起者的 session id
func (b *Bridge) Publish(projectID, exclude string, env *proto.Envelope) error {
	if strings.ContainsAny(projectID, ".*> ") {
		return errInvalidSubject
	}
	data, err := json.Marshal(ProjectEvent{
		Origin:    b.nodeID,
		ProjectID: projectID,
		Exclude:   exclude,
		Envelope:  env,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal project event: %w", err)
	}
	return b.nc.Publish(BuildProjectEventsSubject(projectID), data)
}

// Subscribe 订阅其他节点的项目事件
// handler 在 NATS 的订阅协程中按到达顺序调用
func (b *Bridge) Subscribe(handler func(*ProjectEvent)) error {
	sub, err := b.nc.Subscribe(SubjectAllProjectEvents, func(msg *nats.Msg) {
		var ev ProjectEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Warn("Invalid project event", "subject", msg.Subject, "error", err)
			return
		}
		if ev.Origin == b.nodeID || ev.Envelope == nil {
			return
		}
		handler(&ev)
	})
	if err != nil {
		return err
	}
	b.sub = sub
	b.logger.Info("Subscribed to project events", "subject", SubjectAllProjectEvents, "node_id", b.nodeID)
	return nil
}

// Close 取消订阅
func (b *Bridge) Close() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Unsubscribe()
}
