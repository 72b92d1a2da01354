package collab

import (
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"

	"sudooom.collab/pkg/proto"
)

// 事件类型
const (
	EventConnectionChanged = "connection_changed"
	EventPresenceChanged   = "presence_changed"
	EventCursorMoved       = "cursor_moved"
	EventLockChanged       = "lock_changed"
	EventTypingChanged     = "typing_changed"
	EventContentUpdated    = "content_updated"
	EventServerError       = "server_error"

	allEvents = "*"
)

// Event 客户端向订阅者发布的事件
type Event interface {
	EventType() string
}

// ConnectionChangedEvent 连接状态变化
type ConnectionChangedEvent struct {
	State State
	Err   error // 连接失败或传输层断开的原因
}

func (ConnectionChangedEvent) EventType() string { return EventConnectionChanged }

// PresenceChangedEvent 在线用户表被整体替换
type PresenceChangedEvent struct {
	Presence proto.PresenceSnapshot
}

func (PresenceChangedEvent) EventType() string { return EventPresenceChanged }

// CursorMovedEvent 其他用户的光标位置
type CursorMovedEvent struct {
	Position proto.CursorPosition
}

func (CursorMovedEvent) EventType() string { return EventCursorMoved }

// LockChangedEvent 锁表变化
// Snapshot 为 true 表示 all_locks 全量替换，此时 SectionID 为空；
// 否则 Lock 为 nil 表示该章节已解锁
type LockChangedEvent struct {
	SectionID string
	Lock      *proto.SectionLock
	Snapshot  bool
}

func (LockChangedEvent) EventType() string { return EventLockChanged }

// TypingChangedEvent 正在输入状态变化
type TypingChangedEvent struct {
	Indicator proto.TypingIndicator
	Typing    bool
	Expired   bool // 超过 TTL 未收到刷新而被本地清除
}

func (TypingChangedEvent) EventType() string { return EventTypingChanged }

// ContentUpdatedEvent 其他用户的章节内容快照
type ContentUpdatedEvent struct {
	Change proto.ContentChange
}

func (ContentUpdatedEvent) EventType() string { return EventContentUpdated }

// ServerErrorEvent 网关返回的 error 事件
type ServerErrorEvent struct {
	Code    int
	Message string
}

func (ServerErrorEvent) EventType() string { return EventServerError }

// Handler 事件处理函数，在客户端的读协程中同步调用
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
}

// Bus 同步发布订阅
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID atomic.Uint64
	logger *slog.Logger
}

// NewBus 创建事件总线
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// Subscribe 订阅指定类型的事件，返回订阅 ID
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := "sub-" + strconv.FormatUint(b.nextID.Add(1), 10)
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler})
	return id
}

// SubscribeAll 订阅所有事件
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(allEvents, handler)
}

// Unsubscribe 取消订阅
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish 先调用指定类型的订阅者，再调用通配订阅者
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	specific := append([]subscription(nil), b.subs[event.EventType()]...)
	wildcard := append([]subscription(nil), b.subs[allEvents]...)
	b.mu.RUnlock()

	for _, sub := range specific {
		b.safeCall(sub.handler, event)
	}
	for _, sub := range wildcard {
		b.safeCall(sub.handler, event)
	}
}

func (b *Bus) safeCall(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panic recovered",
				"event", event.EventType(),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	handler(event)
}

// Clear 移除所有订阅
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]subscription)
}

// Count 当前订阅数
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}
