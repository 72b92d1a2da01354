package proto

import (
	"encoding/json"
	"errors"
	"time"
)

// ============== 事件名称 ==============

const (
	// 客户端 -> 网关
	EventJoinProject    = "join_project"
	EventLeaveProject   = "leave_project"
	EventCursorMove     = "cursor_move"
	EventLockSection    = "lock_section"
	EventUnlockSection  = "unlock_section"
	EventTypingStop     = "typing_stop"
	EventContentChange  = "content_change"
	EventPresenceStatus = "presence_status"

	// 网关 -> 客户端
	EventPresenceUpdate  = "presence_update"
	EventCursorUpdate    = "cursor_update"
	EventSectionLocked   = "section_locked"
	EventSectionUnlocked = "section_unlocked"
	EventAllLocks        = "all_locks"
	EventTypingEnd       = "typing_end"
	EventContentUpdate   = "content_update"
	EventError           = "error"

	// 双向
	EventTypingStart = "typing_start"
)

// ErrEmptyEvent 信封缺少事件名
var ErrEmptyEvent = errors.New("envelope has no event name")

// Envelope 线上消息信封
// Seq 由网关按项目单调递增分配，0 表示未编号（总是应用）
type Envelope struct {
	Event     string          `json:"event"`
	ProjectID string          `json:"project_id,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope 构建信封，data 为 nil 时不带载荷
func NewEnvelope(event, projectID string, data any) (*Envelope, error) {
	env := &Envelope{Event: event, ProjectID: projectID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return env, nil
}

// Decode 将载荷解析到 v
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Marshal 序列化信封
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal 解析信封
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Event == "" {
		return nil, ErrEmptyEvent
	}
	return &env, nil
}

// ============== 数据模型 ==============

// Status 在线状态
type Status string

const (
	StatusOnline Status = "online"
	StatusAway   Status = "away"
	StatusBusy   Status = "busy"
)

// Valid 是否为合法状态
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy:
		return true
	}
	return false
}

// Cursor 光标所在的章节与字段
type Cursor struct {
	SectionID string `json:"section_id"`
	Field     string `json:"field,omitempty"`
}

// ActiveUser 正在查看项目的用户
type ActiveUser struct {
	UserID   string    `json:"user_id"`
	Name     string    `json:"name"`
	Status   Status    `json:"status"`
	Cursor   *Cursor   `json:"cursor,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
}

// PresenceSnapshot session_id -> ActiveUser，每次全量下发
type PresenceSnapshot map[string]ActiveUser

// CursorPosition 其他用户的光标位置（只转发，不存储）
type CursorPosition struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Cursor    Cursor `json:"cursor"`
}

// SectionLock 章节建议锁
type SectionLock struct {
	SectionID string    `json:"section_id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	LockedAt  time.Time `json:"locked_at"`
}

// LockTable section_id -> SectionLock，加入项目时一次性下发
type LockTable map[string]SectionLock

// ContentChange 章节内容快照（全文，非 diff）
type ContentChange struct {
	SectionID string `json:"section_id"`
	UserID    string `json:"user_id,omitempty"`
	UserName  string `json:"user_name,omitempty"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"` // unix 毫秒
}

// TypingIndicator 正在输入提示
type TypingIndicator struct {
	SectionID string `json:"section_id"`
	UserID    string `json:"user_id,omitempty"`
	UserName  string `json:"user_name,omitempty"`
}

// ============== 上行载荷 ==============

// JoinProject 加入项目
type JoinProject struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
}

// LeaveProject 离开项目
type LeaveProject struct {
	ProjectID string `json:"project_id"`
}

// CursorMove 光标移动
type CursorMove struct {
	ProjectID string `json:"project_id,omitempty"`
	Cursor    Cursor `json:"cursor"`
}

// SectionRef 加锁/解锁请求，也用作 section_unlocked 载荷
type SectionRef struct {
	ProjectID string `json:"project_id,omitempty"`
	SectionID string `json:"section_id"`
}

// PresenceStatus 修改自己的在线状态
type PresenceStatus struct {
	Status Status `json:"status"`
}

// ErrorPayload 网关返回的错误
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
