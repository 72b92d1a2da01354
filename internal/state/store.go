package state

import (
	"context"
	"time"

	"sudooom.collab/pkg/proto"
)

// Store 项目级共享状态：章节锁、在线成员、会话存活时间和事件序号
// 单节点使用 MemoryStore，多节点部署使用 RedisStore
//
// 所有改变锁表或成员表的操作都在同一个原子步骤里分配项目序号，
// 多个节点并发修改时，序号顺序与存储中的变更顺序一致
type Store interface {
	// AcquireLock 章节未加锁或已被同一用户持有时成功；冲突时 Holder 为当前持有者
	AcquireLock(ctx context.Context, projectID string, lock proto.SectionLock) (LockResult, error)
	// ReleaseLock 释放锁并返回序号；未加锁返回 0，被其他用户持有返回 errors.ErrLockNotOwned
	ReleaseLock(ctx context.Context, projectID, sectionID, userID string) (int64, error)
	// Locks 只读查询
	Locks(ctx context.Context, projectID string) (proto.LockTable, error)
	// LockSnapshot 锁表快照及其序号，用于加入时下发 all_locks
	LockSnapshot(ctx context.Context, projectID string) (proto.LockTable, int64, error)

	// PutMember 写入成员并刷新会话存活时间，返回变更后的快照
	PutMember(ctx context.Context, projectID, sessionID string, user proto.ActiveUser) (PresenceChange, error)
	// UpdateMember 只更新已存在的成员，不分配序号（光标位置）
	UpdateMember(ctx context.Context, projectID, sessionID string, user proto.ActiveUser) error
	// RemoveMember 移除会话；该用户在项目中已无其他会话时一并释放其锁
	RemoveMember(ctx context.Context, projectID, sessionID string) (Departure, error)
	Members(ctx context.Context, projectID string) (proto.PresenceSnapshot, error)

	// Touch 刷新本节点会话的存活时间并续期项目状态
	Touch(ctx context.Context, projectID string, sessionIDs []string) error
	// ReapSessions 回收存活时间早于 staleBefore 的会话（所在节点已失联），规则同 RemoveMember
	ReapSessions(ctx context.Context, projectID string, staleBefore time.Time) (Departure, error)

	Ping(ctx context.Context) error
	Close() error
}

// LockResult 加锁结果，冲突时同样分配序号，用于告知请求方当前持有者
type LockResult struct {
	Holder   proto.SectionLock
	Acquired bool
	Seq      int64
}

// LockRelease 一次锁释放
type LockRelease struct {
	SectionID string
	UserID    string
	Seq       int64
}

// PresenceChange 成员表变更后的完整快照
type PresenceChange struct {
	Members proto.PresenceSnapshot
	Seq     int64
}

// Departure 会话离开的结果
// Removed 为实际移除的会话；没有会话被移除时 Presence.Seq 为 0
type Departure struct {
	Removed  []string
	Released []LockRelease
	Presence PresenceChange
}

// Changed 是否需要广播
func (d Departure) Changed() bool {
	return d.Presence.Seq > 0
}
