package state

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	apperrors "sudooom.collab/pkg/errors"
	"sudooom.collab/pkg/proto"
)

// MemoryStore 进程内实现，单个互斥锁保证变更与序号分配的原子性
type MemoryStore struct {
	mu       sync.Mutex
	locks    map[string]proto.LockTable
	presence map[string]proto.PresenceSnapshot
	lastSeen map[string]map[string]time.Time
	seq      map[string]int64
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:    make(map[string]proto.LockTable),
		presence: make(map[string]proto.PresenceSnapshot),
		lastSeen: make(map[string]map[string]time.Time),
		seq:      make(map[string]int64),
	}
}

// nextSeq 调用方需持有 s.mu
func (s *MemoryStore) nextSeq(projectID string) int64 {
	s.seq[projectID]++
	return s.seq[projectID]
}

func (s *MemoryStore) AcquireLock(_ context.Context, projectID string, lock proto.SectionLock) (LockResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, ok := s.locks[projectID]
	if !ok {
		table = make(proto.LockTable)
		s.locks[projectID] = table
	}
	if cur, held := table[lock.SectionID]; held {
		return LockResult{Holder: cur, Acquired: cur.UserID == lock.UserID, Seq: s.nextSeq(projectID)}, nil
	}
	table[lock.SectionID] = lock
	return LockResult{Holder: lock, Acquired: true, Seq: s.nextSeq(projectID)}, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, projectID, sectionID, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, held := s.locks[projectID][sectionID]
	if !held {
		return 0, nil
	}
	if cur.UserID != userID {
		return 0, apperrors.ErrLockNotOwned
	}
	delete(s.locks[projectID], sectionID)
	return s.nextSeq(projectID), nil
}

func (s *MemoryStore) Locks(_ context.Context, projectID string) (proto.LockTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cloneLocks(projectID), nil
}

func (s *MemoryStore) LockSnapshot(_ context.Context, projectID string) (proto.LockTable, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cloneLocks(projectID), s.nextSeq(projectID), nil
}

func (s *MemoryStore) cloneLocks(projectID string) proto.LockTable {
	if table := s.locks[projectID]; table != nil {
		return maps.Clone(table)
	}
	return proto.LockTable{}
}

func (s *MemoryStore) PutMember(_ context.Context, projectID, sessionID string, user proto.ActiveUser) (PresenceChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.presence[projectID]
	if !ok {
		members = make(proto.PresenceSnapshot)
		s.presence[projectID] = members
	}
	members[sessionID] = user

	seen, ok := s.lastSeen[projectID]
	if !ok {
		seen = make(map[string]time.Time)
		s.lastSeen[projectID] = seen
	}
	seen[sessionID] = time.Now()

	return PresenceChange{Members: s.members(projectID), Seq: s.nextSeq(projectID)}, nil
}

func (s *MemoryStore) UpdateMember(_ context.Context, projectID, sessionID string, user proto.ActiveUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.presence[projectID][sessionID]; ok {
		s.presence[projectID][sessionID] = user
	}
	return nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, projectID, sessionID string) (Departure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depart(projectID, []string{sessionID}), nil
}

func (s *MemoryStore) Members(_ context.Context, projectID string) (proto.PresenceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members(projectID), nil
}

// members 返回深拷贝，调用方需持有 s.mu
func (s *MemoryStore) members(projectID string) proto.PresenceSnapshot {
	out := make(proto.PresenceSnapshot, len(s.presence[projectID]))
	for id, u := range s.presence[projectID] {
		if u.Cursor != nil {
			cur := *u.Cursor
			u.Cursor = &cur
		}
		out[id] = u
	}
	return out
}

// Touch 只刷新仍在成员表中的会话，已被回收的会话不会复活
func (s *MemoryStore) Touch(_ context.Context, projectID string, sessionIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	seen := s.lastSeen[projectID]
	for _, id := range sessionIDs {
		if _, ok := seen[id]; ok {
			seen[id] = now
		}
	}
	return nil
}

func (s *MemoryStore) ReapSessions(_ context.Context, projectID string, staleBefore time.Time) (Departure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []string
	for id, at := range s.lastSeen[projectID] {
		if at.Before(staleBefore) {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return s.depart(projectID, stale), nil
}

// depart 移除会话，释放已无在线会话的用户持有的锁，调用方需持有 s.mu
func (s *MemoryStore) depart(projectID string, sessionIDs []string) Departure {
	var dep Departure
	gone := make(map[string]bool)
	for _, id := range sessionIDs {
		delete(s.lastSeen[projectID], id)
		user, ok := s.presence[projectID][id]
		if !ok {
			continue
		}
		delete(s.presence[projectID], id)
		gone[user.UserID] = true
		dep.Removed = append(dep.Removed, id)
	}
	if len(dep.Removed) == 0 {
		return dep
	}

	for _, u := range s.presence[projectID] {
		delete(gone, u.UserID)
	}

	sections := make([]string, 0)
	for sectionID, lock := range s.locks[projectID] {
		if gone[lock.UserID] {
			sections = append(sections, sectionID)
		}
	}
	sort.Strings(sections)
	for _, sectionID := range sections {
		lock := s.locks[projectID][sectionID]
		delete(s.locks[projectID], sectionID)
		dep.Released = append(dep.Released, LockRelease{
			SectionID: sectionID,
			UserID:    lock.UserID,
			Seq:       s.nextSeq(projectID),
		})
	}

	dep.Presence = PresenceChange{Members: s.members(projectID), Seq: s.nextSeq(projectID)}
	if len(s.presence[projectID]) == 0 {
		delete(s.presence, projectID)
		delete(s.lastSeen, projectID)
	}
	return dep
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
