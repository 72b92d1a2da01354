package collab

import (
	"sudooom.collab/pkg/proto"
)

// LockSection 请求章节建议锁，不等待确认
// 本地锁表只在收到 section_locked 后更新
func (c *Client) LockSection(sectionID string) {
	if sectionID == "" {
		return
	}
	c.send(proto.EventLockSection, proto.SectionRef{ProjectID: c.cfg.ProjectID, SectionID: sectionID})
}

// UnlockSection 释放章节锁
func (c *Client) UnlockSection(sectionID string) {
	if sectionID == "" {
		return
	}
	c.send(proto.EventUnlockSection, proto.SectionRef{ProjectID: c.cfg.ProjectID, SectionID: sectionID})
}

// IsSectionLocked 返回其他用户持有的锁，自己持有或未加锁时返回 nil
func (c *Client) IsSectionLocked(sectionID string) *proto.SectionLock {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lock, ok := c.locks[sectionID]
	if !ok || lock.UserID == c.cfg.UserID {
		return nil
	}
	return &lock
}

// Locks 锁表副本，包含自己持有的锁
func (c *Client) Locks() proto.LockTable {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.locks == nil {
		return proto.LockTable{}
	}
	return cloneLocks(c.locks)
}

// lockBaseline 调用方需持有 c.mu
func (c *Client) lockBaseline(sectionID string) int64 {
	if seq := c.lockSeq[sectionID]; seq > c.lockFloor {
		return seq
	}
	return c.lockFloor
}

func (c *Client) acceptLockEvent(sectionID string, seq int64) bool {
	if c.closed {
		return false
	}
	if stale(seq, c.lockBaseline(sectionID)) {
		c.logger.Debug("Stale lock event dropped", "section_id", sectionID, "seq", seq)
		return false
	}
	if seq > 0 {
		c.lockSeq[sectionID] = seq
	}
	return true
}

// handleAllLocks 加入项目时的全量锁表，整体替换
func (c *Client) handleAllLocks(env *proto.Envelope) error {
	table := make(proto.LockTable)
	if err := env.Decode(&table); err != nil {
		return err
	}
	if table == nil {
		table = make(proto.LockTable)
	}

	c.mu.Lock()
	if c.closed || stale(env.Seq, c.lockFloor) {
		c.mu.Unlock()
		return nil
	}
	c.locks = table
	c.lockSeq = make(map[string]int64)
	if env.Seq > 0 {
		c.lockFloor = env.Seq
	}
	c.mu.Unlock()

	c.bus.Publish(LockChangedEvent{Snapshot: true})
	return nil
}

func (c *Client) handleSectionLocked(env *proto.Envelope) error {
	var lock proto.SectionLock
	if err := env.Decode(&lock); err != nil {
		return err
	}
	if lock.SectionID == "" {
		return errMissingSection
	}

	c.mu.Lock()
	if !c.acceptLockEvent(lock.SectionID, env.Seq) {
		c.mu.Unlock()
		return nil
	}
	c.locks[lock.SectionID] = lock
	c.mu.Unlock()

	published := lock
	c.bus.Publish(LockChangedEvent{SectionID: lock.SectionID, Lock: &published})
	return nil
}

func (c *Client) handleSectionUnlocked(env *proto.Envelope) error {
	var ref proto.SectionRef
	if err := env.Decode(&ref); err != nil {
		return err
	}
	if ref.SectionID == "" {
		return errMissingSection
	}

	c.mu.Lock()
	if !c.acceptLockEvent(ref.SectionID, env.Seq) {
		c.mu.Unlock()
		return nil
	}
	delete(c.locks, ref.SectionID)
	c.mu.Unlock()

	c.bus.Publish(LockChangedEvent{SectionID: ref.SectionID})
	return nil
}
