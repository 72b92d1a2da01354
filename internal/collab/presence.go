package collab

import (
	"maps"

	apperrors "sudooom.collab/pkg/errors"
	"sudooom.collab/pkg/proto"
)

// Presence 当前在线用户表 session_id -> ActiveUser 的副本
func (c *Client) Presence() proto.PresenceSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clonePresence(c.presence)
}

// SetStatus 修改自己的在线状态，未连接时为空操作
func (c *Client) SetStatus(status proto.Status) error {
	if !status.Valid() {
		return apperrors.ErrInvalidStatus
	}
	c.send(proto.EventPresenceStatus, proto.PresenceStatus{Status: status})
	return nil
}

// handlePresenceUpdate 每个快照都是权威的，整体替换本地表
func (c *Client) handlePresenceUpdate(env *proto.Envelope) error {
	snapshot := make(proto.PresenceSnapshot)
	if err := env.Decode(&snapshot); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if stale(env.Seq, c.presenceSeq) {
		c.mu.Unlock()
		c.logger.Debug("Stale presence snapshot dropped", "seq", env.Seq, "last_seq", c.presenceSeq)
		return nil
	}
	if env.Seq > 0 {
		c.presenceSeq = env.Seq
	}
	c.presence = snapshot
	c.mu.Unlock()

	c.bus.Publish(PresenceChangedEvent{Presence: clonePresence(snapshot)})
	return nil
}

func clonePresence(src proto.PresenceSnapshot) proto.PresenceSnapshot {
	dst := make(proto.PresenceSnapshot, len(src))
	for id, u := range src {
		if u.Cursor != nil {
			cur := *u.Cursor
			u.Cursor = &cur
		}
		dst[id] = u
	}
	return dst
}

func cloneLocks(src proto.LockTable) proto.LockTable {
	return maps.Clone(src)
}
