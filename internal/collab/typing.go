package collab

import (
	"context"
	"sort"

	"sudooom.collab/pkg/proto"
)

// typingEntry 远端用户的输入提示，gen 用于识别过期任务是否仍然有效
type typingEntry struct {
	indicator proto.TypingIndicator
	gen       int64
}

// StartTyping 发送 typing_start
// TypingTTL 内没有调用 StopTyping 时自动发送 typing_stop
func (c *Client) StartTyping(sectionID string) {
	if sectionID == "" || !c.IsConnected() {
		return
	}

	c.mu.Lock()
	c.typingGen++
	gen := c.typingGen
	c.localTyping[sectionID] = gen
	c.mu.Unlock()

	c.send(proto.EventTypingStart, proto.TypingIndicator{
		SectionID: sectionID,
		UserID:    c.cfg.UserID,
		UserName:  c.cfg.UserName,
	})

	err := c.scheduler.Schedule(localTypingTask(sectionID), sectionID, c.cfg.TypingTTL,
		func(context.Context, string) error {
			c.autoStopTyping(sectionID, gen)
			return nil
		})
	if err != nil {
		c.logger.Debug("Schedule typing auto-stop failed", "section_id", sectionID, "error", err)
	}
}

// StopTyping 发送 typing_stop
func (c *Client) StopTyping(sectionID string) {
	if sectionID == "" {
		return
	}
	c.mu.Lock()
	delete(c.localTyping, sectionID)
	c.mu.Unlock()
	c.scheduler.RemoveTask(localTypingTask(sectionID))

	c.send(proto.EventTypingStop, proto.SectionRef{ProjectID: c.cfg.ProjectID, SectionID: sectionID})
}

func (c *Client) autoStopTyping(sectionID string, gen int64) {
	c.mu.Lock()
	if c.closed || c.localTyping[sectionID] != gen {
		c.mu.Unlock()
		return
	}
	delete(c.localTyping, sectionID)
	c.mu.Unlock()

	c.logger.Debug("Typing auto-stopped", "section_id", sectionID)
	c.send(proto.EventTypingStop, proto.SectionRef{ProjectID: c.cfg.ProjectID, SectionID: sectionID})
}

// Typing 指定章节中正在输入的其他用户，按用户 ID 排序
func (c *Client) Typing(sectionID string) []proto.TypingIndicator {
	c.mu.RLock()
	defer c.mu.RUnlock()

	users := c.typing[sectionID]
	out := make([]proto.TypingIndicator, 0, len(users))
	for _, e := range users {
		out = append(out, e.indicator)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// handleTypingStart 记录并刷新过期时间
func (c *Client) handleTypingStart(env *proto.Envelope) error {
	var ind proto.TypingIndicator
	if err := env.Decode(&ind); err != nil {
		return err
	}
	if ind.SectionID == "" {
		return errMissingSection
	}
	if ind.UserID == "" {
		return errMissingUser
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	users, ok := c.typing[ind.SectionID]
	if !ok {
		users = make(map[string]typingEntry)
		c.typing[ind.SectionID] = users
	}
	_, refreshed := users[ind.UserID]
	c.typingGen++
	gen := c.typingGen
	users[ind.UserID] = typingEntry{indicator: ind, gen: gen}
	c.mu.Unlock()

	err := c.scheduler.Schedule(remoteTypingTask(ind.SectionID, ind.UserID), ind.SectionID, c.cfg.TypingTTL,
		func(context.Context, string) error {
			c.expireTyping(ind.SectionID, ind.UserID, gen)
			return nil
		})
	if err != nil {
		c.logger.Debug("Schedule typing expiry failed", "section_id", ind.SectionID, "error", err)
	}

	if !refreshed {
		c.bus.Publish(TypingChangedEvent{Indicator: ind, Typing: true})
	}
	return nil
}

// handleTypingEnd 同时处理 typing_end 和 typing_stop
func (c *Client) handleTypingEnd(env *proto.Envelope) error {
	var ind proto.TypingIndicator
	if err := env.Decode(&ind); err != nil {
		return err
	}
	if ind.SectionID == "" {
		return errMissingSection
	}
	if ind.UserID == "" {
		return errMissingUser
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	entry, ok := c.typing[ind.SectionID][ind.UserID]
	if ok {
		c.removeTypingLocked(ind.SectionID, ind.UserID)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	c.scheduler.RemoveTask(remoteTypingTask(ind.SectionID, ind.UserID))
	c.bus.Publish(TypingChangedEvent{Indicator: entry.indicator})
	return nil
}

// expireTyping 在调度器的 worker 中执行，gen 不匹配说明已被刷新或清除
func (c *Client) expireTyping(sectionID, userID string, gen int64) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	entry, ok := c.typing[sectionID][userID]
	if !ok || entry.gen != gen {
		c.mu.Unlock()
		return
	}
	c.removeTypingLocked(sectionID, userID)
	c.mu.Unlock()

	c.logger.Debug("Typing indicator expired", "section_id", sectionID, "typing_user", userID)
	c.bus.Publish(TypingChangedEvent{Indicator: entry.indicator, Expired: true})
}

// removeTypingLocked 调用方需持有 c.mu
func (c *Client) removeTypingLocked(sectionID, userID string) {
	users := c.typing[sectionID]
	delete(users, userID)
	if len(users) == 0 {
		delete(c.typing, sectionID)
	}
}

func localTypingTask(sectionID string) string {
	return "local:" + sectionID
}

func remoteTypingTask(sectionID, userID string) string {
	return "remote:" + sectionID + ":" + userID
}
