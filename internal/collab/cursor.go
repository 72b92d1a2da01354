package collab

import (
	"sync"
	"time"

	"sudooom.collab/pkg/proto"
)

// MoveCursor 上报本地光标位置，未连接时为空操作
// 同一个间隔内的多次移动合并为一次，间隔结束时发送最新位置
func (c *Client) MoveCursor(sectionID, field string) {
	if sectionID == "" || !c.IsConnected() {
		return
	}
	c.cursor.move(proto.Cursor{SectionID: sectionID, Field: field})
}

func (c *Client) sendCursor(cur proto.Cursor) {
	c.send(proto.EventCursorMove, proto.CursorMove{ProjectID: c.cfg.ProjectID, Cursor: cur})
}

func (c *Client) handleCursorUpdate(env *proto.Envelope) error {
	var pos proto.CursorPosition
	if err := env.Decode(&pos); err != nil {
		return err
	}
	if c.isTornDown() {
		return nil
	}
	c.bus.Publish(CursorMovedEvent{Position: pos})
	return nil
}

// cursorPacer 前沿立即发送，窗口内的后续移动在后沿合并发送
type cursorPacer struct {
	mu       sync.Mutex
	interval time.Duration
	lastSent time.Time
	pending  *proto.Cursor
	timer    *time.Timer
	stopped  bool
	send     func(proto.Cursor)
}

func newCursorPacer(interval time.Duration, send func(proto.Cursor)) *cursorPacer {
	return &cursorPacer{interval: interval, send: send}
}

func (p *cursorPacer) move(cur proto.Cursor) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}

	elapsed := time.Since(p.lastSent)
	if p.timer == nil && elapsed >= p.interval {
		p.lastSent = time.Now()
		p.mu.Unlock()
		p.send(cur)
		return
	}

	p.pending = &cur
	if p.timer == nil {
		p.timer = time.AfterFunc(p.interval-elapsed, p.flush)
	}
	p.mu.Unlock()
}

func (p *cursorPacer) flush() {
	p.mu.Lock()
	p.timer = nil
	if p.stopped || p.pending == nil {
		p.mu.Unlock()
		return
	}
	cur := *p.pending
	p.pending = nil
	p.lastSent = time.Now()
	p.mu.Unlock()

	p.send(cur)
}

// discard 丢弃尚未发送的位置，之后仍可继续使用
func (p *cursorPacer) discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// stop 丢弃尚未发送的位置并拒绝后续移动
func (p *cursorPacer) stop() {
	p.discard()
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}
