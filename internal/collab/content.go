package collab

import (
	"time"

	"sudooom.collab/pkg/proto"
)

// BroadcastContentChange 发送章节当前全文用于实时预览
// 每次都是完整快照而不是 diff，适合中小文本字段
func (c *Client) BroadcastContentChange(sectionID, content string) {
	if sectionID == "" {
		return
	}
	c.send(proto.EventContentChange, proto.ContentChange{
		SectionID: sectionID,
		UserID:    c.cfg.UserID,
		UserName:  c.cfg.UserName,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *Client) handleContentUpdate(env *proto.Envelope) error {
	var change proto.ContentChange
	if err := env.Decode(&change); err != nil {
		return err
	}
	if change.SectionID == "" {
		return errMissingSection
	}
	if c.isTornDown() {
		return nil
	}
	c.bus.Publish(ContentUpdatedEvent{Change: change})
	return nil
}
