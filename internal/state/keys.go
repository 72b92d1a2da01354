package state

import "fmt"

const (
	// KeyPrefix 所有协作状态的 Redis Key 前缀
	// 项目 id 用 {} 包裹，同一项目的 Key 落在同一个 slot，Lua 脚本可以跨 Key 原子执行
	KeyPrefix = "collab:project:"
)

// BuildLocksKey 章节锁 Hash
// Key: collab:project:{projectId}:locks, Field: sectionId, Value: SectionLock JSON
func BuildLocksKey(projectID string) string {
	return fmt.Sprintf("%s{%s}:locks", KeyPrefix, projectID)
}

// BuildPresenceKey 在线成员 Hash
// Key: collab:project:{projectId}:presence, Field: sessionId, Value: ActiveUser JSON
func BuildPresenceKey(projectID string) string {
	return fmt.Sprintf("%s{%s}:presence", KeyPrefix, projectID)
}

// BuildSessionsKey 会话存活时间 ZSet
// Key: collab:project:{projectId}:sessions, Member: sessionId, Score: 最近一次心跳的毫秒时间戳
func BuildSessionsKey(projectID string) string {
	return fmt.Sprintf("%s{%s}:sessions", KeyPrefix, projectID)
}

// BuildSeqKey 事件序号计数器，不设置过期时间
func BuildSeqKey(projectID string) string {
	return fmt.Sprintf("%s{%s}:seq", KeyPrefix, projectID)
}
