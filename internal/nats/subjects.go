package nats

// NATS Subject 定义
// 完整格式: collab.project.{project_id}.events
const (
	SubjectProjectEventsPrefix = "collab.project."
	SubjectProjectEventsSuffix = ".events"

	// SubjectAllProjectEvents 网关节点订阅所有项目的事件
	SubjectAllProjectEvents = "collab.project.*.events"
)

// BuildProjectEventsSubject 构建项目事件 Subject
func BuildProjectEventsSubject(projectID string) string {
	return SubjectProjectEventsPrefix + projectID + SubjectProjectEventsSuffix
}
