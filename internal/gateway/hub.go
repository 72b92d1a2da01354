package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"sudooom.collab/internal/audit"
	collabnats "sudooom.collab/internal/nats"
	"sudooom.collab/internal/state"
	apperrors "sudooom.collab/pkg/errors"
	"sudooom.collab/pkg/proto"
)

var errHubClosed = errors.New("hub closed")

// Relay 把项目广播转发给其他网关节点
type Relay interface {
	Publish(projectID, exclude string, env *proto.Envelope) error
}

// ============== Registry ==============

// Registry 按项目管理 Hub，项目内最后一个会话离开时回收
type Registry struct {
	mu     sync.Mutex
	hubs   map[string]*Hub
	store  state.Store
	relay  Relay
	audit  audit.Recorder
	logger *slog.Logger
}

// NewRegistry relay 为 nil 表示单节点部署
func NewRegistry(store state.Store, relay Relay, recorder audit.Recorder, logger *slog.Logger) *Registry {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		hubs:   make(map[string]*Hub),
		store:  store,
		relay:  relay,
		audit:  recorder,
		logger: logger,
	}
}

func (r *Registry) hub(projectID string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hubs[projectID]
	if !ok {
		h = newHub(projectID, r.store, r.relay, r.audit, r.logger)
		r.hubs[projectID] = h
	}
	return h
}

func (r *Registry) lookup(projectID string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hubs[projectID]
}

// Handle 把会话的上行事件交给所属项目的 Hub
func (r *Registry) Handle(ctx context.Context, s *Session, env *proto.Envelope) error {
	for {
		h := r.hub(s.ProjectID())
		err := h.Handle(ctx, s, env)
		if errors.Is(err, errHubClosed) {
			continue
		}
		// 离开或被拒绝的事件之后项目内可能已无会话
		if err != nil || env.Event == proto.EventLeaveProject {
			r.release(h)
		}
		return err
	}
}

// Leave 会话断开时清理在线状态和锁
func (r *Registry) Leave(ctx context.Context, s *Session) {
	h := r.lookup(s.ProjectID())
	if h == nil {
		return
	}
	h.Leave(ctx, s)
	r.release(h)
}

// Deliver 投递其他节点转发来的项目事件
func (r *Registry) Deliver(ev *collabnats.ProjectEvent) {
	h := r.lookup(ev.ProjectID)
	if h == nil {
		return
	}
	h.deliver(ev.Envelope, ev.Exclude)
}

// ProjectIDs 本节点上有会话的项目
func (r *Registry) ProjectIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.hubs))
	for id := range r.hubs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Refresh 续期本节点会话并回收失联节点留下的会话，返回回收数量
func (r *Registry) Refresh(ctx context.Context, staleBefore time.Time) int {
	r.mu.Lock()
	hubs := make([]*Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		hubs = append(hubs, h)
	}
	r.mu.Unlock()

	reaped := 0
	for _, h := range hubs {
		if err := r.store.Touch(ctx, h.projectID, h.sessionIDs()); err != nil {
			r.logger.Warn("Failed to refresh project state", "project_id", h.projectID, "error", err)
			continue
		}
		n, err := h.reap(ctx, staleBefore)
		if err != nil {
			r.logger.Warn("Failed to reap stale sessions", "project_id", h.projectID, "error", err)
			continue
		}
		reaped += n
	}
	return reaped
}

func (r *Registry) release(h *Hub) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hubs[h.projectID] != h {
		return
	}
	if h.closeIfEmpty() {
		delete(r.hubs, h.projectID)
	}
}

// ============== Hub ==============

// Hub 单个项目的仲裁者
// 同一项目的事件在 mu 内串行处理，seq 分配与下发顺序一致
type Hub struct {
	projectID string

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	store  state.Store
	relay  Relay
	audit  audit.Recorder
	logger *slog.Logger
}

func newHub(projectID string, store state.Store, relay Relay, recorder audit.Recorder, logger *slog.Logger) *Hub {
	return &Hub{
		projectID: projectID,
		sessions:  make(map[string]*Session),
		store:     store,
		relay:     relay,
		audit:     recorder,
		logger:    logger.With("project_id", projectID),
	}
}

// Handle 处理一个上行事件，返回的 AppError 由调用方以 error 事件回给客户端
func (h *Hub) Handle(ctx context.Context, s *Session, env *proto.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return errHubClosed
	}
	if env.ProjectID != "" && env.ProjectID != h.projectID {
		return apperrors.ErrInvalidEvent
	}
	if env.Event != proto.EventJoinProject && !s.joined {
		return apperrors.ErrNotJoined
	}

	switch env.Event {
	case proto.EventJoinProject:
		return h.join(ctx, s, env)
	case proto.EventLeaveProject:
		return h.leave(ctx, s)
	case proto.EventCursorMove:
		return h.moveCursor(ctx, s, env)
	case proto.EventLockSection:
		return h.lockSection(ctx, s, env)
	case proto.EventUnlockSection:
		return h.unlockSection(ctx, s, env)
	case proto.EventTypingStart:
		return h.typingStart(s, env)
	case proto.EventTypingStop:
		return h.typingStop(s, env)
	case proto.EventContentChange:
		return h.contentChange(s, env)
	case proto.EventPresenceStatus:
		return h.presenceStatus(ctx, s, env)
	default:
		return apperrors.ErrInvalidEvent
	}
}

// Leave 断线清理，未加入项目的会话直接忽略
func (h *Hub) Leave(ctx context.Context, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.leave(ctx, s); err != nil {
		h.logger.Error("Failed to clean up session", "session_id", s.ID(), "error", err)
	}
}

func (h *Hub) closeIfEmpty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.sessions) > 0 {
		return false
	}
	h.closed = true
	return true
}

// ============== 事件处理 ==============

func (h *Hub) join(ctx context.Context, s *Session, env *proto.Envelope) error {
	var req proto.JoinProject
	if err := env.Decode(&req); err != nil {
		return apperrors.ErrInvalidEvent.Wrap(err)
	}
	if req.ProjectID != "" && req.ProjectID != h.projectID {
		return apperrors.ErrInvalidEvent
	}
	if req.UserID != "" && req.UserID != s.UserID() {
		return apperrors.ErrUserMismatch
	}

	if !s.joined {
		name := s.UserName()
		if name == "" {
			name = req.UserName
		}
		if name == "" {
			name = s.UserID()
		}
		s.member = proto.ActiveUser{
			UserID:   s.UserID(),
			Name:     name,
			Status:   proto.StatusOnline,
			JoinedAt: time.Now().UTC(),
		}
	}

	// 加入（或重复加入）时总是下发完整锁表
	locks, lockSeq, err := h.store.LockSnapshot(ctx, h.projectID)
	if err != nil {
		return apperrors.ErrStoreError.Wrap(err)
	}
	allLocks, err := h.envelope(proto.EventAllLocks, locks, lockSeq)
	if err != nil {
		return err
	}
	if err := s.Send(allLocks); err != nil {
		return err
	}

	// 重复加入时重新写入成员，同时刷新存活时间并得到新的快照
	presence, err := h.store.PutMember(ctx, h.projectID, s.ID(), s.member)
	if err != nil {
		return apperrors.ErrStoreError.Wrap(err)
	}
	if !s.joined {
		s.joined = true
		h.sessions[s.ID()] = s
	}

	if err := h.broadcastPresence(presence); err != nil {
		return err
	}

	h.record(s.ID(), s.UserID(), proto.EventJoinProject, "", presence.Seq)
	h.logger.Info("Session joined project",
		"session_id", s.ID(),
		"user_id", s.UserID(),
		"transport", s.Transport())
	return nil
}

func (h *Hub) leave(ctx context.Context, s *Session) error {
	if !s.joined {
		return nil
	}
	s.joined = false
	delete(h.sessions, s.ID())

	// 同一用户在其他会话中仍在线时，存储会保留其锁
	dep, err := h.store.RemoveMember(ctx, h.projectID, s.ID())
	if err != nil {
		return apperrors.ErrStoreError.Wrap(err)
	}
	if err := h.publishDeparture(dep, s.ID()); err != nil {
		return err
	}

	h.record(s.ID(), s.UserID(), proto.EventLeaveProject, "", dep.Presence.Seq)
	h.logger.Info("Session left project", "session_id", s.ID(), "user_id", s.UserID())
	return nil
}

// reap 回收失联节点留下的会话
func (h *Hub) reap(ctx context.Context, staleBefore time.Time) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, nil
	}
	dep, err := h.store.ReapSessions(ctx, h.projectID, staleBefore)
	if err != nil {
		return 0, err
	}
	if !dep.Changed() {
		return 0, nil
	}

	for _, id := range dep.Removed {
		// 本节点的会话每轮都会续期，出现在这里说明存储曾经失联
		if local, ok := h.sessions[id]; ok {
			h.logger.Warn("Local session reaped from store", "session_id", id)
			local.joined = false
			delete(h.sessions, id)
			local.Close()
		}
		h.record(id, "", proto.EventLeaveProject, "", dep.Presence.Seq)
	}
	if err := h.publishDeparture(dep, ""); err != nil {
		return 0, err
	}
	h.logger.Info("Stale sessions reaped",
		"sessions", len(dep.Removed),
		"locks_released", len(dep.Released))
	return len(dep.Removed), nil
}

// publishDeparture 按序号顺序广播锁释放和新的成员快照
func (h *Hub) publishDeparture(dep state.Departure, sessionID string) error {
	if !dep.Changed() {
		return nil
	}
	for _, rel := range dep.Released {
		env, err := h.envelope(proto.EventSectionUnlocked, proto.SectionRef{
			ProjectID: h.projectID,
			SectionID: rel.SectionID,
		}, rel.Seq)
		if err != nil {
			return err
		}
		h.broadcast(env, "")
		h.record(sessionID, rel.UserID, proto.EventUnlockSection, rel.SectionID, rel.Seq)
	}
	return h.broadcastPresence(dep.Presence)
}

// sessionIDs 本节点在该项目中的会话
func (h *Hub) sessionIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// moveCursor 光标只转发，不分配 seq
func (h *Hub) moveCursor(ctx context.Context, s *Session, env *proto.Envelope) error {
	var req proto.CursorMove
	if err := env.Decode(&req); err != nil {
		return apperrors.ErrInvalidEvent.Wrap(err)
	}
	if req.Cursor.SectionID == "" {
		return apperrors.ErrInvalidEvent
	}

	cursor := req.Cursor
	s.member.Cursor = &cursor
	if err := h.store.UpdateMember(ctx, h.projectID, s.ID(), s.member); err != nil {
		h.logger.Warn("Failed to store cursor", "session_id", s.ID(), "error", err)
	}

	out, err := proto.NewEnvelope(proto.EventCursorUpdate, h.projectID, proto.CursorPosition{
		SessionID: s.ID(),
		UserID:    s.UserID(),
		Name:      s.member.Name,
		Cursor:    cursor,
	})
	if err != nil {
		return err
	}
	h.broadcast(out, s.ID())
	return nil
}

func (h *Hub) lockSection(ctx context.Context, s *Session, env *proto.Envelope) error {
	var req proto.SectionRef
	if err := env.Decode(&req); err != nil {
		return apperrors.ErrInvalidEvent.Wrap(err)
	}
	if req.SectionID == "" {
		return apperrors.ErrInvalidEvent
	}

	res, err := h.store.AcquireLock(ctx, h.projectID, proto.SectionLock{
		SectionID: req.SectionID,
		UserID:    s.UserID(),
		UserName:  s.member.Name,
		LockedAt:  time.Now().UTC(),
	})
	if err != nil {
		return apperrors.ErrStoreError.Wrap(err)
	}

	out, err := h.envelope(proto.EventSectionLocked, res.Holder, res.Seq)
	if err != nil {
		return err
	}

	if !res.Acquired {
		// 冲突：告诉请求方失败原因和当前持有者
		if err := s.SendError(apperrors.ErrLockHeld); err != nil {
			return err
		}
		return s.Send(out)
	}

	h.broadcast(out, "")
	h.record(s.ID(), s.UserID(), proto.EventLockSection, req.SectionID, out.Seq)
	return nil
}

func (h *Hub) unlockSection(ctx context.Context, s *Session, env *proto.Envelope) error {
	var req proto.SectionRef
	if err := env.Decode(&req); err != nil {
		return apperrors.ErrInvalidEvent.Wrap(err)
	}
	if req.SectionID == "" {
		return apperrors.ErrInvalidEvent
	}

	seq, err := h.store.ReleaseLock(ctx, h.projectID, req.SectionID, s.UserID())
	if err != nil {
		if apperrors.Is(err, apperrors.ErrLockNotOwned) {
			return err
		}
		return apperrors.ErrStoreError.Wrap(err)
	}
	if seq == 0 {
		return nil
	}

	out, err := h.envelope(proto.EventSectionUnlocked, proto.SectionRef{
		ProjectID: h.projectID,
		SectionID: req.SectionID,
	}, seq)
	if err != nil {
		return err
	}
	h.broadcast(out, "")
	h.record(s.ID(), s.UserID(), proto.EventUnlockSection, req.SectionID, seq)
	return nil
}

func (h *Hub) typingStart(s *Session, env *proto.Envelope) error {
	var req proto.TypingIndicator
	if err := env.Decode(&req); err != nil {
		return apperrors.ErrInvalidEvent.Wrap(err)
	}
	if req.SectionID == "" {
		return apperrors.ErrInvalidEvent
	}
	return h.relayTyping(s, proto.EventTypingStart, req.SectionID)
}

func (h *Hub) typingStop(s *Session, env *proto.Envelope) error {
	var req proto.SectionRef
	if err := env.Decode(&req); err != nil {
		return apperrors.ErrInvalidEvent.Wrap(err)
	}
	if req.SectionID == "" {
		return apperrors.ErrInvalidEvent
	}
	return h.relayTyping(s, proto.EventTypingEnd, req.SectionID)
}

// relayTyping 用会话身份覆盖客户端填写的用户信息
func (h *Hub) relayTyping(s *Session, event, sectionID string) error {
	out, err := proto.NewEnvelope(event, h.projectID, proto.TypingIndicator{
		SectionID: sectionID,
		UserID:    s.UserID(),
		UserName:  s.member.Name,
	})
	if err != nil {
		return err
	}
	h.broadcast(out, s.ID())
	return nil
}

func (h *Hub) contentChange(s *Session, env *proto.Envelope) error {
	var change proto.ContentChange
	if err := env.Decode(&change); err != nil {
		return apperrors.ErrInvalidEvent.Wrap(err)
	}
	if change.SectionID == "" {
		return apperrors.ErrInvalidEvent
	}

	change.UserID = s.UserID()
	change.UserName = s.member.Name
	if change.Timestamp == 0 {
		change.Timestamp = time.Now().UnixMilli()
	}

	out, err := proto.NewEnvelope(proto.EventContentUpdate, h.projectID, change)
	if err != nil {
		return err
	}
	h.broadcast(out, s.ID())
	return nil
}

func (h *Hub) presenceStatus(ctx context.Context, s *Session, env *proto.Envelope) error {
	var req proto.PresenceStatus
	if err := env.Decode(&req); err != nil {
		return apperrors.ErrInvalidEvent.Wrap(err)
	}
	if !req.Status.Valid() {
		return apperrors.ErrInvalidStatus
	}

	s.member.Status = req.Status
	presence, err := h.store.PutMember(ctx, h.projectID, s.ID(), s.member)
	if err != nil {
		return apperrors.ErrStoreError.Wrap(err)
	}
	return h.broadcastPresence(presence)
}

// ============== 下发 ==============

// envelope 构建带项目序号的信封，序号由存储在变更时原子分配
func (h *Hub) envelope(event string, data any, seq int64) (*proto.Envelope, error) {
	env, err := proto.NewEnvelope(event, h.projectID, data)
	if err != nil {
		return nil, err
	}
	env.Seq = seq
	return env, nil
}

func (h *Hub) broadcastPresence(change state.PresenceChange) error {
	env, err := h.envelope(proto.EventPresenceUpdate, change.Members, change.Seq)
	if err != nil {
		return err
	}
	h.broadcast(env, "")
	return nil
}

// broadcast 投递给本节点的会话并转发给其他节点，exclude 为发起者 session id
func (h *Hub) broadcast(env *proto.Envelope, exclude string) {
	h.deliverLocked(env, exclude)

	if h.relay == nil {
		return
	}
	if err := h.relay.Publish(h.projectID, exclude, env); err != nil {
		h.logger.Error("Failed to relay project event", "event", env.Event, "error", err)
	}
}

func (h *Hub) deliver(env *proto.Envelope, exclude string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliverLocked(env, exclude)
}

func (h *Hub) deliverLocked(env *proto.Envelope, exclude string) {
	data, err := env.Marshal()
	if err != nil {
		h.logger.Error("Failed to marshal envelope", "event", env.Event, "error", err)
		return
	}
	for id, s := range h.sessions {
		if id == exclude {
			continue
		}
		if err := s.enqueue(data); err != nil {
			h.logger.Debug("Failed to deliver event", "session_id", id, "event", env.Event, "error", err)
		}
	}
}

func (h *Hub) record(sessionID, userID, event, sectionID string, seq int64) {
	h.audit.Record(audit.Record{
		ProjectID: h.projectID,
		SessionID: sessionID,
		UserID:    userID,
		Event:     event,
		SectionID: sectionID,
		Seq:       seq,
	})
}
