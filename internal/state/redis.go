package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"sudooom.collab/internal/config"
	apperrors "sudooom.collab/pkg/errors"
	"sudooom.collab/pkg/proto"
)

// 每个脚本在修改锁表或成员表的同时 INCR 序号 Key，保证序号与变更顺序一致

// acquireScript 抢锁，已存在时判断是否为同一用户
// KEYS[1] locks, KEYS[2] seq; ARGV[1] sectionId, ARGV[2] userId, ARGV[3] lock JSON, ARGV[4] ttl ms
// 返回 {acquired, 当前持有者 JSON, seq}
var acquireScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
local acquired = 0
if not cur then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
	cur = ARGV[3]
	acquired = 1
elseif cjson.decode(cur).user_id == ARGV[2] then
	acquired = 1
end
return {acquired, cur, redis.call('INCR', KEYS[2])}
`)

// releaseScript 只有持有者可以释放
// 返回 seq 释放成功，0 未加锁，-1 被其他用户持有
var releaseScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then
	return 0
end
if cjson.decode(cur).user_id ~= ARGV[2] then
	return -1
end
redis.call('HDEL', KEYS[1], ARGV[1])
return redis.call('INCR', KEYS[2])
`)

// snapshotScript KEYS[1] locks, KEYS[2] seq；返回 {seq, HGETALL}
var snapshotScript = redis.NewScript(`
return {redis.call('INCR', KEYS[2]), redis.call('HGETALL', KEYS[1])}
`)

// putMemberScript 写入成员并记录存活时间
// KEYS[1] presence, KEYS[2] sessions, KEYS[3] seq; ARGV[1] sessionId, ARGV[2] member JSON, ARGV[3] ttl ms, ARGV[4] now ms
var putMemberScript = redis.NewScript(`
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return {redis.call('INCR', KEYS[3]), redis.call('HGETALL', KEYS[1])}
`)

// updateMemberScript 成员不存在时不写入，避免已离开的会话复活
var updateMemberScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// departScript 移除会话，释放已无在线会话的用户的锁
// KEYS[1] presence, KEYS[2] sessions, KEYS[3] locks, KEYS[4] seq
// ARGV[1] 回收截止毫秒时间戳（为空表示不回收），ARGV[2..] 显式移除的 sessionId
// 返回 {presenceSeq, #removed, #released, removed..., (section, user, seq)..., presence HGETALL...}
var departScript = redis.NewScript(`
local ids = {}
for i = 2, #ARGV do
	ids[#ids + 1] = ARGV[i]
end
if ARGV[1] ~= '' then
	for _, id in ipairs(redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[1])) do
		ids[#ids + 1] = id
	end
end

local removed = {}
local gone = {}
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[2], id)
	local raw = redis.call('HGET', KEYS[1], id)
	if raw then
		redis.call('HDEL', KEYS[1], id)
		gone[cjson.decode(raw).user_id] = true
		removed[#removed + 1] = id
	end
end
if #removed == 0 then
	return {0, 0, 0}
end

local members = redis.call('HGETALL', KEYS[1])
for i = 2, #members, 2 do
	gone[cjson.decode(members[i]).user_id] = nil
end

local released = {}
local locks = redis.call('HGETALL', KEYS[3])
for i = 1, #locks, 2 do
	local owner = cjson.decode(locks[i + 1]).user_id
	if gone[owner] then
		redis.call('HDEL', KEYS[3], locks[i])
		released[#released + 1] = locks[i]
		released[#released + 1] = owner
		released[#released + 1] = redis.call('INCR', KEYS[4])
	end
end

local out = {redis.call('INCR', KEYS[4]), #removed, #released / 3}
for _, v in ipairs(removed) do
	out[#out + 1] = v
end
for _, v in ipairs(released) do
	out[#out + 1] = v
end
for _, v in ipairs(members) do
	out[#out + 1] = v
end
return out
`)

// RedisStore 多节点共享的状态存储
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisStore 创建 Redis 存储
// ttl 为锁表和成员表的过期时间，由心跳通过 Touch 续期；失联节点的会话由 ReapSessions 回收
func NewRedisStore(cfg config.RedisConfig, ttl time.Duration, logger *slog.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

func (s *RedisStore) AcquireLock(ctx context.Context, projectID string, lock proto.SectionLock) (LockResult, error) {
	data, err := json.Marshal(lock)
	if err != nil {
		return LockResult{}, fmt.Errorf("failed to marshal lock: %w", err)
	}

	res, err := acquireScript.Run(ctx, s.client,
		[]string{BuildLocksKey(projectID), BuildSeqKey(projectID)},
		lock.SectionID, lock.UserID, string(data), s.ttl.Milliseconds()).Slice()
	if err != nil {
		return LockResult{}, apperrors.ErrStoreError.Wrap(err)
	}
	if len(res) != 3 {
		return LockResult{}, unexpected(res)
	}

	var holder proto.SectionLock
	if err := json.Unmarshal([]byte(asString(res[1])), &holder); err != nil {
		return LockResult{}, fmt.Errorf("failed to unmarshal lock: %w", err)
	}
	return LockResult{Holder: holder, Acquired: asInt(res[0]) == 1, Seq: asInt(res[2])}, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, projectID, sectionID, userID string) (int64, error) {
	n, err := releaseScript.Run(ctx, s.client,
		[]string{BuildLocksKey(projectID), BuildSeqKey(projectID)}, sectionID, userID).Int64()
	if err != nil {
		return 0, apperrors.ErrStoreError.Wrap(err)
	}
	if n < 0 {
		return 0, apperrors.ErrLockNotOwned
	}
	return n, nil
}

func (s *RedisStore) Locks(ctx context.Context, projectID string) (proto.LockTable, error) {
	all, err := s.client.HGetAll(ctx, BuildLocksKey(projectID)).Result()
	if err != nil {
		return nil, apperrors.ErrStoreError.Wrap(err)
	}
	return s.decodeLocks(projectID, all), nil
}

func (s *RedisStore) LockSnapshot(ctx context.Context, projectID string) (proto.LockTable, int64, error) {
	res, err := snapshotScript.Run(ctx, s.client,
		[]string{BuildLocksKey(projectID), BuildSeqKey(projectID)}).Slice()
	if err != nil {
		return nil, 0, apperrors.ErrStoreError.Wrap(err)
	}
	if len(res) != 2 {
		return nil, 0, unexpected(res)
	}
	flat, _ := res[1].([]any)
	return s.decodeLocks(projectID, pairs(flat)), asInt(res[0]), nil
}

func (s *RedisStore) PutMember(ctx context.Context, projectID, sessionID string, user proto.ActiveUser) (PresenceChange, error) {
	data, err := json.Marshal(user)
	if err != nil {
		return PresenceChange{}, fmt.Errorf("failed to marshal member: %w", err)
	}

	res, err := putMemberScript.Run(ctx, s.client,
		[]string{BuildPresenceKey(projectID), BuildSessionsKey(projectID), BuildSeqKey(projectID)},
		sessionID, string(data), s.ttl.Milliseconds(), time.Now().UnixMilli()).Slice()
	if err != nil {
		return PresenceChange{}, apperrors.ErrStoreError.Wrap(err)
	}
	if len(res) != 2 {
		return PresenceChange{}, unexpected(res)
	}
	flat, _ := res[1].([]any)
	return PresenceChange{Members: s.decodeMembers(projectID, pairs(flat)), Seq: asInt(res[0])}, nil
}

func (s *RedisStore) UpdateMember(ctx context.Context, projectID, sessionID string, user proto.ActiveUser) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal member: %w", err)
	}
	if err := updateMemberScript.Run(ctx, s.client,
		[]string{BuildPresenceKey(projectID)}, sessionID, string(data)).Err(); err != nil {
		return apperrors.ErrStoreError.Wrap(err)
	}
	return nil
}

func (s *RedisStore) RemoveMember(ctx context.Context, projectID, sessionID string) (Departure, error) {
	return s.depart(ctx, projectID, "", sessionID)
}

func (s *RedisStore) ReapSessions(ctx context.Context, projectID string, staleBefore time.Time) (Departure, error) {
	return s.depart(ctx, projectID, strconv.FormatInt(staleBefore.UnixMilli(), 10))
}

func (s *RedisStore) depart(ctx context.Context, projectID, cutoff string, sessionIDs ...string) (Departure, error) {
	args := make([]any, 0, len(sessionIDs)+1)
	args = append(args, cutoff)
	for _, id := range sessionIDs {
		args = append(args, id)
	}

	res, err := departScript.Run(ctx, s.client, []string{
		BuildPresenceKey(projectID),
		BuildSessionsKey(projectID),
		BuildLocksKey(projectID),
		BuildSeqKey(projectID),
	}, args...).Slice()
	if err != nil {
		return Departure{}, apperrors.ErrStoreError.Wrap(err)
	}
	if len(res) < 3 {
		return Departure{}, unexpected(res)
	}

	var dep Departure
	seq, nRemoved, nReleased := asInt(res[0]), int(asInt(res[1])), int(asInt(res[2]))
	if seq == 0 {
		return dep, nil
	}
	rest := res[3:]
	if len(rest) < nRemoved+3*nReleased {
		return Departure{}, unexpected(res)
	}

	for _, v := range rest[:nRemoved] {
		dep.Removed = append(dep.Removed, asString(v))
	}
	rest = rest[nRemoved:]
	for i := 0; i < nReleased; i++ {
		dep.Released = append(dep.Released, LockRelease{
			SectionID: asString(rest[3*i]),
			UserID:    asString(rest[3*i+1]),
			Seq:       asInt(rest[3*i+2]),
		})
	}
	rest = rest[3*nReleased:]

	dep.Presence = PresenceChange{Members: s.decodeMembers(projectID, pairs(rest)), Seq: seq}
	return dep, nil
}

func (s *RedisStore) Members(ctx context.Context, projectID string) (proto.PresenceSnapshot, error) {
	all, err := s.client.HGetAll(ctx, BuildPresenceKey(projectID)).Result()
	if err != nil {
		return nil, apperrors.ErrStoreError.Wrap(err)
	}
	return s.decodeMembers(projectID, all), nil
}

// Touch 刷新本节点会话的存活时间，并续期锁表和成员表
// ZADD XX 只更新已存在的会话，被其他节点回收的会话不会复活
func (s *RedisStore) Touch(ctx context.Context, projectID string, sessionIDs []string) error {
	pipe := s.client.Pipeline()
	if len(sessionIDs) > 0 {
		now := float64(time.Now().UnixMilli())
		members := make([]redis.Z, 0, len(sessionIDs))
		for _, id := range sessionIDs {
			members = append(members, redis.Z{Score: now, Member: id})
		}
		pipe.ZAddArgs(ctx, BuildSessionsKey(projectID), redis.ZAddArgs{XX: true, Members: members})
	}
	pipe.PExpire(ctx, BuildLocksKey(projectID), s.ttl)
	pipe.PExpire(ctx, BuildPresenceKey(projectID), s.ttl)
	pipe.PExpire(ctx, BuildSessionsKey(projectID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.ErrStoreError.Wrap(err)
	}
	return nil
}

// Ping 检查 Redis 连接
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 关闭连接
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// ============== 结果解析 ==============

func (s *RedisStore) decodeLocks(projectID string, all map[string]string) proto.LockTable {
	table := make(proto.LockTable, len(all))
	for sectionID, raw := range all {
		var lock proto.SectionLock
		if err := json.Unmarshal([]byte(raw), &lock); err != nil {
			s.logger.Warn("Invalid lock entry skipped", "project_id", projectID, "section_id", sectionID, "error", err)
			continue
		}
		table[sectionID] = lock
	}
	return table
}

func (s *RedisStore) decodeMembers(projectID string, all map[string]string) proto.PresenceSnapshot {
	members := make(proto.PresenceSnapshot, len(all))
	for sessionID, raw := range all {
		var user proto.ActiveUser
		if err := json.Unmarshal([]byte(raw), &user); err != nil {
			s.logger.Warn("Invalid member entry skipped", "project_id", projectID, "session_id", sessionID, "error", err)
			continue
		}
		members[sessionID] = user
	}
	return members
}

// pairs 把 HGETALL 的扁平结果转为 map
func pairs(flat []any) map[string]string {
	out := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		out[asString(flat[i])] = asString(flat[i+1])
	}
	return out
}

func asInt(v any) int64 {
	n, _ := v.(int64)
	return n
}

func asString(v any) string {
	str, _ := v.(string)
	return str
}

func unexpected(res []any) error {
	return apperrors.ErrStoreError.Wrap(fmt.Errorf("unexpected script result %v", res))
}
