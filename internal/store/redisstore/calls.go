package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/redis/go-redis/v9"

	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/store"
	sharedNats "sudooom.im.client/shared/nats"
	sharedRedis "sudooom.im.client/shared/redis"
)

// appendCandidateScript 按值去重追加候选
var appendCandidateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.error_reply('NOTFOUND')
end
if redis.call('LPOS', KEYS[2], ARGV[1]) then
	return 0
end
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// advanceStatusScript 状态只能沿 ringing -> active -> ended 前进
// 离开 ringing 时从被叫的来电集合中移除
var advanceStatusScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
	return redis.error_reply('NOTFOUND')
end
local rank = {ringing = 1, active = 2, ended = 3}
local from = rank[cur] or 0
local to = rank[ARGV[1]] or 0
if to <= from then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
if to > 1 then
	redis.call('SREM', KEYS[2], ARGV[2])
end
return 1
`)

// CreateCall 创建通话文档，振铃中的通话进入被叫的来电集合
func (s *Store) CreateCall(ctx context.Context, call *model.CallSession) error {
	c := call.Clone().Normalize()
	key := sharedRedis.BuildCallKey(c.ID)

	err := s.withRetry(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return store.ErrAlreadyExists
		}
		if c.CreatedAt.IsZero() {
			t, err := tx.Time(ctx).Result()
			if err != nil {
				return err
			}
			c.CreatedAt = t
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]any{
				"chatId":    c.ChatID,
				"callerId":  c.CallerID,
				"calleeId":  c.CalleeID,
				"type":      string(c.Type),
				"offer":     c.Offer,
				"answer":    c.Answer,
				"status":    string(c.Status),
				"createdAt": formatMillis(&c.CreatedAt),
			})
			for _, cand := range c.Candidates {
				pipe.RPush(ctx, sharedRedis.BuildCallCandidatesKey(c.ID), encodeCandidate(cand))
			}
			if c.Status == model.CallRinging {
				pipe.SAdd(ctx, sharedRedis.BuildUserIncomingKey(c.CalleeID), c.ID)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return err
	}

	s.publish(ctx, sharedNats.BuildCallSubject(c.ID), sharedNats.BuildIncomingSubject(c.CalleeID))
	return nil
}

// GetCall 获取通话文档
func (s *Store) GetCall(ctx context.Context, callID string) (*model.CallSession, error) {
	calls, err := s.loadCalls(ctx, []string{callID})
	if err != nil {
		return nil, err
	}
	if len(calls) == 0 {
		return nil, store.ErrNotFound
	}
	return calls[0], nil
}

func (s *Store) loadCalls(ctx context.Context, ids []string) ([]*model.CallSession, error) {
	if len(ids) == 0 {
		return []*model.CallSession{}, nil
	}
	pipe := s.rdb.Pipeline()
	docs := make([]*redis.MapStringStringCmd, len(ids))
	cands := make([]*redis.StringSliceCmd, len(ids))
	for i, id := range ids {
		docs[i] = pipe.HGetAll(ctx, sharedRedis.BuildCallKey(id))
		cands[i] = pipe.LRange(ctx, sharedRedis.BuildCallCandidatesKey(id), 0, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]*model.CallSession, 0, len(ids))
	for i, id := range ids {
		fields := docs[i].Val()
		if len(fields) == 0 {
			continue
		}
		c := &model.CallSession{
			ID:        id,
			ChatID:    fields["chatId"],
			CallerID:  fields["callerId"],
			CalleeID:  fields["calleeId"],
			Type:      model.MediaType(fields["type"]),
			Offer:     fields["offer"],
			Answer:    fields["answer"],
			Status:    model.CallStatus(fields["status"]),
			CreatedAt: parseTime(fields["createdAt"]),
		}
		for _, raw := range cands[i].Val() {
			var cand model.Candidate
			if err := json.Unmarshal([]byte(raw), &cand); err != nil {
				s.logger.Warn("Skipping malformed candidate", "callId", id, "error", err)
				continue
			}
			c.Candidates = append(c.Candidates, cand)
		}
		out = append(out, c.Normalize())
	}
	return out, nil
}

func encodeCandidate(c model.Candidate) string {
	data, _ := json.Marshal(c)
	return string(data)
}

// SetAnswer 写入应答
func (s *Store) SetAnswer(ctx context.Context, callID, answer string) error {
	if err := s.hsetExisting(ctx, sharedRedis.BuildCallKey(callID), map[string]any{"answer": answer}); err != nil {
		return err
	}
	s.publish(ctx, sharedNats.BuildCallSubject(callID))
	return nil
}

// AppendCandidate 追加 ICE 候选
func (s *Store) AppendCandidate(ctx context.Context, callID string, cand model.Candidate) error {
	keys := []string{sharedRedis.BuildCallKey(callID), sharedRedis.BuildCallCandidatesKey(callID)}
	added, err := appendCandidateScript.Run(ctx, s.rdb, keys, encodeCandidate(cand)).Int()
	if err = scriptError(err); err != nil {
		return err
	}
	if added == 1 {
		s.publish(ctx, sharedNats.BuildCallSubject(callID))
	}
	return nil
}

// AdvanceStatus 单调推进通话状态
func (s *Store) AdvanceStatus(ctx context.Context, callID string, status model.CallStatus) (bool, error) {
	key := sharedRedis.BuildCallKey(callID)
	callee, err := s.rdb.HGet(ctx, key, "calleeId").Result()
	if errors.Is(err, redis.Nil) {
		return false, store.ErrNotFound
	}
	if err != nil {
		return false, err
	}

	keys := []string{key, sharedRedis.BuildUserIncomingKey(callee)}
	changed, err := advanceStatusScript.Run(ctx, s.rdb, keys, string(status), callID).Int()
	if err = scriptError(err); err != nil {
		return false, err
	}
	if changed == 0 {
		return false, nil
	}
	s.publish(ctx, sharedNats.BuildCallSubject(callID), sharedNats.BuildIncomingSubject(callee))
	return true, nil
}

// WatchCall 订阅通话文档，文档不存在时不回调
func (s *Store) WatchCall(ctx context.Context, callID string, fn func(*model.CallSession, error)) (store.Subscription, error) {
	return s.watch(ctx, sharedNats.BuildCallSubject(callID), func(ctx context.Context) error {
		c, err := s.GetCall(ctx, callID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		fn(c, nil)
		return nil
	}, func(err error) { fn(nil, err) })
}

// WatchIncoming 订阅振铃中的来电
func (s *Store) WatchIncoming(ctx context.Context, uid string, fn func([]*model.CallSession, error)) (store.Subscription, error) {
	return s.watch(ctx, sharedNats.BuildIncomingSubject(uid), func(ctx context.Context) error {
		calls, err := s.incomingFor(ctx, uid)
		if err != nil {
			return err
		}
		fn(calls, nil)
		return nil
	}, func(err error) { fn(nil, err) })
}

func (s *Store) incomingFor(ctx context.Context, uid string) ([]*model.CallSession, error) {
	ids, err := s.rdb.SMembers(ctx, sharedRedis.BuildUserIncomingKey(uid)).Result()
	if err != nil {
		return nil, err
	}
	calls, err := s.loadCalls(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := calls[:0]
	for _, c := range calls {
		if c.CalleeID == uid && c.Status == model.CallRinging {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// IsAdmin 是否为管理员
func (s *Store) IsAdmin(ctx context.Context, uid string) (bool, error) {
	return s.rdb.SIsMember(ctx, sharedRedis.AdminsKey, uid).Result()
}

// SetAdmin 设置/取消管理员
func (s *Store) SetAdmin(ctx context.Context, uid string, admin bool) error {
	if admin {
		return s.rdb.SAdd(ctx, sharedRedis.AdminsKey, uid).Err()
	}
	return s.rdb.SRem(ctx, sharedRedis.AdminsKey, uid).Err()
}
