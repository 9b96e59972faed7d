package firestore

import (
	"context"
	"sort"

	gcfs "cloud.google.com/go/firestore"

	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/store"
)

// CreateCall 创建通话文档
func (s *Store) CreateCall(ctx context.Context, call *model.CallSession) error {
	c := call.Clone().Normalize()
	_, err := s.calls().Doc(c.ID).Create(ctx, callDocFrom(c))
	return mapError(err)
}

// GetCall 获取通话文档
func (s *Store) GetCall(ctx context.Context, callID string) (*model.CallSession, error) {
	snap, err := s.calls().Doc(callID).Get(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return decodeCall(snap)
}

func decodeCall(snap *gcfs.DocumentSnapshot) (*model.CallSession, error) {
	var doc callDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, err
	}
	return doc.toModel(snap.Ref.ID), nil
}

// SetAnswer 写入应答 SDP
func (s *Store) SetAnswer(ctx context.Context, callID, answer string) error {
	_, err := s.calls().Doc(callID).Update(ctx, []gcfs.Update{{Path: "answer", Value: answer}})
	return mapError(err)
}

// AppendCandidate 以 arrayUnion 追加候选
func (s *Store) AppendCandidate(ctx context.Context, callID string, cand model.Candidate) error {
	_, err := s.calls().Doc(callID).Update(ctx, []gcfs.Update{{
		Path: "iceCandidates",
		Value: gcfs.ArrayUnion(map[string]interface{}{
			"candidate": cand.Candidate,
			"userId":    cand.UserID,
		}),
	}})
	return mapError(err)
}

// AdvanceStatus 事务内比较状态序号，只向前推进
func (s *Store) AdvanceStatus(ctx context.Context, callID string, next model.CallStatus) (bool, error) {
	ref := s.calls().Doc(callID)
	advanced := false
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *gcfs.Transaction) error {
		advanced = false
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		current, err := snap.DataAt("status")
		if err != nil {
			return err
		}
		cur, _ := current.(string)
		if !model.CallStatus(cur).CanAdvanceTo(next) {
			return nil
		}
		advanced = true
		return tx.Update(ref, []gcfs.Update{{Path: "status", Value: string(next)}})
	})
	if err != nil {
		return false, mapError(err)
	}
	return advanced, nil
}

// WatchCall 订阅通话文档
func (s *Store) WatchCall(ctx context.Context, callID string, fn func(*model.CallSession, error)) (store.Subscription, error) {
	return s.watchDoc(ctx, s.calls().Doc(callID), func(snap *gcfs.DocumentSnapshot) {
		if !snap.Exists() {
			return
		}
		call, err := decodeCall(snap)
		if err != nil {
			s.logger.Warn("Malformed call document", "callId", callID, "error", err)
			return
		}
		fn(call, nil)
	}, func(err error) { fn(nil, err) }), nil
}

// WatchIncoming 订阅 calleeId == uid 且 status == ringing 的通话
func (s *Store) WatchIncoming(ctx context.Context, uid string, fn func([]*model.CallSession, error)) (store.Subscription, error) {
	q := s.calls().
		Where("calleeId", "==", uid).
		Where("status", "==", string(model.CallRinging))
	return s.watchQuery(ctx, q, func(docs []*gcfs.DocumentSnapshot) {
		out := make([]*model.CallSession, 0, len(docs))
		for _, snap := range docs {
			call, err := decodeCall(snap)
			if err != nil {
				continue
			}
			out = append(out, call)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
		fn(out, nil)
	}, func(err error) { fn(nil, err) }), nil
}

// ============== Admins ==============

// IsAdmin admins/{uid} 文档存在即为管理员
func (s *Store) IsAdmin(ctx context.Context, uid string) (bool, error) {
	_, err := s.client.Collection(colAdmins).Doc(uid).Get(ctx)
	if err != nil {
		if mapError(err) == store.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SetAdmin 设置/取消管理员
func (s *Store) SetAdmin(ctx context.Context, uid string, admin bool) error {
	ref := s.client.Collection(colAdmins).Doc(uid)
	if !admin {
		_, err := ref.Delete(ctx)
		return mapError(err)
	}
	_, err := ref.Set(ctx, map[string]interface{}{
		"uid":       uid,
		"createdAt": gcfs.ServerTimestamp,
	})
	return mapError(err)
}
