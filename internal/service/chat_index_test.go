package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/store"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// recorder 记录回调收到的最后一个快照
type recorder[T any] struct {
	mu    sync.Mutex
	last  T
	count int
}

func (r *recorder[T]) set(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = v
	r.count++
}

func (r *recorder[T]) get() T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func TestChatIndex_SortsAndResolvesPeers(t *testing.T) {
	env := newTestEnv(t, "a1", "b1", "c1")
	ctx := context.Background()

	older, _ := env.chats.GetOrCreateDirect(ctx, "a1", "b1")
	newer, _ := env.chats.GetOrCreateDirect(ctx, "a1", "c1")
	empty, _ := env.chats.CreateGroup(ctx, "c1", "book club", []string{"a1", "b1"}, nil)
	_, err := env.chats.SendMessage(ctx, older.ID, "b1", "first", nil)
	require.NoError(t, err)
	_, err = env.chats.SendMessage(ctx, newer.ID, "c1", "second", nil)
	require.NoError(t, err)

	rec := &recorder[ChatList]{}
	idx := NewChatIndex(env.store, "a1", fastPolicy(), rec.set)
	require.NoError(t, idx.Start(ctx))
	defer idx.Close()

	require.Eventually(t, func() bool {
		l := rec.get()
		return l.Ready && len(l.Entries) == 3 && l.Entries[0].Title == "name-c1" && l.Entries[1].Title == "name-b1"
	}, waitFor, tick)

	list := rec.get()
	assert.Equal(t, newer.ID, list.Entries[0].Chat.ID)
	assert.Equal(t, older.ID, list.Entries[1].Chat.ID)
	// 无消息的会话排在最后
	assert.Equal(t, empty.ID, list.Entries[2].Chat.ID)
	assert.Equal(t, "book club", list.Entries[2].Title)
	assert.Equal(t, "c1", list.Entries[0].PeerID)
	assert.Equal(t, 1, list.Entries[0].Unread)
	assert.Equal(t, 2, list.TotalUnread())
}

func TestChatIndex_PeerProfileChangesPropagate(t *testing.T) {
	env := newTestEnv(t, "a1", "b1")
	ctx := context.Background()
	_, _ = env.chats.GetOrCreateDirect(ctx, "a1", "b1")

	rec := &recorder[ChatList]{}
	idx := NewChatIndex(env.store, "a1", fastPolicy(), rec.set)
	require.NoError(t, idx.Start(ctx))
	defer idx.Close()

	require.Eventually(t, func() bool {
		l := rec.get()
		return len(l.Entries) == 1 && l.Entries[0].Title == "name-b1"
	}, waitFor, tick)

	name := "Bea"
	require.NoError(t, env.store.UpdateProfile(ctx, "b1", model.ProfileUpdate{Name: &name}))
	require.NoError(t, env.store.SetPresence(ctx, "b1", true))

	assert.Eventually(t, func() bool {
		l := rec.get()
		return len(l.Entries) == 1 && l.Entries[0].Title == "Bea" && l.Entries[0].Online
	}, waitFor, tick)
}

func TestChatIndex_PinnedAndArchivedSections(t *testing.T) {
	env := newTestEnv(t, "a1", "b1", "c1", "d1")
	ctx := context.Background()
	ab, _ := env.chats.GetOrCreateDirect(ctx, "a1", "b1")
	ac, _ := env.chats.GetOrCreateDirect(ctx, "a1", "c1")
	ad, _ := env.chats.GetOrCreateDirect(ctx, "a1", "d1")

	_, _ = env.chats.TogglePin(ctx, "a1", ab.ID)
	_, _ = env.chats.TogglePin(ctx, "a1", ac.ID)
	_, _ = env.chats.ToggleArchive(ctx, "a1", ac.ID)

	rec := &recorder[ChatList]{}
	idx := NewChatIndex(env.store, "a1", fastPolicy(), rec.set)
	require.NoError(t, idx.Start(ctx))
	defer idx.Close()

	require.Eventually(t, func() bool {
		l := rec.get()
		return len(l.Entries) == 3 && len(l.Pinned) == 2 && len(l.Archived) == 1
	}, waitFor, tick)

	pinned, active, archived := rec.get().Sections()
	require.Len(t, pinned, 1)
	require.Len(t, active, 1)
	require.Len(t, archived, 1)
	assert.Equal(t, ab.ID, pinned[0].Chat.ID)
	assert.Equal(t, ad.ID, active[0].Chat.ID)
	assert.Equal(t, ac.ID, archived[0].Chat.ID)
}

func TestChatIndex_StaleOnSubscriptionLoss(t *testing.T) {
	env := newTestEnv(t, "a1", "b1")
	ctx := context.Background()
	chat, _ := env.chats.GetOrCreateDirect(ctx, "a1", "b1")

	rec := &recorder[ChatList]{}
	var staleEntries atomic.Int32
	staleEntries.Store(-1)
	idx := NewChatIndex(env.store, "a1", fastPolicy(), func(l ChatList) {
		if l.Stale {
			staleEntries.Store(int32(len(l.Entries)))
		}
		rec.set(l)
	})
	require.NoError(t, idx.Start(ctx))
	defer idx.Close()

	require.Eventually(t, func() bool { return len(rec.get().Entries) == 1 }, waitFor, tick)

	env.store.BreakSubscriptions(errors.New("connection reset"))
	require.Eventually(t, func() bool { return staleEntries.Load() >= 0 }, waitFor, tick)
	assert.Equal(t, int32(1), staleEntries.Load(), "last known entries are kept while stale")

	// 重新订阅后恢复，并能看到新消息
	_, err := env.chats.SendMessage(ctx, chat.ID, "b1", "back online", nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		l := rec.get()
		return !l.Stale && len(l.Entries) == 1 && l.Entries[0].Unread == 1
	}, waitFor, tick)
}

// flakyPeerStore 可单独中断某个用户资料订阅，unavailable 期间拒绝重新订阅
type flakyPeerStore struct {
	IndexStore
	peer string

	mu          sync.Mutex
	unavailable bool
	deliver     func(*model.User, error)
}

func (s *flakyPeerStore) WatchUser(ctx context.Context, uid string, fn func(*model.User, error)) (store.Subscription, error) {
	if uid == s.peer {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.unavailable {
			return nil, errors.New("peer watch unavailable")
		}
		s.deliver = fn
	}
	return s.IndexStore.WatchUser(ctx, uid, fn)
}

func (s *flakyPeerStore) breakPeer(err error) {
	s.mu.Lock()
	s.unavailable = true
	deliver := s.deliver
	s.mu.Unlock()
	deliver(nil, err)
}

func (s *flakyPeerStore) restore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = false
}

func TestChatIndex_StaleWhilePeerSubscriptionLost(t *testing.T) {
	env := newTestEnv(t, "a1", "b1")
	ctx := context.Background()
	_, _ = env.chats.GetOrCreateDirect(ctx, "a1", "b1")

	flaky := &flakyPeerStore{IndexStore: env.store, peer: "b1"}
	rec := &recorder[ChatList]{}
	idx := NewChatIndex(flaky, "a1", fastPolicy(), rec.set)
	require.NoError(t, idx.Start(ctx))
	defer idx.Close()

	require.Eventually(t, func() bool {
		l := rec.get()
		return !l.Stale && len(l.Entries) == 1 && l.Entries[0].Title == "name-b1"
	}, waitFor, tick)

	flaky.breakPeer(errors.New("connection reset"))
	require.Eventually(t, func() bool { return rec.get().Stale }, waitFor, tick)
	// 重试失败期间保持过期标记，资料沿用中断前的内容
	time.Sleep(50 * time.Millisecond)
	list := idx.Snapshot()
	assert.True(t, list.Stale)
	require.Len(t, list.Entries, 1)
	assert.Equal(t, "name-b1", list.Entries[0].Title)

	flaky.restore()
	assert.Eventually(t, func() bool {
		l := rec.get()
		return !l.Stale && len(l.Entries) == 1 && l.Entries[0].Title == "name-b1"
	}, waitFor, tick)
}

func TestChatIndex_CloseReleasesSubscriptions(t *testing.T) {
	env := newTestEnv(t, "a1", "b1")
	ctx := context.Background()
	_, _ = env.chats.GetOrCreateDirect(ctx, "a1", "b1")

	rec := &recorder[ChatList]{}
	idx := NewChatIndex(env.store, "a1", fastPolicy(), rec.set)
	require.NoError(t, idx.Start(ctx))

	require.Eventually(t, func() bool { return env.store.ActiveSubscriptions() == 3 }, waitFor, tick)
	idx.Close()
	idx.Close()
	assert.Equal(t, 0, env.store.ActiveSubscriptions())
}
