package redisstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/store"
	sharedRedis "sudooom.im.client/shared/redis"
)

func getTestRedisClient(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // 使用测试专用数据库
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("跳过测试：无法连接 Redis: %v", err)
	}

	// 清理测试数据库
	client.FlushDB(ctx)

	return client
}

func newTestStore(t *testing.T) (*Store, *redis.Client) {
	client := getTestRedisClient(t)
	s, err := New(client, NewLocalFeed(), 1)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		client.Close()
	})
	return s, client
}

func seedDirectChat(t *testing.T, s *Store, a, b string) *model.Chat {
	ctx := context.Background()
	for _, uid := range []string{a, b} {
		if _, err := s.EnsureUser(ctx, &model.User{UID: uid, Name: uid}); err != nil {
			t.Fatalf("EnsureUser failed: %v", err)
		}
	}
	chat := model.NewDirectChat(a, b)
	if err := s.CreateChat(ctx, chat); err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}
	return chat
}

func TestStore_SendMessageUpdatesPreviewAndUnread(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	chat := seedDirectChat(t, s, "alice", "bob")

	msg, err := s.SendMessage(ctx, &model.Message{ChatID: chat.ID, SenderID: "alice", Text: "hi"})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if msg.ID == "" || msg.CreatedAt.IsZero() {
		t.Fatalf("expected server id and timestamp, got %+v", msg)
	}

	got, err := s.GetChat(ctx, chat.ID)
	if err != nil {
		t.Fatalf("GetChat failed: %v", err)
	}
	if got.LastMessage == nil || got.LastMessage.Text != "hi" || got.LastMessage.SenderID != "alice" {
		t.Errorf("unexpected preview: %+v", got.LastMessage)
	}
	if got.Unread("bob") != 1 || got.Unread("alice") != 0 {
		t.Errorf("unexpected unread counts: %v", got.UnreadCounts)
	}
}

func TestStore_SendMessageImagePreview(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	chat := seedDirectChat(t, s, "alice", "bob")

	if _, err := s.SendMessage(ctx, &model.Message{ChatID: chat.ID, SenderID: "bob", ImageURL: "https://img/x.png"}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	got, _ := s.GetChat(ctx, chat.ID)
	if got.LastMessage == nil || got.LastMessage.Text != model.ImagePreview {
		t.Errorf("expected image preview, got %+v", got.LastMessage)
	}
}

func TestStore_SendMessageRejectsNonParticipant(t *testing.T) {
	s, client := newTestStore(t)
	ctx := context.Background()
	chat := seedDirectChat(t, s, "alice", "bob")

	_, err := s.SendMessage(ctx, &model.Message{ChatID: chat.ID, SenderID: "mallory", Text: "x"})
	if !errors.Is(err, store.ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
	n, _ := client.ZCard(ctx, sharedRedis.BuildChatMessagesKey(chat.ID)).Result()
	if n != 0 {
		t.Errorf("rejected send must not write, found %d messages", n)
	}

	_, err = s.SendMessage(ctx, &model.Message{ChatID: "missing", SenderID: "alice", Text: "x"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_TimestampsMonotonicPerChat(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	chat := seedDirectChat(t, s, "alice", "bob")

	var last time.Time
	for i := 0; i < 20; i++ {
		msg, err := s.SendMessage(ctx, &model.Message{ChatID: chat.ID, SenderID: "alice", Text: "m"})
		if err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
		if !msg.CreatedAt.After(last) {
			t.Fatalf("timestamp %v not after %v", msg.CreatedAt, last)
		}
		last = msg.CreatedAt
	}

	msgs, err := s.RecentMessages(ctx, chat.ID, 5)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(msgs) != 5 || !msgs[4].CreatedAt.Equal(last) {
		t.Errorf("expected newest 5 in ascending order, got %d", len(msgs))
	}
}

func TestStore_CreateChatAlreadyExists(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	chat := seedDirectChat(t, s, "alice", "bob")

	err := s.CreateChat(ctx, model.NewDirectChat("bob", "alice"))
	if !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	found, err := s.FindDirectChat(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("FindDirectChat failed: %v", err)
	}
	if found.ID != chat.ID {
		t.Errorf("expected %s, got %s", chat.ID, found.ID)
	}
}

func TestStore_SoftDeleteOnlyBySender(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	chat := seedDirectChat(t, s, "alice", "bob")
	msg, _ := s.SendMessage(ctx, &model.Message{ChatID: chat.ID, SenderID: "alice", Text: "secret"})

	if err := s.SoftDeleteMessage(ctx, chat.ID, msg.ID, "bob"); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := s.SoftDeleteMessage(ctx, chat.ID, msg.ID, "alice"); err != nil {
		t.Fatalf("SoftDeleteMessage failed: %v", err)
	}
	got, _ := s.GetMessage(ctx, chat.ID, msg.ID)
	if !got.Deleted || got.Text != "" {
		t.Errorf("expected deleted message with empty text, got %+v", got)
	}
}

func TestStore_SetParticipantsKeepsUnreadInSync(t *testing.T) {
	s, client := newTestStore(t)
	ctx := context.Background()
	group := (&model.Chat{ID: "g1", IsGroup: true, Participants: []string{"a", "b", "c"}}).Normalize()
	if err := s.CreateChat(ctx, group); err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}
	if _, err := s.SendMessage(ctx, &model.Message{ChatID: "g1", SenderID: "a", Text: "x"}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if err := s.SetParticipants(ctx, "g1", []string{"a", "b", "d"}); err != nil {
		t.Fatalf("SetParticipants failed: %v", err)
	}
	got, _ := s.GetChat(ctx, "g1")
	if got.Unread("b") != 1 || got.Unread("d") != 0 {
		t.Errorf("unexpected unread counts: %v", got.UnreadCounts)
	}
	if _, ok := got.UnreadCounts["c"]; ok {
		t.Errorf("removed member still has unread entry")
	}
	isMember, _ := client.SIsMember(ctx, sharedRedis.BuildUserChatsKey("c"), "g1").Result()
	if isMember {
		t.Errorf("removed member still indexed")
	}
	if got.Name != model.DefaultGroupName {
		t.Errorf("expected default group name, got %q", got.Name)
	}
}

func TestStore_ResetUnreadAndMarkSeen(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	chat := seedDirectChat(t, s, "alice", "bob")
	m1, _ := s.SendMessage(ctx, &model.Message{ChatID: chat.ID, SenderID: "alice", Text: "1"})
	m2, _ := s.SendMessage(ctx, &model.Message{ChatID: chat.ID, SenderID: "alice", Text: "2"})

	if err := s.ResetUnread(ctx, chat.ID, "bob"); err != nil {
		t.Fatalf("ResetUnread failed: %v", err)
	}
	if err := s.ResetUnread(ctx, chat.ID, "mallory"); !errors.Is(err, store.ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
	if err := s.MarkSeen(ctx, chat.ID, []string{m1.ID, m2.ID, "missing"}, "bob"); err != nil {
		t.Fatalf("MarkSeen failed: %v", err)
	}

	got, _ := s.GetChat(ctx, chat.ID)
	if got.Unread("bob") != 0 {
		t.Errorf("expected unread reset, got %d", got.Unread("bob"))
	}
	msgs, _ := s.RecentMessages(ctx, chat.ID, 0)
	for _, m := range msgs {
		if !m.SeenByUser("bob") {
			t.Errorf("message %s not seen by bob", m.ID)
		}
	}
}

func TestStore_AdvanceStatusForwardOnly(t *testing.T) {
	s, client := newTestStore(t)
	ctx := context.Background()
	call := &model.CallSession{ID: "call-1", ChatID: "dm", CallerID: "alice", CalleeID: "bob", Type: model.MediaVoice, Offer: "sdp", Status: model.CallRinging}
	if err := s.CreateCall(ctx, call); err != nil {
		t.Fatalf("CreateCall failed: %v", err)
	}

	incoming, _ := s.incomingFor(ctx, "bob")
	if len(incoming) != 1 {
		t.Fatalf("expected 1 incoming call, got %d", len(incoming))
	}

	changed, err := s.AdvanceStatus(ctx, "call-1", model.CallEnded)
	if err != nil || !changed {
		t.Fatalf("expected ended transition, changed=%v err=%v", changed, err)
	}
	changed, err = s.AdvanceStatus(ctx, "call-1", model.CallActive)
	if err != nil || changed {
		t.Fatalf("backwards transition must be ignored, changed=%v err=%v", changed, err)
	}
	n, _ := client.SCard(ctx, sharedRedis.BuildUserIncomingKey("bob")).Result()
	if n != 0 {
		t.Errorf("ended call still in incoming set")
	}
	if _, err := s.AdvanceStatus(ctx, "missing", model.CallEnded); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_AppendCandidateConcurrent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	call := &model.CallSession{ID: "call-2", ChatID: "dm", CallerID: "alice", CalleeID: "bob", Type: model.MediaVideo, Status: model.CallRinging}
	if err := s.CreateCall(ctx, call); err != nil {
		t.Fatalf("CreateCall failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uid := "alice"
			if i%2 == 1 {
				uid = "bob"
			}
			cand := model.Candidate{Candidate: "candidate:" + string(rune('a'+i)), UserID: uid}
			if err := s.AppendCandidate(ctx, "call-2", cand); err != nil {
				t.Errorf("AppendCandidate failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := s.GetCall(ctx, "call-2")
	if len(got.Candidates) != 10 {
		t.Errorf("expected 10 candidates, got %d", len(got.Candidates))
	}
	if len(got.CandidatesFrom("bob")) != 5 {
		t.Errorf("expected 5 candidates from bob, got %d", len(got.CandidatesFrom("bob")))
	}
}

func TestStore_WatchDeliversSnapshots(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	chat := seedDirectChat(t, s, "alice", "bob")

	snapshots := make(chan []*model.Message, 16)
	sub, err := s.WatchMessages(ctx, chat.ID, func(msgs []*model.Message, err error) {
		if err != nil {
			return
		}
		snapshots <- msgs
	})
	if err != nil {
		t.Fatalf("WatchMessages failed: %v", err)
	}
	defer sub.Close()

	if _, err := s.SendMessage(ctx, &model.Message{ChatID: chat.ID, SenderID: "alice", Text: "hello"}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msgs := <-snapshots:
			if len(msgs) == 1 && msgs[0].Text == "hello" {
				sub.Close()
				sub.Close()
				if s.ActiveWatches() != 0 {
					t.Errorf("expected no active watches after close")
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

// lossyFeed 模拟断线：drop 期间的变更通知直接丢弃
type lossyFeed struct {
	*LocalFeed
	drop atomic.Bool
}

func (f *lossyFeed) Publish(ctx context.Context, subjects ...string) error {
	if f.drop.Load() {
		return nil
	}
	return f.LocalFeed.Publish(ctx, subjects...)
}

func TestStore_ResyncCatchesUpAfterLostNotifications(t *testing.T) {
	client := getTestRedisClient(t)
	feed := &lossyFeed{LocalFeed: NewLocalFeed()}
	s, err := New(client, feed, 1)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		client.Close()
	})
	ctx := context.Background()
	chat := seedDirectChat(t, s, "alice", "bob")

	snapshots := make(chan []*model.Message, 16)
	sub, err := s.WatchMessages(ctx, chat.ID, func(msgs []*model.Message, err error) {
		if err == nil {
			snapshots <- msgs
		}
	})
	if err != nil {
		t.Fatalf("WatchMessages failed: %v", err)
	}
	defer sub.Close()

	select {
	case msgs := <-snapshots:
		if len(msgs) != 0 {
			t.Fatalf("expected empty initial snapshot, got %d", len(msgs))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial snapshot")
	}

	feed.drop.Store(true)
	if _, err := s.SendMessage(ctx, &model.Message{ChatID: chat.ID, SenderID: "alice", Text: "missed"}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	select {
	case msgs := <-snapshots:
		t.Fatalf("unexpected snapshot while notifications dropped: %d messages", len(msgs))
	case <-time.After(200 * time.Millisecond):
	}

	feed.drop.Store(false)
	s.Resync()

	select {
	case msgs := <-snapshots:
		if len(msgs) != 1 || msgs[0].Text != "missed" {
			t.Fatalf("expected resynced snapshot with the missed message, got %+v", msgs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resynced snapshot")
	}
}

func TestStore_PresenceUsesServerTime(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := s.EnsureUser(ctx, &model.User{UID: "alice"}); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}

	if err := s.SetPresence(ctx, "alice", false); err != nil {
		t.Fatalf("SetPresence failed: %v", err)
	}
	u, _ := s.GetUser(ctx, "alice")
	if u.Online || u.LastSeen == nil {
		t.Errorf("expected offline with lastSeen, got %+v", u)
	}
	if u.Name != model.DefaultUserName {
		t.Errorf("expected default name, got %q", u.Name)
	}

	if err := s.SetPresence(ctx, "alice", true); err != nil {
		t.Fatalf("SetPresence failed: %v", err)
	}
	u, _ = s.GetUser(ctx, "alice")
	if !u.Online || u.LastSeen != nil {
		t.Errorf("expected online without lastSeen, got %+v", u)
	}
	if err := s.SetPresence(ctx, "ghost", true); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_PinnedMembership(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.EnsureUser(ctx, &model.User{UID: "alice"})

	s.SetListMembership(ctx, "alice", model.ListPinned, "c1", true)
	s.SetListMembership(ctx, "alice", model.ListPinned, "c1", true)
	u, _ := s.GetUser(ctx, "alice")
	if len(u.PinnedChats) != 1 || !u.IsPinned("c1") {
		t.Fatalf("expected c1 pinned once, got %v", u.PinnedChats)
	}
	s.SetListMembership(ctx, "alice", model.ListPinned, "c1", false)
	u, _ = s.GetUser(ctx, "alice")
	if u.IsPinned("c1") {
		t.Errorf("expected c1 unpinned")
	}
}

func TestLocalFeed_SubscribeAndClose(t *testing.T) {
	feed := NewLocalFeed()
	count := 0
	sub, _ := feed.Subscribe("a", func() { count++ })
	feed.Publish(context.Background(), "a", "b")
	sub.Close()
	sub.Close()
	feed.Publish(context.Background(), "a")
	if count != 1 {
		t.Errorf("expected 1 notification, got %d", count)
	}
}
