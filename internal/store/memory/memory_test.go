package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/store"
)

func seedDirect(t *testing.T, s *Store) *model.Chat {
	t.Helper()
	ctx := context.Background()
	for _, uid := range []string{"a1", "b1"} {
		_, err := s.EnsureUser(ctx, &model.User{UID: uid})
		require.NoError(t, err)
	}
	chat := model.NewDirectChat("a1", "b1")
	require.NoError(t, s.CreateChat(ctx, chat))
	return chat
}

func TestSendMessage_AppliesAllOrNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	chat := seedDirect(t, s)

	s.InjectFault("SendMessage", errors.New("batch aborted"))
	_, err := s.SendMessage(ctx, &model.Message{ChatID: chat.ID, SenderID: "a1", Text: "hello"})
	require.Error(t, err)

	msgs, err := s.RecentMessages(ctx, chat.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "no orphan message after failed batch")

	after, err := s.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Nil(t, after.LastMessage, "no orphan preview after failed batch")
	assert.Equal(t, map[string]int{"a1": 0, "b1": 0}, after.UnreadCounts)

	sent, err := s.SendMessage(ctx, &model.Message{ChatID: chat.ID, SenderID: "a1", Text: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, sent.ID)
	assert.False(t, sent.CreatedAt.IsZero())

	after, _ = s.GetChat(ctx, chat.ID)
	require.NotNil(t, after.LastMessage)
	assert.Equal(t, "hello", after.LastMessage.Text)
	assert.Equal(t, map[string]int{"a1": 0, "b1": 1}, after.UnreadCounts)
}

func TestSendMessage_RejectsNonParticipant(t *testing.T) {
	s := New()
	chat := seedDirect(t, s)

	_, err := s.SendMessage(context.Background(), &model.Message{ChatID: chat.ID, SenderID: "z9", Text: "x"})
	assert.ErrorIs(t, err, store.ErrNotMember)

	_, err = s.SendMessage(context.Background(), &model.Message{ChatID: "missing", SenderID: "a1", Text: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSendMessage_ServerTimestampsMonotonic(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s := New(WithClock(func() time.Time { return fixed }))
	ctx := context.Background()
	chat := seedDirect(t, s)

	first, err := s.SendMessage(ctx, &model.Message{ChatID: chat.ID, SenderID: "a1", Text: "1"})
	require.NoError(t, err)
	second, err := s.SendMessage(ctx, &model.Message{ChatID: chat.ID, SenderID: "b1", Text: "2"})
	require.NoError(t, err)

	assert.True(t, second.CreatedAt.After(first.CreatedAt))
	msgs, _ := s.RecentMessages(ctx, chat.ID, 0)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.Equal(t, second.ID, msgs[1].ID)
}

func TestCreateChat_AlreadyExists(t *testing.T) {
	s := New()
	chat := seedDirect(t, s)

	err := s.CreateChat(context.Background(), model.NewDirectChat("b1", "a1"))
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	found, err := s.FindDirectChat(context.Background(), "b1", "a1")
	require.NoError(t, err)
	assert.Equal(t, chat.ID, found.ID)
}

func TestSoftDelete_OnlySender(t *testing.T) {
	s := New()
	ctx := context.Background()
	chat := seedDirect(t, s)
	msg, err := s.SendMessage(ctx, &model.Message{ChatID: chat.ID, SenderID: "a1", Text: "oops", ImageURL: "img"})
	require.NoError(t, err)

	err = s.SoftDeleteMessage(ctx, chat.ID, msg.ID, "b1")
	assert.ErrorIs(t, err, store.ErrForbidden)
	unchanged, _ := s.GetMessage(ctx, chat.ID, msg.ID)
	assert.Equal(t, "oops", unchanged.Text)
	assert.Equal(t, "img", unchanged.ImageURL)
	assert.False(t, unchanged.Deleted)

	require.NoError(t, s.SoftDeleteMessage(ctx, chat.ID, msg.ID, "a1"))
	deleted, _ := s.GetMessage(ctx, chat.ID, msg.ID)
	assert.True(t, deleted.Deleted)
	assert.Empty(t, deleted.Text)
	assert.Empty(t, deleted.ImageURL)
}

func TestSetParticipants_KeepsUnreadInSync(t *testing.T) {
	s := New()
	ctx := context.Background()
	group := (&model.Chat{ID: "g1", IsGroup: true, Participants: []string{"a1", "b1", "c1"}}).Normalize()
	require.NoError(t, s.CreateChat(ctx, group))
	_, err := s.SendMessage(ctx, &model.Message{ChatID: "g1", SenderID: "a1", Text: "hi"})
	require.NoError(t, err)

	require.NoError(t, s.SetParticipants(ctx, "g1", []string{"a1", "b1", "d1"}))

	after, _ := s.GetChat(ctx, "g1")
	assert.Equal(t, []string{"a1", "b1", "d1"}, after.Participants)
	assert.Equal(t, map[string]int{"a1": 0, "b1": 1, "d1": 0}, after.UnreadCounts)
}

func TestAdvanceStatus_ForwardOnly(t *testing.T) {
	s := New()
	ctx := context.Background()
	call := &model.CallSession{ID: "call-1", ChatID: "c", CallerID: "a1", CalleeID: "b1", Offer: "sdp"}
	require.NoError(t, s.CreateCall(ctx, call))

	changed, err := s.AdvanceStatus(ctx, "call-1", model.CallEnded)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.AdvanceStatus(ctx, "call-1", model.CallActive)
	require.NoError(t, err)
	assert.False(t, changed)

	got, _ := s.GetCall(ctx, "call-1")
	assert.Equal(t, model.CallEnded, got.Status)
}

func TestAppendCandidate_Accumulates(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateCall(ctx, &model.CallSession{ID: "k", CallerID: "a1", CalleeID: "b1"}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uid := "a1"
			if i%2 == 1 {
				uid = "b1"
			}
			_ = s.AppendCandidate(ctx, "k", model.Candidate{Candidate: string(rune('a' + i)), UserID: uid})
		}(i)
	}
	wg.Wait()

	got, _ := s.GetCall(ctx, "k")
	assert.Len(t, got.Candidates, 20)
	assert.Len(t, got.CandidatesFrom("a1"), 10)
}

func TestWatchMessages_DeliversFullSnapshots(t *testing.T) {
	s := New()
	ctx := context.Background()
	chat := seedDirect(t, s)

	snapshots := make(chan []*model.Message, 16)
	sub, err := s.WatchMessages(ctx, chat.ID, func(msgs []*model.Message, err error) {
		if err == nil {
			snapshots <- msgs
		}
	})
	require.NoError(t, err)
	defer sub.Close()

	initial := <-snapshots
	assert.Empty(t, initial)

	_, err = s.SendMessage(ctx, &model.Message{ChatID: chat.ID, SenderID: "a1", Text: "1"})
	require.NoError(t, err)
	_, err = s.SendMessage(ctx, &model.Message{ChatID: chat.ID, SenderID: "b1", Text: "2"})
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msgs := <-snapshots:
			if len(msgs) == 2 {
				assert.Equal(t, "1", msgs[0].Text)
				assert.Equal(t, "2", msgs[1].Text)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot with two messages")
		}
	}
}

func TestWatch_CloseIsIdempotentAndBreakDeliversError(t *testing.T) {
	s := New()
	ctx := context.Background()

	errs := make(chan error, 1)
	sub, err := s.WatchChatsFor(ctx, "a1", func(_ []*model.Chat, err error) {
		if err != nil {
			errs <- err
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 1, s.ActiveSubscriptions())

	s.BreakSubscriptions(errors.New("connection lost"))
	select {
	case err := <-errs:
		assert.EqualError(t, err, "connection lost")
	case <-time.After(2 * time.Second):
		t.Fatal("expected subscription error")
	}

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, s.ActiveSubscriptions())
}

func TestWatchIncoming_OnlyRinging(t *testing.T) {
	s := New()
	ctx := context.Background()

	updates := make(chan []*model.CallSession, 16)
	sub, err := s.WatchIncoming(ctx, "b1", func(calls []*model.CallSession, err error) {
		if err == nil {
			updates <- calls
		}
	})
	require.NoError(t, err)
	defer sub.Close()
	<-updates

	require.NoError(t, s.CreateCall(ctx, &model.CallSession{ID: "k", CallerID: "a1", CalleeID: "b1"}))
	waitFor(t, updates, func(calls []*model.CallSession) bool { return len(calls) == 1 })

	_, err = s.AdvanceStatus(ctx, "k", model.CallActive)
	require.NoError(t, err)
	waitFor(t, updates, func(calls []*model.CallSession) bool { return len(calls) == 0 })
}

func TestListMembership_Parity(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.EnsureUser(ctx, &model.User{UID: "a1"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		u, _ := s.GetUser(ctx, "a1")
		require.NoError(t, s.SetListMembership(ctx, "a1", model.ListPinned, "c1", !u.IsPinned("c1")))
	}

	u, _ := s.GetUser(ctx, "a1")
	assert.True(t, u.IsPinned("c1"), "odd number of toggles leaves chat pinned")
}

func TestSetPresence(t *testing.T) {
	now := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()
	_, err := s.EnsureUser(ctx, &model.User{UID: "a1"})
	require.NoError(t, err)

	require.NoError(t, s.SetPresence(ctx, "a1", true))
	u, _ := s.GetUser(ctx, "a1")
	assert.True(t, u.Online)
	assert.Nil(t, u.LastSeen)

	require.NoError(t, s.SetPresence(ctx, "a1", false))
	u, _ = s.GetUser(ctx, "a1")
	assert.False(t, u.Online)
	require.NotNil(t, u.LastSeen)
	assert.True(t, u.LastSeen.Equal(now))
}

func waitFor[T any](t *testing.T, ch <-chan T, ok func(T) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-ch:
			if ok(v) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for expected snapshot")
		}
	}
}
