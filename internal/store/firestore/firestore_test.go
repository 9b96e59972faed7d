package firestore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/store"
)

// 这些测试需要 Firestore 模拟器（FIRESTORE_EMULATOR_HOST），未设置时跳过

func newTestStore(t *testing.T) *Store {
	t.Helper()
	host := os.Getenv("FIRESTORE_EMULATOR_HOST")
	if host == "" {
		t.Skip("跳过测试：未设置 FIRESTORE_EMULATOR_HOST")
	}
	s, err := New(context.Background(), Config{ProjectID: "chatsync-test", EmulatorHost: host})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func uniqueUID(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, time.Now().UnixNano())
}

func TestFirestore_SendMessageUpdatesPreviewAndUnread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b := uniqueUID("a"), uniqueUID("b")

	for _, uid := range []string{a, b} {
		_, err := s.EnsureUser(ctx, &model.User{UID: uid})
		require.NoError(t, err)
	}
	chat := model.NewDirectChat(a, b)
	require.NoError(t, s.CreateChat(ctx, chat))
	assert.ErrorIs(t, s.CreateChat(ctx, model.NewDirectChat(b, a)), store.ErrAlreadyExists)

	sent, err := s.SendMessage(ctx, &model.Message{ChatID: chat.ID, SenderID: a, Text: "hello"})
	require.NoError(t, err)
	assert.False(t, sent.CreatedAt.IsZero())

	got, err := s.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "hello", got.LastMessage.Text)
	assert.Equal(t, 0, got.Unread(a))
	assert.Equal(t, 1, got.Unread(b))

	require.NoError(t, s.ResetUnread(ctx, chat.ID, b))
	got, _ = s.GetChat(ctx, chat.ID)
	assert.Equal(t, 0, got.Unread(b))
}

func TestFirestore_SoftDeleteRequiresSender(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b := uniqueUID("a"), uniqueUID("b")
	chat := model.NewDirectChat(a, b)
	require.NoError(t, s.CreateChat(ctx, chat))
	msg, err := s.SendMessage(ctx, &model.Message{ChatID: chat.ID, SenderID: a, Text: "x"})
	require.NoError(t, err)

	assert.ErrorIs(t, s.SoftDeleteMessage(ctx, chat.ID, msg.ID, b), store.ErrForbidden)
	require.NoError(t, s.SoftDeleteMessage(ctx, chat.ID, msg.ID, a))

	got, err := s.GetMessage(ctx, chat.ID, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Empty(t, got.Text)
}

func TestFirestore_CallStatusForwardOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uniqueUID("call-")
	require.NoError(t, s.CreateCall(ctx, &model.CallSession{ID: id, CallerID: "a", CalleeID: "b", Offer: "o"}))

	require.NoError(t, s.AppendCandidate(ctx, id, model.Candidate{Candidate: "c1", UserID: "a"}))
	require.NoError(t, s.AppendCandidate(ctx, id, model.Candidate{Candidate: "c2", UserID: "b"}))

	advanced, err := s.AdvanceStatus(ctx, id, model.CallEnded)
	require.NoError(t, err)
	assert.True(t, advanced)
	advanced, err = s.AdvanceStatus(ctx, id, model.CallActive)
	require.NoError(t, err)
	assert.False(t, advanced)

	got, err := s.GetCall(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CallEnded, got.Status)
	assert.Len(t, got.Candidates, 2)
}
