package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageStream_OpenResetsUnreadAndMarksSeen(t *testing.T) {
	env := newTestEnv(t, "a1", "b1")
	ctx := context.Background()
	chat, _ := env.chats.GetOrCreateDirect(ctx, "a1", "b1")
	sent, err := env.chats.SendMessage(ctx, chat.ID, "a1", "hi", nil)
	require.NoError(t, err)

	before, _ := env.store.GetChat(ctx, chat.ID)
	require.Equal(t, map[string]int{"a1": 0, "b1": 1}, before.UnreadCounts)

	rec := &recorder[MessageList]{}
	stream := NewMessageStream(env.store, env.pool, "b1", MessageStreamConfig{Retry: fastPolicy()}, rec.set)
	require.NoError(t, stream.Open(ctx, chat.ID))
	defer stream.Close()

	require.Eventually(t, func() bool {
		c, _ := env.store.GetChat(ctx, chat.ID)
		return c.Unread("b1") == 0
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		m, _ := env.store.GetMessage(ctx, chat.ID, sent.ID)
		return m.SeenByUser("b1")
	}, waitFor, tick)

	assert.Eventually(t, func() bool {
		l := rec.get()
		return len(l.Messages) == 1 && !l.Messages[0].Mine && l.Messages[0].Text == "hi"
	}, waitFor, tick)
}

func TestMessageStream_SenderSeesReadReceipt(t *testing.T) {
	env := newTestEnv(t, "a1", "b1")
	ctx := context.Background()
	chat, _ := env.chats.GetOrCreateDirect(ctx, "a1", "b1")
	_, err := env.chats.SendMessage(ctx, chat.ID, "a1", "ping", nil)
	require.NoError(t, err)

	rec := &recorder[MessageList]{}
	sender := NewMessageStream(env.store, env.pool, "a1", MessageStreamConfig{Retry: fastPolicy()}, rec.set)
	require.NoError(t, sender.Open(ctx, chat.ID))
	defer sender.Close()

	require.Eventually(t, func() bool {
		l := rec.get()
		return len(l.Messages) == 1 && l.Messages[0].Mine && !l.Messages[0].SeenByOthers
	}, waitFor, tick)

	reader := NewMessageStream(env.store, env.pool, "b1", MessageStreamConfig{Retry: fastPolicy()}, nil)
	require.NoError(t, reader.Open(ctx, chat.ID))
	defer reader.Close()

	assert.Eventually(t, func() bool {
		l := rec.get()
		return len(l.Messages) == 1 && l.Messages[0].SeenByOthers
	}, waitFor, tick)
}

func TestMessageStream_SwitchingChatsDoesNotCrossWrite(t *testing.T) {
	env := newTestEnv(t, "a1", "b1", "c1")
	ctx := context.Background()
	first, _ := env.chats.GetOrCreateDirect(ctx, "a1", "b1")
	second, _ := env.chats.GetOrCreateDirect(ctx, "a1", "c1")
	fromB, err := env.chats.SendMessage(ctx, first.ID, "b1", "from b", nil)
	require.NoError(t, err)

	rec := &recorder[MessageList]{}
	stream := NewMessageStream(env.store, env.pool, "a1", MessageStreamConfig{Retry: fastPolicy()}, rec.set)
	require.NoError(t, stream.Open(ctx, first.ID))
	require.Eventually(t, func() bool {
		c, _ := env.store.GetChat(ctx, first.ID)
		m, _ := env.store.GetMessage(ctx, first.ID, fromB.ID)
		return c.Unread("a1") == 0 && m.SeenByUser("a1")
	}, waitFor, tick)

	require.NoError(t, stream.Open(ctx, second.ID))
	defer stream.Close()
	assert.Equal(t, second.ID, stream.ChatID())

	// 旧会话的新消息不能被当前视图标记已读
	_, err = env.chats.SendMessage(ctx, first.ID, "b1", "while away", nil)
	require.NoError(t, err)
	_, err = env.chats.SendMessage(ctx, second.ID, "c1", "hello", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		l := rec.get()
		return l.ChatID == second.ID && len(l.Messages) == 1
	}, waitFor, tick)

	c, _ := env.store.GetChat(ctx, first.ID)
	assert.Equal(t, 1, c.Unread("a1"))
	for _, m := range rec.get().Messages {
		assert.Equal(t, second.ID, m.ChatID)
	}
	assert.Equal(t, 1, env.store.ActiveSubscriptions())
}

func TestMessageStream_ResubscribesAfterLoss(t *testing.T) {
	env := newTestEnv(t, "a1", "b1")
	ctx := context.Background()
	chat, _ := env.chats.GetOrCreateDirect(ctx, "a1", "b1")

	rec := &recorder[MessageList]{}
	stream := NewMessageStream(env.store, env.pool, "a1", MessageStreamConfig{Retry: fastPolicy()}, rec.set)
	require.NoError(t, stream.Open(ctx, chat.ID))
	defer stream.Close()
	require.Eventually(t, func() bool { return env.store.ActiveSubscriptions() == 1 }, waitFor, tick)

	env.store.BreakSubscriptions(errors.New("connection reset"))
	require.Eventually(t, func() bool { return env.store.ActiveSubscriptions() == 1 }, waitFor, tick)

	_, err := env.chats.SendMessage(ctx, chat.ID, "b1", "after reconnect", nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		l := rec.get()
		return !l.Stale && len(l.Messages) == 1
	}, waitFor, tick)
}

func TestMessageStream_CloseIsIdempotent(t *testing.T) {
	env := newTestEnv(t, "a1", "b1")
	ctx := context.Background()
	chat, _ := env.chats.GetOrCreateDirect(ctx, "a1", "b1")

	stream := NewMessageStream(env.store, env.pool, "a1", MessageStreamConfig{}, nil)
	require.NoError(t, stream.Open(ctx, chat.ID))
	stream.Close()
	stream.Close()

	assert.Equal(t, "", stream.ChatID())
	assert.Equal(t, 0, env.store.ActiveSubscriptions())
}
