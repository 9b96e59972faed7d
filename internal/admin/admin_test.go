package admin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.client/internal/blob"
	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/service"
	"sudooom.im.client/internal/store"
	"sudooom.im.client/internal/store/memory"
	sharedErrors "sudooom.im.client/shared/errors"
	"sudooom.im.client/shared/snowflake"
)

type adminEnv struct {
	store *memory.Store
	chats *service.ChatService
	admin *Service
}

// newAdminEnv 用户 root 为站点管理员
func newAdminEnv(t *testing.T, users ...string) *adminEnv {
	t.Helper()
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	for _, uid := range append([]string{"root"}, users...) {
		_, err := st.EnsureUser(ctx, &model.User{UID: uid, Name: "name-" + uid})
		require.NoError(t, err)
	}
	require.NoError(t, st.SetAdmin(ctx, "root", true))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	chats := service.NewChatService(st, blob.NewUploader(blob.NewMemoryStore(""), 1<<20), node)
	return &adminEnv{store: st, chats: chats, admin: NewService(st, chats)}
}

func (e *adminEnv) group(t *testing.T, creator string, members ...string) *model.Chat {
	t.Helper()
	chat, err := e.chats.CreateGroup(context.Background(), creator, "team", members, nil)
	require.NoError(t, err)
	return chat
}

func TestSiteAdminOnly(t *testing.T) {
	env := newAdminEnv(t, "a1", "b1")
	ctx := context.Background()

	tests := []struct {
		name string
		call func(actor string) error
	}{
		{"list users", func(actor string) error { _, err := env.admin.ListUsers(ctx, actor); return err }},
		{"list groups", func(actor string) error { _, err := env.admin.ListGroups(ctx, actor); return err }},
		{"set admin", func(actor string) error { return env.admin.SetAdmin(ctx, actor, "b1", true) }},
		{"delete user", func(actor string) error { return env.admin.DeleteUser(ctx, actor, "b1") }},
		{"create group", func(actor string) error {
			_, err := env.admin.CreateGroup(ctx, actor, "g", []string{"a1", "b1"}, nil)
			return err
		}},
		{"update user", func(actor string) error {
			name := "x"
			_, err := env.admin.UpdateUser(ctx, actor, "b1", model.ProfileUpdate{Name: &name})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, sharedErrors.Is(tt.call("a1"), sharedErrors.ErrNotAdmin))
		})
	}

	// 拒绝的操作不产生任何写入
	_, err := env.store.GetUser(ctx, "b1")
	require.NoError(t, err)
	isAdmin, err := env.store.IsAdmin(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, isAdmin)
}

func TestListAndUpdateUsers(t *testing.T) {
	env := newAdminEnv(t, "a1", "b1")
	ctx := context.Background()

	users, err := env.admin.ListUsers(ctx, "root")
	require.NoError(t, err)
	assert.Len(t, users, 3)

	name := "Bob"
	about := "hello"
	user, err := env.admin.UpdateUser(ctx, "root", "b1", model.ProfileUpdate{Name: &name, About: &about})
	require.NoError(t, err)
	assert.Equal(t, "Bob", user.Name)
	assert.Equal(t, "hello", user.About)

	_, err = env.admin.UpdateUser(ctx, "root", "b1", model.ProfileUpdate{})
	assert.True(t, sharedErrors.Is(err, sharedErrors.ErrInvalidParams))
	_, err = env.admin.UpdateUser(ctx, "root", "ghost", model.ProfileUpdate{Name: &name})
	assert.True(t, sharedErrors.Is(err, sharedErrors.ErrUserNotFound))
}

func TestSetAdmin(t *testing.T) {
	env := newAdminEnv(t, "a1")
	ctx := context.Background()

	require.NoError(t, env.admin.SetAdmin(ctx, "root", "a1", true))
	ok, err := env.admin.IsAdmin(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, ok)

	// 新管理员即可执行站点级操作
	_, err = env.admin.ListUsers(ctx, "a1")
	assert.NoError(t, err)

	require.NoError(t, env.admin.SetAdmin(ctx, "a1", "a1", false))
	ok, _ = env.admin.IsAdmin(ctx, "a1")
	assert.False(t, ok)

	assert.True(t, sharedErrors.Is(env.admin.SetAdmin(ctx, "root", "ghost", true), sharedErrors.ErrUserNotFound))
}

func TestDeleteUser(t *testing.T) {
	env := newAdminEnv(t, "a1", "b1", "c1")
	ctx := context.Background()

	direct, err := env.chats.GetOrCreateDirect(ctx, "a1", "b1")
	require.NoError(t, err)
	grp := env.group(t, "a1", "b1", "c1")
	_, err = env.chats.SendMessage(ctx, grp.ID, "b1", "hi", nil)
	require.NoError(t, err)
	require.NoError(t, env.store.SetAdmin(ctx, "a1", true))

	require.NoError(t, env.admin.DeleteUser(ctx, "root", "a1"))

	_, err = env.store.GetUser(ctx, "a1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	isAdmin, err := env.store.IsAdmin(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, isAdmin)

	// 单聊只剩一人但仍保留；群聊移除成员与未读计数，群主由剩余成员接任
	left, err := env.store.GetChat(ctx, direct.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, left.Participants)

	g, err := env.store.GetChat(ctx, grp.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b1", "c1"}, g.Participants)
	assert.NotContains(t, g.UnreadCounts, "a1")
	assert.Equal(t, 1, g.UnreadCounts["c1"])
	assert.Contains(t, []string{"b1", "c1"}, g.AdminID)

	chats, err := env.store.ChatsFor(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, chats)
}

func TestDeleteUser_RemovesEmptiedChats(t *testing.T) {
	env := newAdminEnv(t, "a1", "b1")
	ctx := context.Background()

	direct, err := env.chats.GetOrCreateDirect(ctx, "a1", "b1")
	require.NoError(t, err)
	require.NoError(t, env.admin.DeleteUser(ctx, "root", "b1"))
	require.NoError(t, env.admin.DeleteUser(ctx, "root", "a1"))

	_, err = env.store.GetChat(ctx, direct.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGroupAdminPermissions(t *testing.T) {
	env := newAdminEnv(t, "a1", "b1", "c1", "d1")
	ctx := context.Background()
	grp := env.group(t, "a1", "b1", "c1")

	name := "renamed"
	_, err := env.admin.UpdateGroup(ctx, "b1", grp.ID, model.GroupUpdate{Name: &name})
	assert.True(t, sharedErrors.Is(err, sharedErrors.ErrNotAdmin))
	_, err = env.admin.AddMember(ctx, "b1", grp.ID, "d1")
	assert.True(t, sharedErrors.Is(err, sharedErrors.ErrNotAdmin))
	assert.True(t, sharedErrors.Is(env.admin.RemoveMember(ctx, "b1", grp.ID, "c1"), sharedErrors.ErrNotAdmin))
	assert.True(t, sharedErrors.Is(env.admin.DeleteGroup(ctx, "b1", grp.ID), sharedErrors.ErrNotAdmin))

	// 群主
	updated, err := env.admin.UpdateGroup(ctx, "a1", grp.ID, model.GroupUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)

	// 站点管理员
	image := "https://img/1.png"
	updated, err = env.admin.UpdateGroup(ctx, "root", grp.ID, model.GroupUpdate{Image: &image})
	require.NoError(t, err)
	assert.Equal(t, image, updated.Image)
}

func TestMembership(t *testing.T) {
	env := newAdminEnv(t, "a1", "b1", "c1", "d1")
	ctx := context.Background()
	grp := env.group(t, "a1", "b1", "c1")
	_, err := env.chats.SendMessage(ctx, grp.ID, "a1", "hello", nil)
	require.NoError(t, err)

	chat, err := env.admin.AddMember(ctx, "a1", grp.ID, "d1")
	require.NoError(t, err)
	assert.Contains(t, chat.Participants, "d1")
	assert.Equal(t, 0, chat.UnreadCounts["d1"])
	assert.Equal(t, 1, chat.UnreadCounts["b1"])

	_, err = env.admin.AddMember(ctx, "a1", grp.ID, "d1")
	assert.True(t, sharedErrors.Is(err, sharedErrors.ErrAlreadyMember))
	_, err = env.admin.AddMember(ctx, "a1", grp.ID, "ghost")
	assert.True(t, sharedErrors.Is(err, sharedErrors.ErrUserNotFound))

	require.NoError(t, env.admin.RemoveMember(ctx, "a1", grp.ID, "b1"))
	chat, err = env.store.GetChat(ctx, grp.ID)
	require.NoError(t, err)
	assert.NotContains(t, chat.Participants, "b1")
	assert.NotContains(t, chat.UnreadCounts, "b1")

	assert.True(t, sharedErrors.Is(env.admin.RemoveMember(ctx, "a1", grp.ID, "b1"), sharedErrors.ErrMemberNotInGroup))

	newAdmin := "zz"
	_, err = env.admin.UpdateGroup(ctx, "a1", grp.ID, model.GroupUpdate{AdminID: &newAdmin})
	assert.True(t, sharedErrors.Is(err, sharedErrors.ErrMemberNotInGroup))
}

func TestGroupOpsRejectDirectChats(t *testing.T) {
	env := newAdminEnv(t, "a1", "b1", "c1")
	ctx := context.Background()
	direct, err := env.chats.GetOrCreateDirect(ctx, "a1", "b1")
	require.NoError(t, err)

	_, err = env.admin.AddMember(ctx, "root", direct.ID, "c1")
	assert.True(t, sharedErrors.Is(err, sharedErrors.ErrNotGroup))
	_, err = env.admin.AddMember(ctx, "root", "missing", "c1")
	assert.True(t, sharedErrors.Is(err, sharedErrors.ErrChatNotFound))
}

func TestCreateAndDeleteGroup(t *testing.T) {
	env := newAdminEnv(t, "a1", "b1")
	ctx := context.Background()

	grp, err := env.admin.CreateGroup(ctx, "root", "ops", []string{"a1", "b1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "root", grp.AdminID)

	groups, err := env.admin.ListGroups(ctx, "root")
	require.NoError(t, err)
	require.Len(t, groups, 1)

	require.NoError(t, env.admin.DeleteGroup(ctx, "root", grp.ID))
	groups, err = env.admin.ListGroups(ctx, "root")
	require.NoError(t, err)
	assert.Empty(t, groups)
}
