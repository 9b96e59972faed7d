package identity

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sharedConfig "sudooom.im.client/shared/config"
)

// 集成测试：设置 INTEGRATION_TEST=1 并提供 Postgres
func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("跳过集成测试：未设置 INTEGRATION_TEST")
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		sharedConfig.GetEnv("POSTGRES_USER", "postgres"),
		sharedConfig.GetEnv("POSTGRES_PASSWORD", "password"),
		sharedConfig.GetEnv("POSTGRES_HOST", "localhost"),
		sharedConfig.GetEnv("POSTGRES_PORT", "5432"),
		sharedConfig.GetEnv("POSTGRES_DB", "chatsync_test"),
	)

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("跳过集成测试: 无法连接数据库: %v", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		t.Skipf("跳过集成测试: 数据库 ping 失败: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func TestPgAccountRepository(t *testing.T) {
	db := getTestPool(t)
	ctx := context.Background()

	repo := NewPgAccountRepository(db)
	require.NoError(t, repo.EnsureSchema(ctx))
	_, err := db.Exec(ctx, `DELETE FROM accounts WHERE email LIKE '%@it.example.com'`)
	require.NoError(t, err)

	acct := &Account{UID: fmt.Sprintf("it-%d", time.Now().UnixNano()), Email: "a@it.example.com", PasswordHash: "h1", DisplayName: "A"}
	require.NoError(t, repo.Create(ctx, acct))
	assert.False(t, acct.CreatedAt.IsZero())

	dup := &Account{UID: acct.UID + "-2", Email: acct.Email, PasswordHash: "h2"}
	assert.ErrorIs(t, repo.Create(ctx, dup), ErrEmailExists)

	got, err := repo.GetByEmail(ctx, acct.Email)
	require.NoError(t, err)
	assert.Equal(t, acct.UID, got.UID)

	require.NoError(t, repo.UpdatePassword(ctx, acct.UID, "h3"))
	require.NoError(t, repo.UpdateDisplayName(ctx, acct.UID, "Alice"))
	got, err = repo.GetByUID(ctx, acct.UID)
	require.NoError(t, err)
	assert.Equal(t, "h3", got.PasswordHash)
	assert.Equal(t, "Alice", got.DisplayName)

	_, err = repo.GetByUID(ctx, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.ErrorIs(t, repo.UpdateDisplayName(ctx, "missing", "x"), ErrAccountNotFound)
}

func getTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: sharedConfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		DB:   15,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("跳过测试：无法连接 Redis: %v", err)
	}
	client.FlushDB(ctx)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisSessionStore(t *testing.T) {
	client := getTestRedisClient(t)
	s := NewRedisSessionStore(client)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "s1", "a1", time.Minute))
	require.NoError(t, s.Save(ctx, "s2", "a1", time.Minute))

	uid, err := s.Lookup(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "a1", uid)

	require.NoError(t, s.Delete(ctx, "a1", "s1"))
	uid, err = s.Lookup(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, uid)

	require.NoError(t, s.DeleteAll(ctx, "a1"))
	uid, err = s.Lookup(ctx, "s2")
	require.NoError(t, err)
	assert.Empty(t, uid)

	ttl, err := client.TTL(ctx, "cs:session:s2").Result()
	require.NoError(t, err)
	assert.True(t, ttl < 0)
}
