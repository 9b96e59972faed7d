package main

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.client/internal/config"
)

func TestLocalURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":8080", "http://localhost:8080"},
		{"0.0.0.0:9000", "http://localhost:9000"},
		{"127.0.0.1:8080", "http://127.0.0.1:8080"},
		{"example.com", "http://example.com"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, localURL(tt.addr), tt.addr)
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestBuild_MemoryBackends(t *testing.T) {
	cfg := config.Default()
	cfg.App.Mode = "test"

	a := &app{cfg: cfg, logger: slog.Default()}
	require.NoError(t, a.build(context.Background()))
	defer a.close()

	assert.NotNil(t, a.store)
	assert.NotNil(t, a.bridge)
	assert.Nil(t, a.redis)
	assert.Nil(t, a.db)
	require.NoError(t, a.store.Ping(context.Background()))

	ref, err := a.blobs.Put(context.Background(), "k.txt", []byte("x"), "text/plain")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "http://localhost:8080/api/v1/blobs/"), ref)
}

func TestBuild_UnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "cassandra"

	a := &app{cfg: cfg, logger: slog.Default()}
	err := a.build(context.Background())
	defer a.close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cassandra")
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.App.Mode = "test"
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.HTTP.HealthAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, slog.Default()) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}
}
