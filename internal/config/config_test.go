package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 45*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, 20, cfg.Call.SeenBatchSize)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Call.STUNServers)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
app:
  name: chatsync-test
  log_level: debug
store:
  backend: redis
call:
  ring_timeout: 10s
  seen_batch_size: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "chatsync-test", cfg.App.Name)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, 10*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, 5, cfg.Call.SeenBatchSize)
	// 未出现在文件中的字段保留默认值
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CHATSYNC_STORE_BACKEND", "firestore")
	t.Setenv("CHATSYNC_RING_TIMEOUT", "30s")
	t.Setenv("CHATSYNC_STUN_SERVERS", "stun:a:3478, stun:b:3478")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "firestore", cfg.Store.Backend)
	assert.Equal(t, 30*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, []string{"stun:a:3478", "stun:b:3478"}, cfg.Call.STUNServers)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDump_MasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.JWT.Secret = "super-secret"
	cfg.S3.SecretKey = "s3-secret"

	out, err := Dump(cfg)
	require.NoError(t, err)

	assert.False(t, strings.Contains(out, "super-secret"))
	assert.False(t, strings.Contains(out, "s3-secret"))
	assert.Contains(t, out, "backend: memory")
	// 原配置不受影响
	assert.Equal(t, "super-secret", cfg.JWT.Secret)
}
