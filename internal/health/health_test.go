package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.client/internal/store/memory"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeCounter int

func (c fakeCounter) Count() int { return int(c) }

func TestCheck(t *testing.T) {
	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })

	tests := []struct {
		name    string
		checker *Checker
		healthy bool
		blob    string
	}{
		{
			name:    "store only",
			checker: NewChecker("chatsync", st, fakeCounter(3)),
			healthy: true,
			blob:    StatusNotConfigured,
		},
		{
			name:    "blob up",
			checker: NewChecker("chatsync", st, nil).WithBlob(fakePinger{}),
			healthy: true,
			blob:    StatusConnected,
		},
		{
			name:    "blob down",
			checker: NewChecker("chatsync", st, nil).WithBlob(fakePinger{err: errors.New("boom")}),
			healthy: false,
			blob:    StatusDisconnected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := tt.checker.Check(context.Background())
			assert.Equal(t, "chatsync", status.Service)
			assert.Equal(t, StatusConnected, status.Store)
			assert.Equal(t, tt.blob, status.Blob)
			assert.Equal(t, StatusNotConfigured, status.NATS)
			assert.Equal(t, StatusNotConfigured, status.Redis)
			assert.Equal(t, StatusNotConfigured, status.Database)
			assert.Equal(t, tt.healthy, tt.checker.IsHealthy(context.Background()))
		})
	}
}

func TestCheck_ClosedStore(t *testing.T) {
	st := memory.New()
	require.NoError(t, st.Close())

	checker := NewChecker("chatsync", st, nil)
	status := checker.Check(context.Background())
	assert.Equal(t, StatusDisconnected, status.Store)
	assert.False(t, status.Healthy())
}

func TestCheck_Redis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}

	checker := NewChecker("chatsync", fakePinger{}, nil).WithRedis(rdb)
	assert.Equal(t, StatusConnected, checker.Check(context.Background()).Redis)
}

func TestServeHTTP(t *testing.T) {
	checker := NewChecker("chatsync", fakePinger{}, fakeCounter(2))
	mux := checker.Mux(map[string]http.Handler{
		"/metrics": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("ok"))
		}),
	})

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var status Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 2, status.Connections)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, "ok", w.Body.String())
}

func TestServeHTTP_Unhealthy(t *testing.T) {
	checker := NewChecker("chatsync", fakePinger{err: errors.New("down")}, nil)

	w := httptest.NewRecorder()
	checker.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	checker.ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "Not Ready", w.Body.String())
}
