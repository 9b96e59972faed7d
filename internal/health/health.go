// Package health 健康检查与就绪检查
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const (
	StatusConnected     = "connected"
	StatusDisconnected  = "disconnected"
	StatusNotConfigured = "not configured"

	pingTimeout = 2 * time.Second
)

// Status 健康状态
type Status struct {
	Service     string `json:"service"`
	Store       string `json:"store"`
	Blob        string `json:"blob"`
	NATS        string `json:"nats"`
	Redis       string `json:"redis"`
	Database    string `json:"database"`
	Connections int    `json:"connections"`
}

// Pinger 可探活的依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectionCounter 连接计数器接口
type ConnectionCounter interface {
	Count() int
}

// Checker 健康检查器。未配置的依赖不影响健康判断
type Checker struct {
	service     string
	store       Pinger
	blob        Pinger
	nc          *nats.Conn
	redisClient *redis.Client
	db          *pgxpool.Pool
	connCounter ConnectionCounter
}

// NewChecker 创建健康检查器，store 为必选依赖
func NewChecker(service string, store Pinger, connCounter ConnectionCounter) *Checker {
	return &Checker{
		service:     service,
		store:       store,
		connCounter: connCounter,
	}
}

// WithBlob 附加文件存储探活
func (h *Checker) WithBlob(blob Pinger) *Checker {
	h.blob = blob
	return h
}

// WithNATS 附加 NATS 连接状态
func (h *Checker) WithNATS(nc *nats.Conn) *Checker {
	h.nc = nc
	return h
}

// WithRedis 附加 Redis 探活
func (h *Checker) WithRedis(rdb *redis.Client) *Checker {
	h.redisClient = rdb
	return h
}

// WithDatabase 附加 PostgreSQL 探活
func (h *Checker) WithDatabase(db *pgxpool.Pool) *Checker {
	h.db = db
	return h
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Service:  h.service,
		Store:    ping(ctx, h.store),
		Blob:     ping(ctx, h.blob),
		NATS:     StatusNotConfigured,
		Redis:    StatusNotConfigured,
		Database: StatusNotConfigured,
	}

	// 检查 NATS
	if h.nc != nil {
		if h.nc.IsConnected() {
			status.NATS = StatusConnected
		} else {
			status.NATS = StatusDisconnected
		}
	}

	// 检查 Redis
	if h.redisClient != nil {
		redisCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := h.redisClient.Ping(redisCtx).Err(); err == nil {
			status.Redis = StatusConnected
		} else {
			status.Redis = StatusDisconnected
		}
	}

	// 检查 PostgreSQL
	if h.db != nil {
		status.Database = ping(ctx, h.db)
	}

	// 连接数
	if h.connCounter != nil {
		status.Connections = h.connCounter.Count()
	}

	return status
}

func ping(ctx context.Context, p Pinger) string {
	if p == nil {
		return StatusNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return StatusDisconnected
	}
	return StatusConnected
}

// Healthy 状态中没有断开的依赖
func (s *Status) Healthy() bool {
	for _, v := range []string{s.Store, s.Blob, s.NATS, s.Redis, s.Database} {
		if v == StatusDisconnected {
			return false
		}
	}
	return true
}

// IsHealthy 检查是否健康
func (h *Checker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Healthy()
}

// ServeHTTP HTTP 健康检查端点
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.Healthy() {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// ReadyHandler 就绪探针
func (h *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.IsHealthy(r.Context()) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Not Ready"))
	}
}

// Mux 组装 /health、/ready 与额外挂载的端点（如 /metrics）
func (h *Checker) Mux(extra map[string]http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/health", h)
	mux.HandleFunc("/ready", h.ReadyHandler())
	for path, handler := range extra {
		mux.Handle(path, handler)
	}
	return mux
}
