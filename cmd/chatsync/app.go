package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"sudooom.im.client/internal/admin"
	"sudooom.im.client/internal/blob"
	"sudooom.im.client/internal/bridge"
	"sudooom.im.client/internal/call"
	"sudooom.im.client/internal/config"
	"sudooom.im.client/internal/identity"
	"sudooom.im.client/internal/media/pion"
	"sudooom.im.client/internal/media/virtual"
	imNats "sudooom.im.client/internal/nats"
	"sudooom.im.client/internal/service"
	"sudooom.im.client/internal/store"
	"sudooom.im.client/internal/store/firestore"
	"sudooom.im.client/internal/store/memory"
	"sudooom.im.client/internal/store/redisstore"
	"sudooom.im.client/internal/task"
	"sudooom.im.client/internal/workerpool"
	sharedConfig "sudooom.im.client/shared/config"
	"sudooom.im.client/shared/jwt"
	"sudooom.im.client/shared/snowflake"
)

// app 进程内组件，close 按创建的逆序释放
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	redis  *redis.Client
	nats   *imNats.Client
	db     *pgxpool.Pool
	store  store.Store
	blobs  blob.Store
	bridge *bridge.Server

	closers []func()
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// build 按配置创建存储、身份、通话与桥接服务
func (a *app) build(ctx context.Context) error {
	cfg := a.cfg

	st, err := a.openStore(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = st

	blobs, err := a.openBlobs(ctx)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	a.blobs = blobs

	accounts, err := a.openAccounts(ctx)
	if err != nil {
		return fmt.Errorf("open accounts: %w", err)
	}

	var sessions identity.SessionStore = identity.NewMemorySessionStore()
	if a.redis != nil {
		sessions = identity.NewRedisSessionStore(a.redis)
	}

	// 初始化雪花ID生成器
	node, err := snowflake.NewNode(cfg.App.NodeID)
	if err != nil {
		return fmt.Errorf("create snowflake node: %w", err)
	}

	pool := workerpool.New(cfg.WorkerPool.Workers, cfg.WorkerPool.QueueSize, a.logger)
	a.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(shutdownCtx)
	})

	scheduler := task.NewScheduler(task.Config{
		Interval:  cfg.Call.WheelInterval,
		SlotCount: cfg.Call.WheelSlotCount,
	}, pool)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.onClose(scheduler.Stop)

	retry := workerpool.RetryPolicy{
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		MaxRetries:      cfg.Retry.MaxRetries,
	}

	uploader := blob.NewUploader(blobs, cfg.Blob.MaxSize)
	provider := identity.NewProvider(
		accounts,
		sessions,
		jwt.NewService(cfg.JWT.Secret, cfg.JWT.AccessExpire, cfg.JWT.RefreshExpire),
		st,
		service.NewPresence(st, pool, retry),
		nil,
		node,
	)
	a.onClose(provider.Observe(func(ev identity.Event) {
		a.logger.Info("Session changed", "type", ev.Type, "uid", ev.UID)
	}))

	chats := service.NewChatService(st, uploader, node)

	factory, err := pion.NewFactory()
	if err != nil {
		return fmt.Errorf("create media factory: %w", err)
	}
	devices := &virtual.Devices{
		Mics:    boolCount(cfg.Call.VirtualMic),
		Cameras: boolCount(cfg.Call.VirtualCamera),
	}
	calls := call.NewService(st, devices, factory, pool, scheduler, call.Config{
		STUNServers: cfg.Call.STUNServers,
		Retry:       retry,
		RingTimeout: cfg.Call.RingTimeout,
	})
	a.onClose(calls.Shutdown)

	a.bridge = bridge.NewServer(bridge.Deps{
		Identity: provider,
		Store:    st,
		Chats:    chats,
		Profiles: service.NewProfileService(st, uploader, provider),
		Calls:    calls,
		Admin:    admin.NewService(st, chats),
		Blobs:    blobs,
		Pool:     pool,
		Retry:    retry,
	}, bridge.Options{
		Mode:           cfg.App.Mode,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		SeenBatch:      cfg.Call.SeenBatchSize,
		MaxUpload:      cfg.Blob.MaxSize,
	})
	return nil
}

// openStore 按 store.backend 创建远程存储
func (a *app) openStore(ctx context.Context) (store.Store, error) {
	cfg := a.cfg
	var (
		st  store.Store
		err error
	)

	switch cfg.Store.Backend {
	case "memory":
		st = memory.New()
	case "redis":
		rdb, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		rs, err := redisstore.New(rdb, a.changeFeed(), cfg.App.NodeID)
		if err != nil {
			return nil, err
		}
		// 断线期间的变更通知会丢失，重连后全部订阅重读快照
		if a.nats != nil {
			a.nats.OnReconnect(rs.Resync)
		}
		st = rs
	case "firestore":
		st, err = firestore.New(ctx, firestore.Config{
			ProjectID:       cfg.Firestore.ProjectID,
			CredentialsFile: cfg.Firestore.CredentialsFile,
			EmulatorHost:    cfg.Firestore.EmulatorHost,
		})
		if err != nil {
			return nil, err
		}
		a.logger.Info("Connected to Firestore", "project", cfg.Firestore.ProjectID)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	a.onClose(func() {
		if err := st.Close(); err != nil {
			a.logger.Warn("Failed to close store", "error", err)
		}
	})
	return st, nil
}

// redisClient 连接 Redis，首次调用时创建
func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	rdb := connectRedis(a.cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.logger.Info("Connected to Redis", "addr", a.cfg.Redis.GetAddr())
	a.redis = rdb
	a.onClose(func() { rdb.Close() })
	return rdb, nil
}

// changeFeed 多实例通过 NATS 广播变更；NATS 不可用时退化为进程内通道
func (a *app) changeFeed() redisstore.Feed {
	cfg := a.cfg
	if cfg.NATS.URL == "" {
		return redisstore.NewLocalFeed()
	}
	origin := fmt.Sprintf("%s-%d", cfg.App.Name, cfg.App.NodeID)
	client, err := imNats.NewClient(cfg.NATS, origin)
	if err != nil {
		a.logger.Warn("Failed to connect to NATS, using local change feed", "url", cfg.NATS.URL, "error", err)
		return redisstore.NewLocalFeed()
	}
	a.logger.Info("Connected to NATS", "url", cfg.NATS.URL)
	a.nats = client
	a.onClose(client.Close)
	return imNats.NewFeed(client.Conn(), origin)
}

// openBlobs 按 blob.backend 创建文件存储
func (a *app) openBlobs(ctx context.Context) (blob.Store, error) {
	cfg := a.cfg
	baseURL := cfg.Blob.PublicBaseURL

	switch cfg.Blob.Backend {
	case "memory":
		if baseURL == "" {
			baseURL = localURL(cfg.HTTP.Addr) + bridge.BlobPath
		}
		return blob.NewMemoryStore(baseURL), nil
	case "local":
		if baseURL == "" {
			baseURL = localURL(cfg.HTTP.Addr) + bridge.BlobPath
		}
		return blob.NewLocalStore(cfg.Local.Root, baseURL)
	case "s3":
		return blob.NewS3Store(ctx, blob.S3Config{
			Bucket:        cfg.S3.Bucket,
			Region:        cfg.S3.Region,
			Endpoint:      cfg.S3.Endpoint,
			AccessKeyID:   cfg.S3.AccessKeyID,
			SecretKey:     cfg.S3.SecretKey,
			UsePathStyle:  cfg.S3.UsePathStyle,
			PublicBaseURL: baseURL,
		})
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Blob.Backend)
	}
}

// openAccounts database.enabled 时使用 PostgreSQL 账号库
func (a *app) openAccounts(ctx context.Context) (identity.AccountRepository, error) {
	if !a.cfg.Database.Enabled {
		return identity.NewMemoryAccountRepository(), nil
	}

	db, err := connectDatabase(ctx, a.cfg.Database)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.onClose(db.Close)
	a.logger.Info("Connected to PostgreSQL", "host", a.cfg.Database.Host)

	repo := identity.NewPgAccountRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

// connectDatabase 连接 PostgreSQL
func connectDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Name,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	return pgxpool.NewWithConfig(ctx, poolConfig)
}

// connectRedis 创建 Redis 客户端
func connectRedis(cfg sharedConfig.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.GetAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// localURL 把监听地址转成本机可访问的 URL
func localURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func boolCount(b bool) int {
	if b {
		return 1
	}
	return 0
}
