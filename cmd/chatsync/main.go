package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"sudooom.im.client/internal/config"
	"sudooom.im.client/internal/health"
	sharedConfig "sudooom.im.client/shared/config"
)

func main() {
	configPath := flag.String("config", sharedConfig.GetEnv("CHATSYNC_CONFIG", ""), "path to the YAML config file")
	printConfig := flag.Bool("print-config", false, "print the effective config and exit")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *printConfig {
		out, err := config.Dump(cfg)
		if err != nil {
			log.Fatalf("Failed to render config: %v", err)
		}
		fmt.Print(out)
		return
	}

	// 初始化日志
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.App.LogLevel),
	}))
	slog.SetDefault(logger)

	// SIGINT/SIGTERM 触发优雅退出
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Client failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Client stopped")
}

// run 组装组件并阻塞到 ctx 结束或任一服务失败
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a := &app{cfg: cfg, logger: logger}
	defer a.close()

	if err := a.build(ctx); err != nil {
		return err
	}

	checker := health.NewChecker(cfg.App.Name, a.store, a.bridge.Hub()).WithBlob(a.blobs)
	if a.redis != nil {
		checker.WithRedis(a.redis)
	}
	if a.nats != nil {
		checker.WithNATS(a.nats.Conn())
	}
	if a.db != nil {
		checker.WithDatabase(a.db)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.bridge.ListenAndServe(gctx, cfg.HTTP.Addr)
	})
	g.Go(func() error {
		return serveHealth(gctx, cfg.HTTP.HealthAddr, checker, logger)
	})

	logger.Info("Client started",
		"addr", cfg.HTTP.Addr,
		"healthAddr", cfg.HTTP.HealthAddr,
		"store", cfg.Store.Backend,
		"blob", cfg.Blob.Backend,
		"nodeId", cfg.App.NodeID)

	err := g.Wait()
	logger.Info("Shutting down client...")
	return err
}

// serveHealth 启动健康检查与指标 HTTP 服务
func serveHealth(ctx context.Context, addr string, checker *health.Checker, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr: addr,
		Handler: checker.Mux(map[string]http.Handler{
			"/metrics": promhttp.Handler(),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Health check server started", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
