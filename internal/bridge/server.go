// Package bridge 把同步引擎暴露给本地界面：/api/v1 下的 REST 接口
// 与推送会话列表、消息、通话事件的 websocket。
package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"sudooom.im.client/internal/admin"
	"sudooom.im.client/internal/blob"
	"sudooom.im.client/internal/call"
	"sudooom.im.client/internal/identity"
	"sudooom.im.client/internal/service"
	"sudooom.im.client/internal/workerpool"
)

// Store 推送链路依赖的订阅能力
type Store interface {
	service.IndexStore
	service.StreamStore
}

// Deps 桥接层依赖
type Deps struct {
	Identity *identity.Provider
	Store    Store
	Chats    *service.ChatService
	Profiles *service.ProfileService
	Calls    *call.Service
	Admin    *admin.Service
	// Blobs 可选，非空时提供 /api/v1/blobs 读取
	Blobs    blob.Store
	Pool     *workerpool.Pool
	Retry    workerpool.RetryPolicy
}

// Options 桥接层配置
type Options struct {
	Mode           string
	AllowedOrigins []string
	SeenBatch      int
	MaxUpload      int64
}

// Server 本地 UI 桥接服务
type Server struct {
	deps     Deps
	opts     Options
	hub      *Hub
	engine   *gin.Engine
	upgrader *websocket.Upgrader
	logger   *slog.Logger

	http *http.Server
}

// NewServer 创建桥接服务并注册路由
func NewServer(deps Deps, opts Options) *Server {
	if opts.MaxUpload <= 0 {
		opts.MaxUpload = 10 << 20
	}
	s := &Server{
		deps:   deps,
		opts:   opts,
		hub:    NewHub(),
		logger: slog.Default(),
	}
	s.upgrader = s.newUpgrader()
	s.engine = s.setupRouter()
	return s
}

// Handler 返回 http.Handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Hub 在线连接
func (s *Server) Hub() *Hub {
	return s.hub
}

// ListenAndServe 启动 HTTP 服务，ctx 结束时优雅关闭
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Bridge server started", "addr", addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.CloseAll()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("Bridge server stopped")
		return nil
	}
}

// setupRouter 设置路由
func (s *Server) setupRouter() *gin.Engine {
	if s.opts.Mode != "" {
		gin.SetMode(s.opts.Mode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	r.Use(CORS(s.opts.AllowedOrigins))
	r.MaxMultipartMemory = s.opts.MaxUpload

	v1 := r.Group("/api/v1")
	{
		// 认证接口（无需登录）
		auth := v1.Group("/auth")
		{
			auth.POST("/signup", s.signUp)
			auth.POST("/signin", s.signIn)
			auth.POST("/refresh", s.refresh)
			auth.POST("/password/reset", s.requestPasswordReset)
			auth.POST("/password/confirm", s.confirmPasswordReset)
		}

		// websocket 自行校验 token（浏览器无法设置 header）
		v1.GET("/ws", s.serveWS)

		if s.deps.Blobs != nil {
			v1.GET("/blobs/*key", s.getBlob)
		}

		authenticated := v1.Group("")
		authenticated.Use(TokenAuth(s.deps.Identity))
		{
			authenticated.POST("/auth/signout", s.signOut)

			profile := authenticated.Group("/profile")
			{
				profile.GET("", s.getProfile)
				profile.PUT("", s.updateProfile)
				profile.POST("/photo", s.uploadPhoto)
			}

			chats := authenticated.Group("/chats")
			{
				chats.POST("/direct", s.createDirect)
				chats.POST("/group", s.createGroup)
				chats.GET("/:id", s.getChat)
				chats.POST("/:id/pin", s.togglePin)
				chats.POST("/:id/archive", s.toggleArchive)
				chats.POST("/:id/read", s.markRead)
				chats.GET("/:id/messages", s.recentMessages)
				chats.POST("/:id/messages", s.sendMessage)
				chats.DELETE("/:id/messages/:msgId", s.deleteMessage)
				chats.POST("/:id/messages/:msgId/star", s.toggleStar)
			}

			calls := authenticated.Group("/calls")
			{
				calls.POST("", s.startCall)
				calls.GET("/active", s.activeCall)
				calls.POST("/hangup", s.hangup)
				calls.POST("/:id/accept", s.acceptCall)
				calls.POST("/:id/decline", s.declineCall)
			}

			adm := authenticated.Group("/admin")
			{
				adm.GET("/users", s.adminListUsers)
				adm.PUT("/users/:uid", s.adminUpdateUser)
				adm.DELETE("/users/:uid", s.adminDeleteUser)
				adm.PUT("/users/:uid/admin", s.adminSetAdmin)
				adm.GET("/groups", s.adminListGroups)
				adm.POST("/groups", s.adminCreateGroup)
				adm.PUT("/groups/:id", s.adminUpdateGroup)
				adm.DELETE("/groups/:id", s.adminDeleteGroup)
				adm.POST("/groups/:id/members", s.adminAddMember)
				adm.DELETE("/groups/:id/members/:uid", s.adminRemoveMember)
			}
		}
	}

	return r
}
