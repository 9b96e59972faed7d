package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/service"
	"sudooom.im.client/internal/store"
	sharedErrors "sudooom.im.client/shared/errors"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// IntentType 界面发来的意图
type IntentType string

const (
	IntentOpen  IntentType = "open"
	IntentClose IntentType = "close"
)

// Intent 界面发来的一条指令
type Intent struct {
	Type   IntentType `json:"type"`
	ChatID string     `json:"chatId,omitempty"`
}

// ErrorPayload error 帧的内容
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) newUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// 非浏览器客户端不带 Origin
			return origin == "" || originAllowed(s.opts.AllowedOrigins, origin)
		},
	}
}

// serveWS 建立推送连接。token 取自 query 参数或 Authorization header
// GET /api/v1/ws?token=...
func (s *Server) serveWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = extractToken(c.GetHeader("Authorization"))
	}
	if token == "" {
		Unauthorized(c, nil)
		return
	}
	claims, err := s.deps.Identity.Authenticate(c.Request.Context(), token)
	if err != nil {
		Unauthorized(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "uid", claims.UID, "error", err)
		return
	}
	s.runClient(conn, claims.UID)
}

// runClient 为一条连接建立会话列表、消息流与来电订阅，直到连接断开
func (s *Server) runClient(conn *websocket.Conn, uid string) {
	ctx, cancel := context.WithCancel(context.Background())
	cl := newClient(conn, uid)
	s.hub.add(cl)
	go cl.writePump()
	s.logger.Info("WebSocket connected", "uid", uid)

	index := service.NewChatIndex(s.deps.Store, uid, s.deps.Retry, func(l service.ChatList) {
		cl.push(FrameChats, l)
	})
	if err := index.Start(ctx); err != nil {
		s.logger.Warn("Failed to start chat index", "uid", uid, "error", err)
		cl.pushError(sharedErrors.ErrStoreError.Wrap(err))
	}

	stream := service.NewMessageStream(s.deps.Store, s.deps.Pool, uid, service.MessageStreamConfig{
		SeenBatch: s.opts.SeenBatch,
		Retry:     s.deps.Retry,
	}, func(l service.MessageList) {
		cl.push(FrameMessages, l)
	})

	var incoming store.Subscription
	if s.deps.Calls != nil {
		sub, err := s.deps.Calls.WatchIncoming(ctx, uid, func(calls []*model.CallSession) {
			cl.push(FrameIncoming, calls)
		})
		if err != nil {
			s.logger.Warn("Failed to watch incoming calls", "uid", uid, "error", err)
			cl.pushError(sharedErrors.ErrSignalingSubscription.Wrap(err))
		} else {
			incoming = sub
		}
		if m := s.deps.Calls.Active(uid); m != nil {
			cl.push(FrameCall, m.Snapshot())
		}
	}

	defer func() {
		cancel()
		stream.Close()
		index.Close()
		if incoming != nil {
			incoming.Close()
		}
		s.hub.remove(cl)
		cl.close()

		// 界面全部关闭时释放进行中的通话
		if s.deps.Calls != nil && len(s.hub.userClients(uid)) == 0 {
			s.deps.Calls.Abandon(uid)
		}
		s.logger.Info("WebSocket disconnected", "uid", uid)
	}()

	cl.readPump(func(in Intent) {
		s.handleIntent(ctx, cl, stream, in)
	})
}

// handleIntent 同一连接的意图按到达顺序串行处理
func (s *Server) handleIntent(ctx context.Context, cl *client, stream *service.MessageStream, in Intent) {
	switch in.Type {
	case IntentOpen:
		if _, err := s.deps.Chats.GetChat(ctx, in.ChatID, cl.uid); err != nil {
			cl.pushError(err)
			return
		}
		// Open 先关闭上一个会话的订阅
		if err := stream.Open(ctx, in.ChatID); err != nil {
			s.logger.Warn("Failed to open message stream", "uid", cl.uid, "chatId", in.ChatID, "error", err)
			cl.pushError(sharedErrors.ErrStoreError.Wrap(err))
		}
	case IntentClose:
		stream.Close()
	default:
		cl.pushError(sharedErrors.ErrInvalidParams.WithMessage("unknown intent"))
	}
}

// client 一条 websocket 连接
type client struct {
	conn   *websocket.Conn
	uid    string
	out    chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newClient(conn *websocket.Conn, uid string) *client {
	return &client{
		conn:   conn,
		uid:    uid,
		out:    make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: slog.Default().With("uid", uid),
	}
}

// send 非阻塞投递；积压满说明界面读得太慢，直接断开让其重连拿完整快照
func (c *client) send(payload []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- payload:
	case <-c.done:
	default:
		c.logger.Warn("WebSocket client too slow, closing")
		c.close()
	}
}

func (c *client) push(typ FrameType, data any) {
	payload, err := encodeFrame(typ, data)
	if err != nil {
		c.logger.Error("Failed to encode frame", "type", typ, "error", err)
		return
	}
	c.send(payload)
}

func (c *client) pushError(err error) {
	c.push(FrameError, ErrorPayload{
		Code:    sharedErrors.GetCode(err),
		Message: sharedErrors.GetMessage(err),
	})
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *client) readPump(handle func(Intent)) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocket read failed", "error", err)
			}
			return
		}
		select {
		case <-c.done:
			return
		default:
		}

		var in Intent
		if err := json.Unmarshal(message, &in); err != nil {
			c.pushError(sharedErrors.ErrInvalidParams.WithMessage("malformed intent"))
			continue
		}
		handle(in)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
