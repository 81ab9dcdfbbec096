package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"cvboard/internal/api/middleware"
	"cvboard/internal/auth"
	"cvboard/internal/notify"
)

// WsHandler 负责通知通道的鉴权与消息转发：
// 校验连接 URL 中的 Bearer Token，订阅该用户的 Redis 频道，
// 把 Worker 发布的 job_status 帧原样转发给客户端。
type WsHandler struct {
	redisClient    *redis.Client
	validator      middleware.TokenValidator
	logger         *slog.Logger
	upgrader       websocket.Upgrader
	allowedOrigins []string
	pingInterval   time.Duration
}

// NewWsHandler 构造 WebSocket 处理器。
func NewWsHandler(redisClient *redis.Client, validator middleware.TokenValidator, logger *slog.Logger, allowedOrigins []string, pingInterval time.Duration) *WsHandler {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	h := &WsHandler{
		redisClient:    redisClient,
		validator:      validator,
		logger:         logger,
		allowedOrigins: allowedOrigins,
		pingInterval:   pingInterval,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if len(h.allowedOrigins) == 0 {
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			}
			for _, allowed := range h.allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
	return h
}

// wsConn 串行化同一连接上的写操作，gorilla/websocket 不允许并发写。
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) writeText(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) writeControlPing() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	deadline := time.Now().Add(5 * time.Second)
	return w.conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline)
}

func (w *wsConn) writeClose(code int, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	deadline := time.Now().Add(5 * time.Second)
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

// HandleConnection 升级连接、鉴权并启动读写循环。
// 鉴权失败以 1008 关闭，客户端据此放弃重连。
func (h *WsHandler) HandleConnection(c *gin.Context) {
	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("upgrade websocket failed", slog.Any("error", err))
		return
	}
	defer raw.Close()
	conn := &wsConn{conn: raw}

	baseLog := h.logger.With(slog.String("client_ip", c.ClientIP()))

	claims, err := h.validateAccess(c.Query("token"))
	if err != nil {
		conn.writeClose(websocket.ClosePolicyViolation, "unauthorized")
		baseLog.Warn("websocket authentication failed", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	userLog := baseLog.With(slog.Uint64("user_id", uint64(claims.UserID)))
	userLog.Info("websocket authenticated")

	errCh := make(chan error, 2)
	go h.readLoop(ctx, conn, errCh, cancel, userLog)
	go h.forwardLoop(ctx, conn, claims.UserID, errCh, cancel, userLog)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			userLog.Info("websocket connection closed", slog.Any("error", err))
		} else {
			userLog.Info("websocket connection closed")
		}
	}
}

func (h *WsHandler) validateAccess(token string) (*auth.TokenClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("token missing")
	}
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	if claims.TokenType != "access" {
		return nil, fmt.Errorf("invalid token type: %s", claims.TokenType)
	}
	return claims, nil
}

// readLoop 消费客户端入站帧。应用层 ping 回以 pong，其余入站消息忽略，
// 同时保持读取以感知客户端断开。
func (h *WsHandler) readLoop(
	ctx context.Context,
	conn *wsConn,
	errCh chan<- error,
	cancel context.CancelFunc,
	log *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := conn.conn.ReadMessage()
		if err != nil {
			errCh <- fmt.Errorf("read message: %w", err)
			cancel()
			return
		}

		msg, err := notify.Decode(message)
		if err != nil {
			log.Warn("drop malformed inbound frame", slog.Any("error", err))
			continue
		}
		if msg.Type == notify.TypePing {
			if err := conn.writeText(notify.PongFrame()); err != nil {
				errCh <- fmt.Errorf("write pong: %w", err)
				cancel()
				return
			}
		}
	}
}

// forwardLoop 把该用户频道上的通知原样转发给客户端，
// 并周期性发送协议层 Ping 防止中间层空闲超时断连。
func (h *WsHandler) forwardLoop(
	ctx context.Context,
	conn *wsConn,
	userID uint,
	errCh chan<- error,
	cancel context.CancelFunc,
	log *slog.Logger,
) {
	channel := notify.ChannelForUser(userID)
	pubsub := h.redisClient.Subscribe(ctx, channel)
	defer pubsub.Close()

	log.Info("subscribed to redis channel", slog.String("channel", channel))

	ch := pubsub.Channel()
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				errCh <- fmt.Errorf("pubsub channel closed")
				cancel()
				return
			}
			if err := conn.writeText([]byte(msg.Payload)); err != nil {
				errCh <- fmt.Errorf("write message: %w", err)
				cancel()
				return
			}
		case <-ticker.C:
			if err := conn.writeControlPing(); err != nil {
				errCh <- fmt.Errorf("write ping: %w", err)
				cancel()
				return
			}
		}
	}
}
