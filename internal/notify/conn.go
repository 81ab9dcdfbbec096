package notify

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Phase 表示连接所处的阶段。
type Phase int32

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseOpen
	PhaseClosing
)

// String 返回阶段的字符串表示。
func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseClosing:
		return "closing"
	default:
		return "unknown"
	}
}

const (
	// DefaultHeartbeatInterval 是心跳帧发送间隔，防止中间层空闲超时断连。
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultReconnectDelay 是固定的重连等待时间。
	DefaultReconnectDelay = 5 * time.Second
	// DefaultMaxReconnectDelay 是指数退避开启时的延迟上限。
	DefaultMaxReconnectDelay = 60 * time.Second
)

// Options 控制通道的时间参数。零值字段使用默认值。
type Options struct {
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	// ExponentialBackoff 开启后重连延迟按次数翻倍并受 MaxReconnectDelay 约束。
	// 默认保持固定延迟。
	ExponentialBackoff bool
	MaxReconnectDelay  time.Duration
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.MaxReconnectDelay <= 0 {
		o.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	return o
}

// Listener 是挂载在 ConnManager 上的事件监听器。未设置的回调被跳过。
type Listener struct {
	OnOpen    func()
	OnMessage func(*Message)
	OnClose   func(code int)
}

// Conn 是 ConnManager 依赖的最小连接接口，*websocket.Conn 直接满足。
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer 抽象底层拨号过程，便于测试替换。
type Dialer func(ctx context.Context, rawURL string) (Conn, error)

func defaultDial(ctx context.Context, rawURL string) (Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	c, _, err := d.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ConnManager 为一个 Token 维护至多一条通知通道：
// 负责拨号、心跳、按关闭码决定是否重连，并把解码后的消息分发给监听器。
// 它不解释 job_status 的语义，按任务过滤是 Tracker 的职责。
type ConnManager struct {
	baseURL string
	logger  *slog.Logger
	opts    Options
	dial    Dialer

	mu         sync.Mutex
	phase      Phase
	token      string
	retryCount int
	conn       Conn
	// gen 在每次拨号与主动拆除时递增，旧代的读循环、定时器事件一律丢弃。
	gen uint64
	// heartbeatCancel 非空当且仅当 phase == PhaseOpen。
	heartbeatCancel context.CancelFunc
	// reconnectTimer 仅在 disconnected 且已排定重连时非空。
	reconnectTimer *time.Timer

	listeners  map[int]Listener
	listenerID int

	// writeMu 串行化底层写操作，gorilla/websocket 不允许并发写。
	writeMu sync.Mutex
}

// NewConnManager 构造连接管理器。baseURL 为通知端点（ws:// 或 wss://）。
func NewConnManager(baseURL string, logger *slog.Logger, opts Options) *ConnManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnManager{
		baseURL:   baseURL,
		logger:    logger,
		opts:      opts.withDefaults(),
		dial:      defaultDial,
		listeners: make(map[int]Listener),
	}
}

// AddListener 挂载监听器并返回对应的卸载函数。挂载是累加的，互不影响。
func (m *ConnManager) AddListener(l Listener) (remove func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listenerID++
	id := m.listenerID
	m.listeners[id] = l
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Connect 打开指向通知端点的通道。
// 同一 Token 已在连接或已打开时为幂等空操作；换 Token 先完整拆除旧通道；
// 空 Token 直接返回。拨号失败不会同步返回错误，统一走 close 事件与重连策略。
func (m *ConnManager) Connect(token string) {
	if token == "" {
		return
	}

	m.mu.Lock()
	if token == m.token && (m.phase == PhaseConnecting || m.phase == PhaseOpen) {
		m.mu.Unlock()
		return
	}
	hadConn := m.teardownLocked()
	m.token = token
	m.startDialLocked()
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	if hadConn {
		fanoutClose(listeners, websocket.CloseNormalClosure)
	}
}

// Disconnect 取消排定中的重连、停止心跳并关闭通道。可重复调用。
func (m *ConnManager) Disconnect() {
	m.mu.Lock()
	hadConn := m.teardownLocked()
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	if hadConn {
		fanoutClose(listeners, websocket.CloseNormalClosure)
	}
}

// Send 尽力发送一帧。通道未打开时静默丢弃，不做缓冲。
func (m *ConnManager) Send(frame []byte) {
	m.mu.Lock()
	c := m.conn
	open := m.phase == PhaseOpen
	m.mu.Unlock()
	if !open || c == nil {
		return
	}
	if err := m.writeFrame(c, frame); err != nil {
		m.logger.Debug("send on notify channel failed", slog.Any("error", err))
	}
}

// Phase 返回当前连接阶段。
func (m *ConnManager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// IsConnected 返回通道是否处于打开状态。
func (m *ConnManager) IsConnected() bool {
	return m.Phase() == PhaseOpen
}

// RetryCount 返回自上次成功打开以来连续失败的连接次数。
func (m *ConnManager) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCount
}

// teardownLocked 同步作废所有定时器与在途事件并关闭连接。
// 返回拆除前是否存在已打开的通道。
func (m *ConnManager) teardownLocked() (hadConn bool) {
	m.gen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.heartbeatCancel != nil {
		m.heartbeatCancel()
		m.heartbeatCancel = nil
	}
	if m.conn != nil {
		m.phase = PhaseClosing
		_ = m.conn.Close()
		m.conn = nil
		hadConn = true
	}
	m.phase = PhaseDisconnected
	return hadConn
}

func (m *ConnManager) startDialLocked() {
	m.phase = PhaseConnecting
	m.gen++
	gen := m.gen
	token := m.token
	go m.dialAndServe(gen, token)
}

func (m *ConnManager) dialAndServe(gen uint64, token string) {
	c, err := m.dial(context.Background(), m.channelURL(token))

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if c != nil {
			_ = c.Close()
		}
		return
	}

	if err != nil {
		// 拨号失败等价于一次异常关闭，进入重连策略。
		m.logger.Warn("open notify channel failed", slog.Any("error", err))
		m.phase = PhaseDisconnected
		m.scheduleReconnectLocked()
		listeners := m.snapshotListenersLocked()
		m.mu.Unlock()
		fanoutClose(listeners, websocket.CloseAbnormalClosure)
		return
	}

	m.conn = c
	m.phase = PhaseOpen
	m.retryCount = 0
	hbCtx, cancel := context.WithCancel(context.Background())
	m.heartbeatCancel = cancel
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	go m.heartbeatLoop(hbCtx, c)

	for _, l := range listeners {
		if l.OnOpen != nil {
			l.OnOpen()
		}
	}

	m.readLoop(gen, c)
}

func (m *ConnManager) readLoop(gen uint64, c Conn) {
	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			m.handleClose(gen, closeCode(err))
			return
		}

		msg, derr := Decode(raw)
		if derr != nil {
			// 协议层错误只记录并丢弃，不影响通道存活。
			m.logger.Warn("drop malformed notify frame", slog.Any("error", derr))
			continue
		}

		for _, l := range m.snapshotListeners() {
			if l.OnMessage != nil {
				l.OnMessage(msg)
			}
		}
	}
}

func (m *ConnManager) handleClose(gen uint64, code int) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	if m.heartbeatCancel != nil {
		m.heartbeatCancel()
		m.heartbeatCancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.phase = PhaseDisconnected

	// 正常关闭与策略/鉴权拒绝不重连，对已被拒绝的 Token 重试没有意义。
	if code != websocket.CloseNormalClosure && code != websocket.ClosePolicyViolation {
		m.scheduleReconnectLocked()
	}
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	m.logger.Info("notify channel closed", slog.Int("code", code))
	fanoutClose(listeners, code)
}

func (m *ConnManager) scheduleReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.retryCount++
	delay := m.reconnectDelayLocked()
	gen := m.gen
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.retryDial(gen)
	})
}

func (m *ConnManager) retryDial(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.phase != PhaseDisconnected || m.token == "" {
		return
	}
	m.reconnectTimer = nil
	m.startDialLocked()
}

func (m *ConnManager) reconnectDelayLocked() time.Duration {
	delay := m.opts.ReconnectDelay
	if !m.opts.ExponentialBackoff {
		return delay
	}
	for i := 1; i < m.retryCount; i++ {
		delay *= 2
		if delay >= m.opts.MaxReconnectDelay {
			return m.opts.MaxReconnectDelay
		}
	}
	return delay
}

func (m *ConnManager) heartbeatLoop(ctx context.Context, c Conn) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.writeFrame(c, pingFrame); err != nil {
				// 写失败交给读循环感知关闭，这里只记录。
				m.logger.Debug("write heartbeat failed", slog.Any("error", err))
				return
			}
		}
	}
}

func (m *ConnManager) writeFrame(c Conn, frame []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return c.WriteMessage(websocket.TextMessage, frame)
}

func (m *ConnManager) channelURL(token string) string {
	u, err := url.Parse(m.baseURL)
	if err != nil {
		return m.baseURL + "?token=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (m *ConnManager) snapshotListeners() []Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotListenersLocked()
}

func (m *ConnManager) snapshotListenersLocked() []Listener {
	out := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l)
	}
	return out
}

func fanoutClose(listeners []Listener, code int) {
	for _, l := range listeners {
		if l.OnClose != nil {
			l.OnClose(code)
		}
	}
}

func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}
