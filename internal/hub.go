package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/duel-engine/pkg/errors"
)

const (
	// writeWait 寫入單一訊框的最長時間
	writeWait = 10 * time.Second

	// pongWait 等待 pong 回應的最長時間，超過視為斷線
	pongWait = 60 * time.Second

	// pingPeriod ping 的發送間隔，必須小於 pongWait
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize 訊框大小上限
	maxMessageSize = 4096

	// sendBufferSize 每條連線的發送緩衝
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 跨域白名單由反向代理層處理
		return true
	},
}

// Hub 連線中樞
//
// 每條 websocket 連線對應一個 Conn，各自兩條 goroutine
// （readPump、writePump）。Hub 不維護房間到連線的映射，
// 廣播時向 Registry 要當下的遞送目標快照，成員關係只有
// 一份真相。
type Hub struct {
	id       string
	registry *Registry
	fabric   Fabric
	identity IdentityProvider
	users    UserDirectory
	cfg      *Config
	logger   *slog.Logger

	conns map[*Conn]struct{}
	mu    sync.Mutex
}

// NewHub 創建連線中樞並接上廣播織網
func NewHub(registry *Registry, fabric Fabric, identity IdentityProvider, users UserDirectory, cfg *Config, logger *slog.Logger) (*Hub, error) {
	h := &Hub{
		id:       uuid.NewString(),
		registry: registry,
		fabric:   fabric,
		identity: identity,
		users:    users,
		cfg:      cfg,
		logger:   logger,
		conns:    make(map[*Conn]struct{}),
	}

	if err := fabric.Subscribe(h.deliverLocal); err != nil {
		return nil, err
	}

	return h, nil
}

// Conn 單一玩家連線
type Conn struct {
	hub      *Hub
	ws       *websocket.Conn
	send     chan []byte
	roomCode string
	kind     GameKind
	user     User
	session  *PlayerSession

	superseded bool
	closed     bool
	closeOnce  sync.Once
	mu         sync.Mutex
}

// Deliver 投遞訊框（非阻塞）
//
// 緩衝滿代表客戶端長期讀不動：斷開它，而不是讓整個房間
// 的廣播排隊等它。closed 旗標與 send 的關閉在同一臨界區，
// 拆除後的投遞不會打在已關閉的 channel 上。
func (c *Conn) Deliver(data []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
		return true
	default:
		c.mu.Unlock()
		c.hub.logger.Warn("slow client, disconnecting",
			"room_code", c.roomCode,
			"user_id", c.user.ID)
		c.teardown()
		return false
	}
}

// Supersede 標記連線已被同一玩家的新連線取代
//
// 被取代的連線關閉時不得觸發離座：座位已屬於新連線。
func (c *Conn) Supersede() {
	c.mu.Lock()
	c.superseded = true
	c.mu.Unlock()
	c.teardown()
}

// teardown 拆除連線（恰好執行一次）
func (c *Conn) teardown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		superseded := c.superseded
		c.mu.Unlock()

		c.hub.mu.Lock()
		delete(c.hub.conns, c)
		c.hub.mu.Unlock()

		if superseded {
			return
		}

		outcome := c.hub.registry.Leave(c.roomCode, c.user.ID, c)
		if outcome != nil {
			c.hub.broadcast(c.roomCode, c.user.ID, disconnectedFrame(outcome.Slot))
		}
	})
}

// ServeWS 處理 websocket 升級請求
//
// 路徑：GET /ws/{kind}/{room_code}
//
// 容量已滿時仍完成升級，送出錯誤訊框後才關閉：HTTP 層拒絕
// 會讓客戶端只看到一次不明所以的握手失敗。
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	kind := GameKind(r.PathValue("kind"))
	roomCode := r.PathValue("room_code")

	if !ValidKind(kind) || roomCode == "" {
		http.Error(w, "unknown game kind", http.StatusNotFound)
		return
	}

	userID, err := h.identity.Authenticate(r)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	user, err := h.users.Resolve(r.Context(), userID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	conn := &Conn{
		hub:      h,
		ws:       ws,
		send:     make(chan []byte, sendBufferSize),
		roomCode: roomCode,
		kind:     kind,
		user:     user,
	}

	outcome, err := h.registry.Join(roomCode, kind, user, conn)
	if err != nil {
		// 入座失敗：告知原因後關閉，房間狀態不受影響
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteMessage(websocket.TextMessage, errorFrame(errors.GetMessage(err)))
		_ = ws.Close()
		return
	}

	conn.session = outcome.Session

	// 入座已換上新連線，但在 Supersede 生效前，舊連線上
	// 已讀進來的訊框仍可能被轉發一次；遞送端的失效是原子
	// 的，轉發端這個微秒級的窗口我們接受
	if outcome.Superseded != nil {
		outcome.Superseded.Supersede()
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	go conn.writePump()
	go conn.readPump()

	conn.Deliver(assignedFrame(outcome.Session.Slot, roomCode))

	// 加入廣播發給房間裡所有人，包含剛入座的本人；
	// 本人會在 player_assigned 之後收到這則廣播
	if !outcome.Reconnect {
		h.broadcast(roomCode, "", joinedFrame(
			outcome.Session.Slot, user.Username, user.DisplayName, outcome.PlayerCount))
	}

	if outcome.GameStarted {
		h.broadcast(roomCode, "", gameStartFrame())
	}
}

// broadcast 廣播訊框：先本地遞送，再發上織網
func (h *Hub) broadcast(roomCode, exceptUser string, data []byte) {
	h.deliverLocal(roomCode, exceptUser, data)
	if err := h.fabric.Publish(roomCode, exceptUser, data); err != nil {
		h.logger.Warn("fabric publish failed", "room_code", roomCode, "error", err)
	}
}

// deliverLocal 遞送訊框給本節點上的房間成員
func (h *Hub) deliverLocal(roomCode, exceptUser string, data []byte) {
	for _, s := range h.registry.Senders(roomCode, exceptUser) {
		s.Deliver(data)
	}
}

// Stop 關閉所有存活連線
func (h *Hub) Stop() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.teardown()
	}
	h.logger.Info("hub stopped", "closed_connections", len(conns))
}

// readPump 讀取迴圈
//
// 一條連線一個讀取 goroutine。所有入站訊框都在這裡解析、
// 檢查權限、轉發。迴圈結束即拆除連線。
func (c *Conn) readPump() {
	defer func() {
		c.teardown()
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error",
					"room_code", c.roomCode,
					"user_id", c.user.ID,
					"error", err)
			}
			return
		}

		c.dispatch(raw)
	}
}

// dispatch 處理一個入站訊框
//
// 格式錯誤只回報給發送者，連線與房間不受影響。
// 權限不足的訊框預設靜默丟棄：對客戶端而言，偽造權限訊框
// 得不到任何可觀測的回饋。
func (c *Conn) dispatch(raw []byte) {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.Deliver(errorFrame("invalid message format"))
		return
	}

	msgType, _ := msg["type"].(string)
	if msgType == "" {
		c.Deliver(errorFrame("missing message type"))
		return
	}

	if HostOnly(msgType) && !c.session.IsHost {
		c.hub.logger.Warn("unauthorized frame dropped",
			"room_code", c.roomCode,
			"user_id", c.user.ID,
			"slot", c.session.Slot,
			"type", msgType)
		if c.hub.cfg.Game.NotifyAuthzViolation {
			c.Deliver(errorFrame("not permitted"))
		}
		return
	}

	if msgType == TypeGameOver {
		c.hub.registry.MarkGameOver(c.roomCode)
	}

	// 轉發前蓋上來源座位號，客戶端不能偽造自己的身份
	msg["player_number"] = c.session.Slot

	out, err := json.Marshal(msg)
	if err != nil {
		c.Deliver(errorFrame("invalid message format"))
		return
	}

	c.hub.broadcast(c.roomCode, c.user.ID, out)
}

// writePump 寫入迴圈
//
// 一條連線一個寫入 goroutine，所有出站寫入都經過它，
// gorilla 的連線同一時間只容許一個寫入者。
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
