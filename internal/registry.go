package internal

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/koopa0/duel-engine/pkg/errors"
)

// Registry 房間註冊表
//
// 以房間碼（不透明的 8 位大寫英數字串）為索引管理所有存活房間。
// 房間永遠以碼引用，不以裸指標跨元件傳遞，擁有權與生命週期
// 因此是顯式的：單節點部署用這份記憶體表；多節點部署可以把
// 同一套介面接到共享外部儲存上。
//
// 鎖的層次（固定順序，先表後房，避免死鎖）：
//   - Registry.mu：保護 rooms 映射本身
//   - roomEntry.mu：一個房間碼一個臨界區，座位認領是原子操作
//
// 已知限制：表鎖是全域的，刪除房間時會短暫序列化不相關房間的
// 查找；小規模下可接受，規模化時應改為分片表。
type Registry struct {
	rooms  map[string]*roomEntry
	mu     sync.RWMutex
	cfg    *Config
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// roomEntry 房間與其專屬鎖
//
// dead 旗標解決「查找與銷毀競賽」：Join 先取表讀鎖拿到條目，
// 銷毀者隨後從表中移除；Join 鎖住條目後發現 dead，重新查找。
type roomEntry struct {
	mu   sync.Mutex
	room *Room
	dead bool
}

// NewRegistry 創建房間註冊表並啟動清理迴圈
func NewRegistry(cfg *Config, logger *slog.Logger) *Registry {
	rg := &Registry{
		rooms:  make(map[string]*roomEntry),
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	rg.wg.Add(1)
	go rg.cleanupLoop()

	return rg
}

// JoinOutcome 入座結果（交給連線處理器發送對應的廣播）
type JoinOutcome struct {
	Session     *PlayerSession
	Reconnect   bool
	Superseded  Sender
	PlayerCount int
	GameStarted bool
}

// Join 以房間碼入座
//
// 未知房間碼會惰性創建房間（對應「第一次成功加入即創建」語義）。
// 容量已滿回傳 ErrRoomFull，房間狀態不變，由呼叫者關閉新連線。
// 「第一個完成入座的拿到 slot 1」由條目鎖保證，與網路層的
// 到達順序無關。
func (rg *Registry) Join(code string, kind GameKind, user User, conn Sender) (*JoinOutcome, error) {
	for {
		entry := rg.getOrCreate(code, kind)

		entry.mu.Lock()
		if entry.dead {
			// 與銷毀競賽輸了，重新查找（下一輪會創建新房間）
			entry.mu.Unlock()
			continue
		}

		outcome, err := entry.room.claimSlot(user, conn)
		entry.mu.Unlock()

		if err != nil {
			return nil, err
		}

		rg.logger.Info("player joined room",
			"room_code", code,
			"user_id", user.ID,
			"slot", outcome.Session.Slot,
			"reconnect", outcome.Reconnect,
			"player_count", outcome.PlayerCount)

		return &JoinOutcome{
			Session:     outcome.Session,
			Reconnect:   outcome.Reconnect,
			Superseded:  outcome.Superseded,
			PlayerCount: outcome.PlayerCount,
			GameStarted: outcome.GameStarted,
		}, nil
	}
}

// LeaveOutcome 離座結果
type LeaveOutcome struct {
	Slot        int
	PlayerCount int
	Destroyed   bool
}

// Leave 離座
//
// 冪等：對已移除的玩家重複呼叫回傳 nil，絕不是錯誤。
// owner 非 nil 時只在座位仍屬於該連線時生效（重連取代防護）。
// 佔用數歸零時銷毀房間（回到 empty 狀態即從表中移除）。
func (rg *Registry) Leave(code, userID string, owner Sender) *LeaveOutcome {
	entry := rg.lookup(code)
	if entry == nil {
		return nil
	}

	entry.mu.Lock()
	session := entry.room.releaseSlot(userID, owner)
	remaining := entry.room.occupied()
	entry.mu.Unlock()

	if session == nil {
		return nil
	}

	destroyed := false
	if remaining == 0 {
		destroyed = rg.destroyIfEmpty(code)
	}

	rg.logger.Info("player left room",
		"room_code", code,
		"user_id", userID,
		"slot", session.Slot,
		"destroyed", destroyed)

	return &LeaveOutcome{
		Slot:        session.Slot,
		PlayerCount: remaining,
		Destroyed:   destroyed,
	}
}

// MarkGameOver 終局：started 置回 false（房主發送 game_over 時）
func (rg *Registry) MarkGameOver(code string) {
	entry := rg.lookup(code)
	if entry == nil {
		return
	}
	entry.mu.Lock()
	entry.room.Started = false
	if entry.room.Status == StatusReady {
		entry.room.Status = StatusForming
	}
	entry.mu.Unlock()
}

// Senders 收集房間的廣播目標快照
//
// 投遞發生在所有鎖之外：一個慢客戶端不得阻塞房間操作。
func (rg *Registry) Senders(code, exceptUser string) []Sender {
	entry := rg.lookup(code)
	if entry == nil {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.dead {
		return nil
	}
	return entry.room.senders(exceptUser)
}

// CreateRoom 為匹配系統預留房間
//
// 生成的房間碼在存活房間中唯一；碰撞時重試而非假設不碰撞。
func (rg *Registry) CreateRoom(kind GameKind) (string, error) {
	const maxAttempts = 10

	rg.mu.Lock()
	defer rg.mu.Unlock()

	for range maxAttempts {
		code := generateRoomCode(rg.cfg.Game.RoomCodeLength)
		if _, exists := rg.rooms[code]; exists {
			continue
		}
		rg.rooms[code] = &roomEntry{room: newRoom(code, kind, rg.cfg.Game.MaxPlayers)}
		rg.logger.Info("room reserved", "room_code", code, "kind", kind)
		return code, nil
	}

	return "", errors.New(errors.ErrCodeInternal, "room code space exhausted")
}

// ReleaseRoom 釋放仍為空的預留房間
//
// 匹配認領失敗（對手不存在、回退為排隊）時歸還預留碼。
// 已有人入座的房間不受影響。
func (rg *Registry) ReleaseRoom(code string) {
	rg.destroyIfEmpty(code)
}

// RoomState 房間快照（供狀態查詢與測試使用）
type RoomState struct {
	Code        string     `json:"room_code"`
	Kind        GameKind   `json:"kind"`
	Status      RoomStatus `json:"status"`
	Started     bool       `json:"started"`
	PlayerCount int        `json:"player_count"`
}

// Snapshot 取得單一房間的狀態快照
func (rg *Registry) Snapshot(code string) (RoomState, bool) {
	entry := rg.lookup(code)
	if entry == nil {
		return RoomState{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.dead {
		return RoomState{}, false
	}
	return RoomState{
		Code:        entry.room.Code,
		Kind:        entry.room.Kind,
		Status:      entry.room.Status,
		Started:     entry.room.Started,
		PlayerCount: entry.room.occupied(),
	}, true
}

// Stats 統計資訊
func (rg *Registry) Stats() map[string]any {
	rg.mu.RLock()
	entries := make([]*roomEntry, 0, len(rg.rooms))
	for _, e := range rg.rooms {
		entries = append(entries, e)
	}
	rg.mu.RUnlock()

	totalPlayers := 0
	byKind := make(map[GameKind]int)
	for _, e := range entries {
		e.mu.Lock()
		totalPlayers += e.room.occupied()
		byKind[e.room.Kind]++
		e.mu.Unlock()
	}

	return map[string]any{
		"total_rooms":   len(entries),
		"total_players": totalPlayers,
		"by_kind":       byKind,
	}
}

// Stop 停止註冊表
func (rg *Registry) Stop() {
	close(rg.stopCh)
	rg.wg.Wait()
	rg.logger.Info("room registry stopped")
}

// getOrCreate 查找或惰性創建房間
func (rg *Registry) getOrCreate(code string, kind GameKind) *roomEntry {
	rg.mu.RLock()
	entry, ok := rg.rooms[code]
	rg.mu.RUnlock()
	if ok {
		return entry
	}

	rg.mu.Lock()
	defer rg.mu.Unlock()
	if entry, ok := rg.rooms[code]; ok {
		return entry
	}
	entry = &roomEntry{room: newRoom(code, kind, rg.cfg.Game.MaxPlayers)}
	rg.rooms[code] = entry
	rg.logger.Info("room created", "room_code", code, "kind", kind)
	return entry
}

// lookup 查找房間條目
func (rg *Registry) lookup(code string) *roomEntry {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	return rg.rooms[code]
}

// destroyIfEmpty 在房間仍為空時將其銷毀
//
// 鎖順序：表寫鎖 → 條目鎖。銷毀與 Join 的競賽由 dead 旗標收斂：
// Join 拿到舊條目後會發現 dead 並重新查找。
func (rg *Registry) destroyIfEmpty(code string) bool {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	entry, ok := rg.rooms[code]
	if !ok {
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.room.occupied() > 0 {
		return false
	}

	entry.dead = true
	delete(rg.rooms, code)
	rg.logger.Info("room destroyed", "room_code", code)
	return true
}

// cleanupLoop 定期回收過期房間
//
// 匹配預留但從未有人加入的房間不會自行歸零，必須由這裡回收。
func (rg *Registry) cleanupLoop() {
	defer rg.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rg.Cleanup()
		case <-rg.stopCh:
			return
		}
	}
}

// Cleanup 執行一輪過期房間回收（公開供測試使用）
func (rg *Registry) Cleanup() {
	rg.mu.RLock()
	var expired []string
	for code, entry := range rg.rooms {
		entry.mu.Lock()
		if entry.room.isExpired(rg.cfg.Game.EmptyRoomTTL, rg.cfg.Game.RoomMaxAge) {
			expired = append(expired, code)
		}
		entry.mu.Unlock()
	}
	rg.mu.RUnlock()

	for _, code := range expired {
		if rg.destroyIfEmpty(code) {
			rg.logger.Info("expired room cleaned", "room_code", code)
		}
	}
}

// generateRoomCode 生成固定長度的大寫英數房間碼
func generateRoomCode(length int) string {
	const chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		// 隨機源失敗時以時間戳補救
		return strings.ToUpper(fmt.Sprintf("%0*X", length, time.Now().UnixNano()))[:length]
	}
	for i := range b {
		b[i] = chars[int(b[i])%len(chars)]
	}
	return string(b)
}
