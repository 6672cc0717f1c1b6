package internal

import (
	"time"

	"github.com/koopa0/duel-engine/pkg/errors"
)

// 系統設計問題：
//   如何讓兩名玩家透過同一個房間碼進行即時對戰，
//   並保證座位（slot）分配與房主權威在併發下仍然正確？
//
// 核心挑戰：
//   1. 座位分配：併發加入時，恰好一人拿到 slot 1（房主）
//   2. 重連語義：同一玩家重連必須保留原座位，舊連線立即失效
//   3. 狀態管理：empty → forming → ready，清空即銷毀
//   4. 權威模型：只有 slot 1 可以發送物理/比分/終局訊息
//
// 設計方案：
//   ✅ 有限狀態機（FSM）- 規範房間生命週期
//   ✅ 每房間互斥鎖 - 座位認領是原子操作
//   ✅ 入座時計算 is_host - 權限集中判定，不散落在呼叫點

// GameKind 遊戲類型
type GameKind string

const (
	// KindPong 連續物理對戰（主機權威模型）
	KindPong GameKind = "pong"
	// KindRPS 回合制對戰（猜拳）
	KindRPS GameKind = "rps"
)

// ValidKind 檢查遊戲類型是否支援
func ValidKind(kind GameKind) bool {
	return kind == KindPong || kind == KindRPS
}

// RoomStatus 房間狀態
//
// 有限狀態機設計：
//
//	empty → forming → ready
//	  ↑________________|（清空即銷毀）
//
// 狀態轉換規則：
//   - empty → forming：第一名玩家入座
//   - forming → ready：座位滿額，started 置為 true
//   - 任何狀態 → empty：最後一名玩家離開，房間銷毀
//   - ready 中房主發送 game_over：started 置回 false，房間保留至清空
type RoomStatus string

const (
	StatusEmpty   RoomStatus = "empty"
	StatusForming RoomStatus = "forming"
	StatusReady   RoomStatus = "ready"
)

// Sender 單一存活連線的傳輸句柄
//
// Room 只透過這個最小介面接觸連線：
//   - Deliver：非阻塞投遞一幀（緩衝滿時丟棄並回傳 false）
//   - Supersede：使連線失效（重連替換時，舊連線不得再收發）
type Sender interface {
	Deliver(data []byte) bool
	Supersede()
}

// PlayerSession 玩家會話
//
// 由所屬 Room 獨佔持有；連線處理器只保留非擁有的反向引用。
// 重連時是「替換」而非「複製」：同一玩家保留座位號，
// 換入新的連線句柄，舊句柄立即失效。
type PlayerSession struct {
	UserID      string
	Username    string
	DisplayName string
	Slot        int
	IsHost      bool // 入座時一次性計算（slot == 1），集中判定權限
	Conn        Sender
	JoinedAt    time.Time
}

// Room 對戰房間
//
// 系統設計考量：
//
//  1. 併發控制：座位表只在 Registry 持有房間鎖時變更，
//     Room 本身不帶鎖（鎖的粒度是「一個房間碼一個臨界區」，
//     由 Registry 統一管理，避免雙層鎖的順序問題）。
//
//  2. 座位不變量：座位號在 1..MaxSlots 之間分配，
//     認領最小的空位；存活的會話永不重新編號。
//     slot 1 永遠是權威房主。
//
//  3. 生命週期：首次有人以未知房間碼加入時惰性創建；
//     佔用數歸零即銷毀（或由匹配系統預留後釋放）。
type Room struct {
	Code      string
	Kind      GameKind
	MaxSlots  int
	Status    RoomStatus
	Started   bool
	CreatedAt time.Time

	sessions   map[string]*PlayerSession // userID -> session
	lastActive time.Time
}

// newRoom 創建空房間（惰性創建或匹配預留）
func newRoom(code string, kind GameKind, maxSlots int) *Room {
	now := time.Now()
	return &Room{
		Code:       code,
		Kind:       kind,
		MaxSlots:   maxSlots,
		Status:     StatusEmpty,
		CreatedAt:  now,
		sessions:   make(map[string]*PlayerSession),
		lastActive: now,
	}
}

// claimOutcome 入座結果
type claimOutcome struct {
	Session     *PlayerSession
	Reconnect   bool   // 既有玩家重連（保留座位）
	Superseded  Sender // 重連時被替換的舊連線句柄
	PlayerCount int
	GameStarted bool // 本次入座觸發了 forming → ready 轉換
}

// claimSlot 認領座位（呼叫者必須持有房間鎖）
//
// 流程對應狀態機：
//  1. 同一玩家重連：保留座位號，原子替換連線句柄，舊句柄失效
//  2. 佔用數已達上限：容量錯誤，房間狀態不變
//  3. 否則認領最小空位（從 1 開始），第一個完成入座的拿到 slot 1
//  4. 滿員且未開賽：started 置為 true（forming → ready）
func (r *Room) claimSlot(user User, conn Sender) (*claimOutcome, error) {
	r.lastActive = time.Now()

	// 重連：同一玩家保留座位，換入新連線
	if existing, ok := r.sessions[user.ID]; ok {
		old := existing.Conn
		existing.Conn = conn
		existing.Username = user.Username
		existing.DisplayName = user.DisplayName
		return &claimOutcome{
			Session:     existing,
			Reconnect:   true,
			Superseded:  old,
			PlayerCount: len(r.sessions),
		}, nil
	}

	// 容量檢查：拒絕時不得變更房間狀態
	if len(r.sessions) >= r.MaxSlots {
		return nil, errors.ErrRoomFull
	}

	// 認領最小空位；存活會話永不重新編號
	slot := r.nextFreeSlot()
	session := &PlayerSession{
		UserID:      user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Slot:        slot,
		IsHost:      slot == 1,
		Conn:        conn,
		JoinedAt:    time.Now(),
	}
	r.sessions[user.ID] = session

	if r.Status == StatusEmpty {
		r.Status = StatusForming
	}

	outcome := &claimOutcome{
		Session:     session,
		PlayerCount: len(r.sessions),
	}

	// 滿員自動開賽（forming → ready）
	if len(r.sessions) == r.MaxSlots && !r.Started {
		r.Started = true
		r.Status = StatusReady
		outcome.GameStarted = true
	}

	return outcome, nil
}

// nextFreeSlot 找到最小的未佔用座位號
func (r *Room) nextFreeSlot() int {
	taken := make(map[int]bool, len(r.sessions))
	for _, s := range r.sessions {
		taken[s.Slot] = true
	}
	for slot := 1; slot <= r.MaxSlots; slot++ {
		if !taken[slot] {
			return slot
		}
	}
	// claimSlot 已做容量檢查，不應到達這裡
	return len(r.sessions) + 1
}

// releaseSlot 釋放座位（呼叫者必須持有房間鎖）
//
// 冪等：重複或遲到的離開是 no-op，回傳 nil。
// owner 非 nil 時只釋放仍屬於該連線的座位：被新連線取代後，
// 舊連線遲到的拆除不得踢掉接手的會話。
// 斷線與顯式離開走同一條路徑，絕不因此讓處理器崩潰。
func (r *Room) releaseSlot(userID string, owner Sender) *PlayerSession {
	session, ok := r.sessions[userID]
	if !ok {
		return nil
	}
	if owner != nil && session.Conn != owner {
		return nil
	}
	delete(r.sessions, userID)
	r.lastActive = time.Now()
	if len(r.sessions) == 0 {
		r.Status = StatusEmpty
	}
	return session
}

// session 查詢玩家會話（呼叫者必須持有房間鎖）
func (r *Room) session(userID string) (*PlayerSession, bool) {
	s, ok := r.sessions[userID]
	return s, ok
}

// senders 收集廣播目標（呼叫者必須持有房間鎖）
//
// exceptUser 為空字串時發給所有訂閱者。
func (r *Room) senders(exceptUser string) []Sender {
	out := make([]Sender, 0, len(r.sessions))
	for id, s := range r.sessions {
		if exceptUser != "" && id == exceptUser {
			continue
		}
		out = append(out, s.Conn)
	}
	return out
}

// occupied 佔用座位數（呼叫者必須持有房間鎖）
func (r *Room) occupied() int {
	return len(r.sessions)
}

// isExpired 檢查房間是否過期（供清理機制使用）
//
// 匹配系統預留但從未有人加入的房間，以及長期滯留的空房間，
// 由 Registry 的清理迴圈回收，避免預留碼洩漏。
func (r *Room) isExpired(emptyTTL, maxAge time.Duration) bool {
	now := time.Now()
	if now.Sub(r.CreatedAt) > maxAge {
		return true
	}
	if len(r.sessions) == 0 && now.Sub(r.lastActive) > emptyTTL {
		return true
	}
	return false
}
