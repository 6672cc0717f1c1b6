package internal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/duel-engine/pkg/errors"
)

// QueueState 排隊狀態
type QueueState string

const (
	QueueWaiting    QueueState = "waiting"
	QueueMatched    QueueState = "matched"
	QueueNotInQueue QueueState = "not_in_queue"
)

// QueueResult 排隊操作的結果
//
// Status 為 matched 時 RoomCode、MatchID、Opponent 必填；
// waiting 時 Position 從 1 起算。
type QueueResult struct {
	Status   QueueState `json:"status"`
	QueueID  string     `json:"queue_id,omitempty"`
	Position int        `json:"position,omitempty"`
	RoomCode string     `json:"room_code,omitempty"`
	MatchID  string     `json:"match_id,omitempty"`
	Opponent *User      `json:"opponent,omitempty"`
}

// Matchmaker 配對佇列
//
// 核心保證：「尋找等待者並認領」是單一原子操作。兩個玩家同時
// 加入空佇列時，恰好一組配對成立，絕不互相認領或漏配。
// 記憶體實作以互斥鎖收斂，Redis 實作以 Lua 腳本收斂。
type Matchmaker interface {
	// Join 加入佇列：有等待者則立刻配對，否則排隊
	Join(ctx context.Context, kind GameKind, user User) (*QueueResult, error)

	// Leave 離開佇列，不在佇列中回傳 ErrNotInQueue
	Leave(ctx context.Context, kind GameKind, userID string) error

	// Status 查詢狀態；被動配對成功的一方由這裡得知結果，
	// matched 回報一次後即消費該記錄
	Status(ctx context.Context, kind GameKind, userID string) (*QueueResult, error)
}

// RoomAllocator 為配對結果預留房間
type RoomAllocator interface {
	CreateRoom(kind GameKind) (string, error)
	ReleaseRoom(code string)
}

// waiter 佇列中的等待者
type waiter struct {
	id       string
	user     User
	joinedAt time.Time
}

// pairing 已配對但尚未回報的結果（等待者視角）
type pairing struct {
	roomCode string
	matchID  string
	opponent User
}

// MemoryQueue 記憶體配對佇列
//
// 單一互斥鎖保護所有遊戲種類的佇列。配對吞吐遠低於鎖的開銷
// 門檻，分鎖不值得；跨行程部署改用 RedisQueue。
type MemoryQueue struct {
	waiting map[GameKind][]*waiter
	paired  map[GameKind]map[string]*pairing
	rooms   RoomAllocator
	store   MatchStore
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewMemoryQueue 創建記憶體配對佇列
func NewMemoryQueue(rooms RoomAllocator, store MatchStore, logger *slog.Logger) *MemoryQueue {
	return &MemoryQueue{
		waiting: make(map[GameKind][]*waiter),
		paired:  make(map[GameKind]map[string]*pairing),
		rooms:   rooms,
		store:   store,
		logger:  logger,
	}
}

// Join 加入佇列
//
// 回合制遊戲先檢查進行中的對戰：有未完結對戰的玩家不得再排隊。
// 重複加入是冪等的，回報當前排隊位置而非錯誤。
func (q *MemoryQueue) Join(ctx context.Context, kind GameKind, user User) (*QueueResult, error) {
	if kind == KindRPS && q.store != nil {
		active, err := q.store.ActiveMatch(ctx, kind, user.ID)
		if err != nil {
			return nil, err
		}
		if active != nil {
			return nil, errors.ErrActiveMatch
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// 已被動配對：直接回報並消費
	if p := q.takePairing(kind, user.ID); p != nil {
		return matchedResult(p), nil
	}

	// 已在佇列中：回報位置
	if pos, w := q.find(kind, user.ID); pos > 0 {
		return &QueueResult{Status: QueueWaiting, QueueID: w.id, Position: pos}, nil
	}

	// 認領最早的等待者
	line := q.waiting[kind]
	for len(line) > 0 {
		head := line[0]
		line = line[1:]
		q.waiting[kind] = line

		if head.user.ID == user.ID {
			continue
		}

		result, err := q.pair(ctx, kind, head.user, user)
		if err != nil {
			// 配對落盤失敗：等待者放回隊首，錯誤交給加入者
			q.waiting[kind] = append([]*waiter{head}, q.waiting[kind]...)
			return nil, err
		}
		return result, nil
	}

	// 無人等待：排隊
	entry := &waiter{id: uuid.NewString(), user: user, joinedAt: time.Now()}
	q.waiting[kind] = append(q.waiting[kind], entry)
	q.logger.Info("player queued",
		"kind", kind,
		"user_id", user.ID,
		"queue_id", entry.id,
		"queue_depth", len(q.waiting[kind]))

	return &QueueResult{Status: QueueWaiting, QueueID: entry.id, Position: len(q.waiting[kind])}, nil
}

// pair 撮合等待者與加入者（呼叫者持鎖）
//
// 等待者那一側的結果存入 paired，由其下一次狀態輪詢取走。
func (q *MemoryQueue) pair(ctx context.Context, kind GameKind, earlier, later User) (*QueueResult, error) {
	roomCode, err := q.rooms.CreateRoom(kind)
	if err != nil {
		return nil, err
	}

	matchID := uuid.NewString()
	if q.store != nil {
		m := &Match{
			ID:       matchID,
			Kind:     kind,
			RoomCode: roomCode,
			Player1:  earlier.ID,
			Player2:  later.ID,
			Status:   MatchActive,
		}
		if err := q.store.CreateMatch(ctx, m); err != nil {
			q.rooms.ReleaseRoom(roomCode)
			return nil, err
		}
	}

	if q.paired[kind] == nil {
		q.paired[kind] = make(map[string]*pairing)
	}
	q.paired[kind][earlier.ID] = &pairing{roomCode: roomCode, matchID: matchID, opponent: later}

	q.logger.Info("players matched",
		"kind", kind,
		"match_id", matchID,
		"room_code", roomCode,
		"player1", earlier.ID,
		"player2", later.ID)

	return matchedResult(&pairing{roomCode: roomCode, matchID: matchID, opponent: earlier}), nil
}

// Leave 離開佇列
//
// 已配對但尚未得知結果的玩家離開時，配對記錄一併作廢。
func (q *MemoryQueue) Leave(_ context.Context, kind GameKind, userID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	line := q.waiting[kind]
	for i, w := range line {
		if w.user.ID == userID {
			q.waiting[kind] = append(line[:i], line[i+1:]...)
			q.logger.Info("player dequeued", "kind", kind, "user_id", userID)
			return nil
		}
	}

	if q.takePairing(kind, userID) != nil {
		return nil
	}

	return errors.ErrNotInQueue
}

// Status 查詢排隊狀態
func (q *MemoryQueue) Status(_ context.Context, kind GameKind, userID string) (*QueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if p := q.takePairing(kind, userID); p != nil {
		return matchedResult(p), nil
	}
	if pos, w := q.find(kind, userID); pos > 0 {
		return &QueueResult{Status: QueueWaiting, QueueID: w.id, Position: pos}, nil
	}
	return &QueueResult{Status: QueueNotInQueue}, nil
}

// Depth 佇列深度（統計用）
func (q *MemoryQueue) Depth(kind GameKind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting[kind])
}

// find 回傳等待位置與條目，不在佇列中回傳 0（呼叫者持鎖）
func (q *MemoryQueue) find(kind GameKind, userID string) (int, *waiter) {
	for i, w := range q.waiting[kind] {
		if w.user.ID == userID {
			return i + 1, w
		}
	}
	return 0, nil
}

// takePairing 取走並消費配對記錄（呼叫者持鎖）
func (q *MemoryQueue) takePairing(kind GameKind, userID string) *pairing {
	p, ok := q.paired[kind][userID]
	if !ok {
		return nil
	}
	delete(q.paired[kind], userID)
	return p
}

func matchedResult(p *pairing) *QueueResult {
	opp := p.opponent
	return &QueueResult{
		Status:   QueueMatched,
		RoomCode: p.roomCode,
		MatchID:  p.matchID,
		Opponent: &opp,
	}
}
