package internal

import (
	"context"
	"sync"
	"time"

	"github.com/koopa0/duel-engine/pkg/errors"
)

// User 玩家身份
//
// ID 是穩定主鍵（重連語義以它為準），Username 唯一、
// DisplayName 可重複，兩者只用於展示。
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// MatchStatus 對戰狀態
type MatchStatus string

const (
	MatchActive    MatchStatus = "active"
	MatchCompleted MatchStatus = "completed"
)

// Match 一場配對成功的對戰
//
// 即時對戰（pong）只用它做歷史記錄；回合制對戰（rps）的
// 出招與勝負判定直接落在這筆記錄上。
type Match struct {
	ID          string            `json:"id"`
	Kind        GameKind          `json:"kind"`
	RoomCode    string            `json:"room_code"`
	Player1     string            `json:"player1_id"`
	Player2     string            `json:"player2_id"`
	Status      MatchStatus       `json:"status"`
	WinnerID    string            `json:"winner_id,omitempty"`
	Draw        bool              `json:"draw,omitempty"`
	Choices     map[string]string `json:"choices,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt time.Time         `json:"completed_at,omitzero"`
}

// Participant 回報使用者是否是這場對戰的參與者
func (m *Match) Participant(userID string) bool {
	return m.Player1 == userID || m.Player2 == userID
}

// Opponent 回傳對手的使用者 ID
func (m *Match) Opponent(userID string) string {
	if m.Player1 == userID {
		return m.Player2
	}
	return m.Player1
}

// MatchStore 對戰持久層
//
// 記憶體實作供單節點與測試使用，PostgreSQL 實作供正式部署。
// 所有方法都吃 context，外部儲存的逾時與取消由呼叫者控制。
type MatchStore interface {
	// CreateMatch 寫入一場新對戰
	CreateMatch(ctx context.Context, m *Match) error

	// Match 以 ID 取回對戰，找不到回傳 ErrMatchNotFound
	Match(ctx context.Context, id string) (*Match, error)

	// ActiveMatch 取回使用者進行中的對戰（回合制衝突檢查用），
	// 沒有則回傳 (nil, nil)
	ActiveMatch(ctx context.Context, kind GameKind, userID string) (*Match, error)

	// RecordChoice 記錄出招並回傳更新後的對戰；
	// 重複出招回傳 ErrAlreadyChosen，已完結回傳 ErrMatchCompleted
	RecordChoice(ctx context.Context, matchID, userID, choice string) (*Match, error)

	// CompleteMatch 落盤勝負結果
	CompleteMatch(ctx context.Context, matchID, winnerID string, draw bool) (*Match, error)
}

// UserDirectory 使用者目錄
//
// 連線處理器用它把身份層給的 user_id 補全成展示名稱；
// 查無此人不是錯誤，回傳以 ID 充當名稱的佔位使用者。
type UserDirectory interface {
	// Resolve 以 ID 解析使用者
	Resolve(ctx context.Context, userID string) (User, error)

	// Upsert 寫入或更新使用者
	Upsert(ctx context.Context, u User) error
}

// MemoryMatchStore 記憶體對戰儲存
type MemoryMatchStore struct {
	matches map[string]*Match
	mu      sync.RWMutex
}

// NewMemoryMatchStore 創建記憶體對戰儲存
func NewMemoryMatchStore() *MemoryMatchStore {
	return &MemoryMatchStore{matches: make(map[string]*Match)}
}

// CreateMatch 寫入一場新對戰
func (s *MemoryMatchStore) CreateMatch(_ context.Context, m *Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	if cp.Choices == nil {
		cp.Choices = make(map[string]string)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if cp.Status == "" {
		cp.Status = MatchActive
	}
	s.matches[cp.ID] = &cp
	return nil
}

// Match 以 ID 取回對戰
func (s *MemoryMatchStore) Match(_ context.Context, id string) (*Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.matches[id]
	if !ok {
		return nil, errors.ErrMatchNotFound
	}
	cp := cloneMatch(m)
	return cp, nil
}

// ActiveMatch 取回使用者進行中的對戰
func (s *MemoryMatchStore) ActiveMatch(_ context.Context, kind GameKind, userID string) (*Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.matches {
		if m.Kind == kind && m.Status == MatchActive && m.Participant(userID) {
			return cloneMatch(m), nil
		}
	}
	return nil, nil
}

// RecordChoice 記錄出招
func (s *MemoryMatchStore) RecordChoice(_ context.Context, matchID, userID, choice string) (*Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchID]
	if !ok {
		return nil, errors.ErrMatchNotFound
	}
	if m.Status == MatchCompleted {
		return nil, errors.ErrMatchCompleted
	}
	if _, chosen := m.Choices[userID]; chosen {
		return nil, errors.ErrAlreadyChosen
	}
	m.Choices[userID] = choice
	return cloneMatch(m), nil
}

// CompleteMatch 落盤勝負結果
func (s *MemoryMatchStore) CompleteMatch(_ context.Context, matchID, winnerID string, draw bool) (*Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchID]
	if !ok {
		return nil, errors.ErrMatchNotFound
	}
	m.Status = MatchCompleted
	m.WinnerID = winnerID
	m.Draw = draw
	m.CompletedAt = time.Now()
	return cloneMatch(m), nil
}

func cloneMatch(m *Match) *Match {
	cp := *m
	cp.Choices = make(map[string]string, len(m.Choices))
	for k, v := range m.Choices {
		cp.Choices[k] = v
	}
	return &cp
}

// MemoryUserDirectory 記憶體使用者目錄
type MemoryUserDirectory struct {
	users map[string]User
	mu    sync.RWMutex
}

// NewMemoryUserDirectory 創建記憶體使用者目錄
func NewMemoryUserDirectory() *MemoryUserDirectory {
	return &MemoryUserDirectory{users: make(map[string]User)}
}

// Resolve 以 ID 解析使用者
func (d *MemoryUserDirectory) Resolve(_ context.Context, userID string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if u, ok := d.users[userID]; ok {
		return u, nil
	}
	// 查無此人：以 ID 充當展示名稱，連線流程不因目錄缺漏而失敗
	return User{ID: userID, Username: userID, DisplayName: userID}, nil
}

// Upsert 寫入或更新使用者
func (d *MemoryUserDirectory) Upsert(_ context.Context, u User) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
	return nil
}
