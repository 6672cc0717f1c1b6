package internal

import (
	"context"
	"log/slog"

	"github.com/koopa0/duel-engine/pkg/errors"
)

// 猜拳的合法出招
const (
	ChoiceRock     = "rock"
	ChoicePaper    = "paper"
	ChoiceScissors = "scissors"
)

// beats 勝負表：key 勝過 value
var beats = map[string]string{
	ChoiceRock:     ChoiceScissors,
	ChoicePaper:    ChoiceRock,
	ChoiceScissors: ChoicePaper,
}

// RPSService 回合制猜拳服務
//
// 與即時對戰不同，回合制不經過 websocket：出招走 HTTP，
// 狀態完全落在 MatchStore。兩邊都出招的那一刻判定勝負
// 並完結對戰。
type RPSService struct {
	store  MatchStore
	logger *slog.Logger
}

// NewRPSService 創建猜拳服務
func NewRPSService(store MatchStore, logger *slog.Logger) *RPSService {
	return &RPSService{store: store, logger: logger}
}

// MoveResult 出招結果
//
// Status 為 waiting 時對手尚未出招，OpponentChoice 不揭露。
type MoveResult struct {
	Status         string `json:"status"`
	Choice         string `json:"choice"`
	OpponentChoice string `json:"opponent_choice,omitempty"`
	Outcome        string `json:"outcome,omitempty"`
	WinnerID       string `json:"winner_id,omitempty"`
}

// PlayMove 出招
//
// 先驗證出招與參與資格，落盤由儲存層原子處理：重複出招與
// 已完結對戰的衝突檢查發生在儲存層的臨界區內，兩個請求
// 同時出招也只會各記一次。
func (s *RPSService) PlayMove(ctx context.Context, matchID, userID, choice string) (*MoveResult, error) {
	if _, ok := beats[choice]; !ok {
		return nil, errors.ErrInvalidChoice
	}

	m, err := s.store.Match(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.Participant(userID) {
		return nil, errors.ErrNotParticipant
	}

	m, err = s.store.RecordChoice(ctx, matchID, userID, choice)
	if err != nil {
		return nil, err
	}

	opponentID := m.Opponent(userID)
	opponentChoice, opponentDone := m.Choices[opponentID]
	if !opponentDone {
		return &MoveResult{Status: "waiting", Choice: choice}, nil
	}

	winnerID, draw := resolveRound(userID, choice, opponentID, opponentChoice)
	m, err = s.store.CompleteMatch(ctx, matchID, winnerID, draw)
	if err != nil {
		return nil, err
	}

	s.logger.Info("match resolved",
		"match_id", matchID,
		"winner_id", winnerID,
		"draw", draw)

	return &MoveResult{
		Status:         "complete",
		Choice:         choice,
		OpponentChoice: opponentChoice,
		Outcome:        outcomeFor(userID, winnerID, draw),
		WinnerID:       winnerID,
	}, nil
}

// MatchState 查詢對戰狀態
//
// 被動等待的一方靠輪詢得知結果；對手已出招但對戰未完結時
// 不揭露對手的選擇。
func (s *RPSService) MatchState(ctx context.Context, matchID, userID string) (*MoveResult, error) {
	m, err := s.store.Match(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.Participant(userID) {
		return nil, errors.ErrNotParticipant
	}

	choice := m.Choices[userID]
	if m.Status != MatchCompleted {
		return &MoveResult{Status: "waiting", Choice: choice}, nil
	}

	return &MoveResult{
		Status:         "complete",
		Choice:         choice,
		OpponentChoice: m.Choices[m.Opponent(userID)],
		Outcome:        outcomeFor(userID, m.WinnerID, m.Draw),
		WinnerID:       m.WinnerID,
	}, nil
}

// resolveRound 判定一回合的勝負
func resolveRound(aID, aChoice, bID, bChoice string) (winnerID string, draw bool) {
	switch {
	case aChoice == bChoice:
		return "", true
	case beats[aChoice] == bChoice:
		return aID, false
	default:
		return bID, false
	}
}

func outcomeFor(userID, winnerID string, draw bool) string {
	switch {
	case draw:
		return "draw"
	case winnerID == userID:
		return "win"
	default:
		return "lose"
	}
}
