package internal_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/duel-engine/internal"
	"github.com/koopa0/duel-engine/pkg/errors"
)

func newTestQueue(t *testing.T) (*internal.MemoryQueue, *internal.MemoryMatchStore) {
	t.Helper()
	rg := internal.NewRegistry(internal.DefaultConfig(), testLogger())
	t.Cleanup(rg.Stop)
	store := internal.NewMemoryMatchStore()
	return internal.NewMemoryQueue(rg, store, testLogger()), store
}

// TestQueueJoinWaiting 測試無人等待時排隊
func TestQueueJoinWaiting(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	result, err := q.Join(ctx, internal.KindPong, player("u1"))
	require.NoError(t, err)
	assert.Equal(t, internal.QueueWaiting, result.Status)
	assert.Equal(t, 1, result.Position)
	assert.NotEmpty(t, result.QueueID)
	queueID := result.QueueID

	// 重複加入是冪等的，拿回同一張佇列憑證
	result, err = q.Join(ctx, internal.KindPong, player("u1"))
	require.NoError(t, err)
	assert.Equal(t, internal.QueueWaiting, result.Status)
	assert.Equal(t, 1, result.Position)
	assert.Equal(t, queueID, result.QueueID)
	assert.Equal(t, 1, q.Depth(internal.KindPong))
}

// TestQueueMatch 測試兩人配對
func TestQueueMatch(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Join(ctx, internal.KindPong, player("u1"))
	require.NoError(t, err)

	result, err := q.Join(ctx, internal.KindPong, player("u2"))
	require.NoError(t, err)
	require.Equal(t, internal.QueueMatched, result.Status)
	assert.Len(t, result.RoomCode, 8)
	assert.NotEmpty(t, result.MatchID)
	require.NotNil(t, result.Opponent)
	assert.Equal(t, "u1", result.Opponent.ID)

	// 等待者輪詢一次拿到結果，之後記錄即被消費
	status, err := q.Status(ctx, internal.KindPong, "u1")
	require.NoError(t, err)
	assert.Equal(t, internal.QueueMatched, status.Status)
	assert.Equal(t, result.RoomCode, status.RoomCode)
	assert.Equal(t, result.MatchID, status.MatchID)
	assert.Equal(t, "u2", status.Opponent.ID)

	status, err = q.Status(ctx, internal.KindPong, "u1")
	require.NoError(t, err)
	assert.Equal(t, internal.QueueNotInQueue, status.Status)

	// 對戰記錄落盤
	m, err := store.Match(ctx, result.MatchID)
	require.NoError(t, err)
	assert.Equal(t, internal.MatchActive, m.Status)
	assert.True(t, m.Participant("u1"))
	assert.True(t, m.Participant("u2"))
}

// TestQueueKindIsolation 測試不同遊戲種類的佇列互不干擾
func TestQueueKindIsolation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Join(ctx, internal.KindPong, player("u1"))
	require.NoError(t, err)

	result, err := q.Join(ctx, internal.KindRPS, player("u2"))
	require.NoError(t, err)
	assert.Equal(t, internal.QueueWaiting, result.Status)
	assert.Equal(t, 1, q.Depth(internal.KindPong))
	assert.Equal(t, 1, q.Depth(internal.KindRPS))
}

// TestQueueLeave 測試離開佇列
func TestQueueLeave(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Join(ctx, internal.KindPong, player("u1"))
	require.NoError(t, err)

	require.NoError(t, q.Leave(ctx, internal.KindPong, "u1"))
	assert.Equal(t, 0, q.Depth(internal.KindPong))

	err = q.Leave(ctx, internal.KindPong, "u1")
	assert.ErrorIs(t, err, errors.ErrNotInQueue)

	status, err := q.Status(ctx, internal.KindPong, "u1")
	require.NoError(t, err)
	assert.Equal(t, internal.QueueNotInQueue, status.Status)
}

// TestQueueLeaveDiscardsPairing 測試離開時作廢未取走的配對結果
func TestQueueLeaveDiscardsPairing(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Join(ctx, internal.KindPong, player("u1"))
	require.NoError(t, err)
	second, err := q.Join(ctx, internal.KindPong, player("u2"))
	require.NoError(t, err)
	require.Equal(t, internal.QueueMatched, second.Status)

	// u1 尚未輪詢到結果就離開：配對記錄一併作廢
	require.NoError(t, q.Leave(ctx, internal.KindPong, "u1"))

	status, err := q.Status(ctx, internal.KindPong, "u1")
	require.NoError(t, err)
	assert.Equal(t, internal.QueueNotInQueue, status.Status)
}

// TestQueueFIFO 測試先到先配
func TestQueueFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Join(ctx, internal.KindPong, player("u1"))
	require.NoError(t, err)
	second, err := q.Join(ctx, internal.KindPong, player("u2"))
	require.NoError(t, err)
	require.Equal(t, internal.QueueMatched, second.Status)

	// u1 配走後 u3 重新排在隊首
	third, err := q.Join(ctx, internal.KindPong, player("u3"))
	require.NoError(t, err)
	assert.Equal(t, internal.QueueWaiting, third.Status)
	assert.Equal(t, 1, third.Position)

	fourth, err := q.Join(ctx, internal.KindPong, player("u4"))
	require.NoError(t, err)
	require.Equal(t, internal.QueueMatched, fourth.Status)
	assert.Equal(t, "u3", fourth.Opponent.ID)
}

// TestQueueActiveMatchConflict 測試回合制的進行中對戰衝突
func TestQueueActiveMatchConflict(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, store.CreateMatch(ctx, &internal.Match{
		ID:      "m1",
		Kind:    internal.KindRPS,
		Player1: "u1",
		Player2: "u2",
		Status:  internal.MatchActive,
	}))

	_, err := q.Join(ctx, internal.KindRPS, player("u1"))
	assert.ErrorIs(t, err, errors.ErrActiveMatch)

	// 即時對戰不受回合制衝突檢查限制
	_, err = q.Join(ctx, internal.KindPong, player("u1"))
	assert.NoError(t, err)
}

// TestQueueConcurrentJoin 測試併發加入不漏配也不重複配
func TestQueueConcurrentJoin(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	const players = 20

	var wg sync.WaitGroup
	results := make([]*internal.QueueResult, players)

	for i := range players {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r, err := q.Join(ctx, internal.KindPong, player(fmt.Sprintf("u%d", n)))
			require.NoError(t, err)
			results[n] = r
		}(i)
	}
	wg.Wait()

	// 每個玩家的最終狀態：主動配對、被動配對或還在等待
	matched := 0
	for i := range players {
		if results[i].Status == internal.QueueMatched {
			matched++
			continue
		}
		status, err := q.Status(ctx, internal.KindPong, fmt.Sprintf("u%d", i))
		require.NoError(t, err)
		if status.Status == internal.QueueMatched {
			matched++
		}
	}

	assert.Equal(t, 0, matched%2, "matched players must come in pairs")
	assert.Equal(t, players, matched+q.Depth(internal.KindPong))
}
