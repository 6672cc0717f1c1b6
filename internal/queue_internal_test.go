package internal

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestQueueEarliestWaiterClaim 測試多位等待者並存時的先到先配
//
// 正常流程下佇列深度不會超過一（加入者立刻認領隊首），這裡
// 直接預置三位等待者，驗證認領順序與位置回報。
func TestQueueEarliestWaiterClaim(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rg := NewRegistry(DefaultConfig(), logger)
	t.Cleanup(rg.Stop)

	q := NewMemoryQueue(rg, NewMemoryMatchStore(), logger)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"ua", "ub", "uc"} {
		q.waiting[KindPong] = append(q.waiting[KindPong], &waiter{
			id:       "q-" + id,
			user:     User{ID: id, Username: id, DisplayName: id},
			joinedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	status, err := q.Status(ctx, KindPong, "ub")
	require.NoError(t, err)
	assert.Equal(t, QueueWaiting, status.Status)
	assert.Equal(t, 2, status.Position)
	assert.Equal(t, "q-ub", status.QueueID)

	status, err = q.Status(ctx, KindPong, "uc")
	require.NoError(t, err)
	assert.Equal(t, 3, status.Position)

	// 新加入者配到最早的等待者，而非其他人
	result, err := q.Join(ctx, KindPong, User{ID: "ud", Username: "ud", DisplayName: "ud"})
	require.NoError(t, err)
	require.Equal(t, QueueMatched, result.Status)
	assert.Equal(t, "ua", result.Opponent.ID)

	status, err = q.Status(ctx, KindPong, "ua")
	require.NoError(t, err)
	require.Equal(t, QueueMatched, status.Status)
	assert.Equal(t, "ud", status.Opponent.ID)

	// 其餘等待者往前遞補
	status, err = q.Status(ctx, KindPong, "ub")
	require.NoError(t, err)
	assert.Equal(t, QueueWaiting, status.Status)
	assert.Equal(t, 1, status.Position)

	status, err = q.Status(ctx, KindPong, "uc")
	require.NoError(t, err)
	assert.Equal(t, 2, status.Position)
	assert.Equal(t, 2, q.Depth(KindPong))
}
