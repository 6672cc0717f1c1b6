package internal_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/duel-engine/internal"
	"github.com/koopa0/duel-engine/internal/testutils"
	"github.com/koopa0/duel-engine/pkg/errors"
)

// TestPostgresMatchLifecycle 測試對戰的完整生命週期
func TestPostgresMatchLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	pool := testutils.SetupPostgres(t)
	ctx := context.Background()

	store := internal.NewPostgresStoreFromPool(pool, testutils.Logger())

	m := &internal.Match{
		ID:       "match-1",
		Kind:     internal.KindRPS,
		RoomCode: "ABCD1234",
		Player1:  "u1",
		Player2:  "u2",
	}
	require.NoError(t, store.CreateMatch(ctx, m))

	got, err := store.Match(ctx, "match-1")
	require.NoError(t, err)
	assert.Equal(t, internal.MatchActive, got.Status)
	assert.Equal(t, "ABCD1234", got.RoomCode)
	assert.Empty(t, got.Choices)

	// 進行中的對戰可查
	active, err := store.ActiveMatch(ctx, internal.KindRPS, "u2")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "match-1", active.ID)

	// 出招與衝突
	got, err = store.RecordChoice(ctx, "match-1", "u1", "rock")
	require.NoError(t, err)
	assert.Equal(t, "rock", got.Choices["u1"])

	_, err = store.RecordChoice(ctx, "match-1", "u1", "paper")
	assert.ErrorIs(t, err, errors.ErrAlreadyChosen)

	got, err = store.RecordChoice(ctx, "match-1", "u2", "scissors")
	require.NoError(t, err)
	assert.Len(t, got.Choices, 2)

	// 完結
	got, err = store.CompleteMatch(ctx, "match-1", "u1", false)
	require.NoError(t, err)
	assert.Equal(t, internal.MatchCompleted, got.Status)
	assert.Equal(t, "u1", got.WinnerID)
	assert.False(t, got.CompletedAt.IsZero())

	_, err = store.RecordChoice(ctx, "match-1", "u2", "rock")
	assert.ErrorIs(t, err, errors.ErrMatchCompleted)

	// 完結後不再是進行中
	active, err = store.ActiveMatch(ctx, internal.KindRPS, "u1")
	require.NoError(t, err)
	assert.Nil(t, active)

	_, err = store.Match(ctx, "no-such-match")
	assert.ErrorIs(t, err, errors.ErrMatchNotFound)
}

// TestPostgresDrawResult 測試平手落盤
func TestPostgresDrawResult(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	pool := testutils.SetupPostgres(t)
	ctx := context.Background()

	store := internal.NewPostgresStoreFromPool(pool, testutils.Logger())

	require.NoError(t, store.CreateMatch(ctx, &internal.Match{
		ID: "match-draw", Kind: internal.KindRPS, RoomCode: "DRAW0000",
		Player1: "u1", Player2: "u2",
	}))

	got, err := store.CompleteMatch(ctx, "match-draw", "", true)
	require.NoError(t, err)
	assert.True(t, got.Draw)
	assert.Empty(t, got.WinnerID)

	_, err = store.CompleteMatch(ctx, "no-such-match", "u1", false)
	assert.ErrorIs(t, err, errors.ErrMatchNotFound)
}

// TestPostgresUserDirectory 測試使用者目錄
func TestPostgresUserDirectory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	pool := testutils.SetupPostgres(t)
	ctx := context.Background()

	dir := internal.NewPostgresUserDirectory(pool)

	// 查無此人回傳佔位使用者而非錯誤
	u, err := dir.Resolve(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, "ghost", u.Username)

	require.NoError(t, dir.Upsert(ctx, internal.User{
		ID: "u1", Username: "alice", DisplayName: "Alice",
	}))

	u, err = dir.Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, "Alice", u.DisplayName)

	// 更新是冪等的
	require.NoError(t, dir.Upsert(ctx, internal.User{
		ID: "u1", Username: "alice", DisplayName: "Alice A.",
	}))
	u, err = dir.Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice A.", u.DisplayName)
}
