package internal_test

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/duel-engine/internal"
	"github.com/koopa0/duel-engine/pkg/errors"
)

// fakeConn 測試用的連線替身
type fakeConn struct {
	mu         sync.Mutex
	frames     [][]byte
	superseded bool
}

func (c *fakeConn) Deliver(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return true
}

func (c *fakeConn) Supersede() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.superseded = true
}

func (c *fakeConn) isSuperseded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.superseded
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRegistry(t *testing.T) *internal.Registry {
	t.Helper()
	rg := internal.NewRegistry(internal.DefaultConfig(), testLogger())
	t.Cleanup(rg.Stop)
	return rg
}

func player(id string) internal.User {
	return internal.User{ID: id, Username: id, DisplayName: "Player " + id}
}

// TestRegistryJoin 測試入座與房主指派
func TestRegistryJoin(t *testing.T) {
	rg := newTestRegistry(t)

	first, err := rg.Join("ABCDEFGH", internal.KindPong, player("u1"), &fakeConn{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Session.Slot)
	assert.True(t, first.Session.IsHost)
	assert.False(t, first.GameStarted)
	assert.Equal(t, 1, first.PlayerCount)

	second, err := rg.Join("ABCDEFGH", internal.KindPong, player("u2"), &fakeConn{})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Session.Slot)
	assert.False(t, second.Session.IsHost)
	assert.True(t, second.GameStarted)
	assert.Equal(t, 2, second.PlayerCount)

	state, ok := rg.Snapshot("ABCDEFGH")
	require.True(t, ok)
	assert.Equal(t, internal.StatusReady, state.Status)
	assert.True(t, state.Started)
	assert.Equal(t, 2, state.PlayerCount)
}

// TestRegistryJoinFull 測試容量已滿
func TestRegistryJoinFull(t *testing.T) {
	rg := newTestRegistry(t)

	_, err := rg.Join("ROOMFULL", internal.KindPong, player("u1"), &fakeConn{})
	require.NoError(t, err)
	_, err = rg.Join("ROOMFULL", internal.KindPong, player("u2"), &fakeConn{})
	require.NoError(t, err)

	_, err = rg.Join("ROOMFULL", internal.KindPong, player("u3"), &fakeConn{})
	require.Error(t, err)
	assert.True(t, errors.IsCapacity(err))

	// 滿房間的狀態不受失敗的入座影響
	state, ok := rg.Snapshot("ROOMFULL")
	require.True(t, ok)
	assert.Equal(t, 2, state.PlayerCount)
	assert.True(t, state.Started)
}

// TestRegistryReconnect 測試重連保留座位
func TestRegistryReconnect(t *testing.T) {
	rg := newTestRegistry(t)

	oldConn := &fakeConn{}
	first, err := rg.Join("RECONNEC", internal.KindPong, player("u1"), oldConn)
	require.NoError(t, err)
	_, err = rg.Join("RECONNEC", internal.KindPong, player("u2"), &fakeConn{})
	require.NoError(t, err)

	newConn := &fakeConn{}
	again, err := rg.Join("RECONNEC", internal.KindPong, player("u1"), newConn)
	require.NoError(t, err)

	assert.True(t, again.Reconnect)
	assert.Equal(t, first.Session.Slot, again.Session.Slot)
	assert.True(t, again.Session.IsHost)
	assert.Same(t, oldConn, again.Superseded)
	assert.False(t, again.GameStarted, "reconnect must not re-announce game start")

	// 被取代的舊連線離開不得踢掉新會話
	outcome := rg.Leave("RECONNEC", "u1", oldConn)
	assert.Nil(t, outcome)
	state, _ := rg.Snapshot("RECONNEC")
	assert.Equal(t, 2, state.PlayerCount)
}

// TestRegistryLeave 測試離座的冪等與房間銷毀
func TestRegistryLeave(t *testing.T) {
	rg := newTestRegistry(t)

	_, err := rg.Join("LEAVETST", internal.KindPong, player("u1"), &fakeConn{})
	require.NoError(t, err)
	_, err = rg.Join("LEAVETST", internal.KindPong, player("u2"), &fakeConn{})
	require.NoError(t, err)

	out := rg.Leave("LEAVETST", "u1", nil)
	require.NotNil(t, out)
	assert.Equal(t, 1, out.Slot)
	assert.Equal(t, 1, out.PlayerCount)
	assert.False(t, out.Destroyed)

	// 重複離開是 no-op
	assert.Nil(t, rg.Leave("LEAVETST", "u1", nil))
	assert.Nil(t, rg.Leave("UNKNOWN0", "u1", nil))

	out = rg.Leave("LEAVETST", "u2", nil)
	require.NotNil(t, out)
	assert.True(t, out.Destroyed)

	_, ok := rg.Snapshot("LEAVETST")
	assert.False(t, ok, "empty room must be destroyed")
}

// TestRegistrySlotReuse 測試座位釋放後重新指派最小空位
func TestRegistrySlotReuse(t *testing.T) {
	rg := newTestRegistry(t)

	_, err := rg.Join("SLOTTEST", internal.KindPong, player("u1"), &fakeConn{})
	require.NoError(t, err)
	_, err = rg.Join("SLOTTEST", internal.KindPong, player("u2"), &fakeConn{})
	require.NoError(t, err)

	rg.Leave("SLOTTEST", "u1", nil)

	// u2 留在 slot 2，新玩家拿到空出來的 slot 1 並成為房主。
	// 對戰途中離開不會清掉開局狀態，補位不重播 game_start
	third, err := rg.Join("SLOTTEST", internal.KindPong, player("u3"), &fakeConn{})
	require.NoError(t, err)
	assert.Equal(t, 1, third.Session.Slot)
	assert.True(t, third.Session.IsHost)
	assert.False(t, third.GameStarted)
}

// TestRegistryConcurrentJoin 測試併發入座恰好兩人成功
func TestRegistryConcurrentJoin(t *testing.T) {
	rg := newTestRegistry(t)

	const contenders = 20

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		slots    []int
		fullErrs int
	)

	for i := range contenders {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := rg.Join("CONTESTD", internal.KindPong, player(fmt.Sprintf("u%d", n)), &fakeConn{})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fullErrs++
				return
			}
			slots = append(slots, out.Session.Slot)
		}(i)
	}
	wg.Wait()

	require.Len(t, slots, 2)
	assert.Equal(t, contenders-2, fullErrs)
	assert.ElementsMatch(t, []int{1, 2}, slots)
}

// TestRegistryCreateRoom 測試房間碼預留
func TestRegistryCreateRoom(t *testing.T) {
	rg := newTestRegistry(t)

	seen := make(map[string]bool)
	for range 50 {
		code, err := rg.CreateRoom(internal.KindRPS)
		require.NoError(t, err)
		assert.Len(t, code, 8)
		for _, ch := range code {
			assert.True(t, (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9'),
				"room code must be uppercase alphanumeric: %s", code)
		}
		assert.False(t, seen[code], "room codes must be unique among live rooms")
		seen[code] = true
	}

	// 預留的房間在被加入前可以歸還
	code, err := rg.CreateRoom(internal.KindPong)
	require.NoError(t, err)
	rg.ReleaseRoom(code)
	_, ok := rg.Snapshot(code)
	assert.False(t, ok)
}

// TestRegistrySenders 測試廣播目標快照
func TestRegistrySenders(t *testing.T) {
	rg := newTestRegistry(t)

	c1, c2 := &fakeConn{}, &fakeConn{}
	_, err := rg.Join("SENDTEST", internal.KindPong, player("u1"), c1)
	require.NoError(t, err)
	_, err = rg.Join("SENDTEST", internal.KindPong, player("u2"), c2)
	require.NoError(t, err)

	assert.Len(t, rg.Senders("SENDTEST", ""), 2)
	assert.Len(t, rg.Senders("SENDTEST", "u1"), 1)
	assert.Empty(t, rg.Senders("NOSUCHRM", ""))
}
