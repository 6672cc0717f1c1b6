package internal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/duel-engine/pkg/errors"
)

// RedisQueue 跨行程配對佇列
//
// 「尋找等待者並認領」整段收斂在一支 Lua 腳本內：Redis 單執行
// 緒執行腳本，兩個節點同時替玩家配對也不會互相認領或漏配。
//
// 鍵的佈局（kind 內插進鍵名）：
//   - mm:waiting:{kind}         zset，member 是 user_id，score 是入隊時間
//   - mm:user:{kind}:{id}       hash，等待者的展示資訊
//   - mm:paired:{kind}:{id}     hash，被動配對成功、等待輪詢取走的結果
//
// 房間碼與對戰 ID 無法在 Redis 裡生成，由呼叫端預先配置並以
// ARGV 傳入；腳本走到「排隊」分支時預留的房間在 Go 側歸還。
type RedisQueue struct {
	client *redis.Client
	rooms  RoomAllocator
	store  MatchStore
	ids    func() string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisQueue 創建 Redis 配對佇列
func NewRedisQueue(client *redis.Client, rooms RoomAllocator, store MatchStore, cfg *Config, logger *slog.Logger) *RedisQueue {
	return &RedisQueue{
		client: client,
		rooms:  rooms,
		store:  store,
		ids:    uuid.NewString,
		ttl:    cfg.Matchmaking.WaitingTTL,
		logger: logger,
	}
}

// joinScript 原子的「消費配對／查位置／認領等待者／排隊」
//
// 回傳值第一欄是分支名：
//   - paired  : {"paired", room, match, opp_id, opp_name, opp_display}
//   - waiting : {"waiting", position, queue_id}
//   - matched : {"matched", opp_id, opp_name, opp_display}
//
// KEYS[1] 等待 zset，KEYS[2] 本人 hash，KEYS[3] 本人 paired 鍵。
// ARGV：user_id, username, display_name, room_code, match_id,
//
//	now_ms, ttl_ms, user_prefix, paired_prefix, queue_id
var joinScript = redis.NewScript(`
local waiting = KEYS[1]
local selfHash = KEYS[2]
local selfPaired = KEYS[3]
local uid, uname, udisplay = ARGV[1], ARGV[2], ARGV[3]
local room, match = ARGV[4], ARGV[5]
local now, ttl = tonumber(ARGV[6]), tonumber(ARGV[7])
local userPrefix, pairedPrefix = ARGV[8], ARGV[9]
local qid = ARGV[10]

if redis.call('EXISTS', selfPaired) == 1 then
  local p = redis.call('HMGET', selfPaired, 'room', 'match', 'opp_id', 'opp_name', 'opp_display')
  redis.call('DEL', selfPaired)
  return {'paired', p[1], p[2], p[3], p[4], p[5]}
end

local rank = redis.call('ZRANK', waiting, uid)
if rank then
  return {'waiting', rank + 1, redis.call('HGET', selfHash, 'qid')}
end

local head = redis.call('ZRANGE', waiting, 0, 0)
if #head == 1 and head[1] ~= uid then
  local oid = head[1]
  redis.call('ZREM', waiting, oid)
  local oppHash = userPrefix .. oid
  local o = redis.call('HMGET', oppHash, 'name', 'display')
  redis.call('DEL', oppHash)
  redis.call('HSET', pairedPrefix .. oid,
    'room', room, 'match', match,
    'opp_id', uid, 'opp_name', uname, 'opp_display', udisplay)
  redis.call('PEXPIRE', pairedPrefix .. oid, ttl)
  return {'matched', oid, o[1] or oid, o[2] or oid}
end

redis.call('ZADD', waiting, now, uid)
redis.call('HSET', selfHash, 'name', uname, 'display', udisplay, 'qid', qid)
redis.call('PEXPIRE', selfHash, ttl)
return {'waiting', redis.call('ZCARD', waiting), qid}
`)

// leaveScript 原子移除等待者或作廢配對結果，回傳 1 表示有東西被移除
var leaveScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
if removed == 1 then
  return 1
end
return redis.call('DEL', KEYS[3])
`)

// statusScript 消費配對結果或回報排隊位置
var statusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  local p = redis.call('HMGET', KEYS[3], 'room', 'match', 'opp_id', 'opp_name', 'opp_display')
  redis.call('DEL', KEYS[3])
  return {'paired', p[1], p[2], p[3], p[4], p[5]}
end
local rank = redis.call('ZRANK', KEYS[1], ARGV[1])
if rank then
  return {'waiting', rank + 1, redis.call('HGET', KEYS[2], 'qid')}
end
return {'none'}
`)


func (q *RedisQueue) keys(kind GameKind, userID string) (waiting, userHash, paired, userPrefix, pairedPrefix string) {
	userPrefix = fmt.Sprintf("mm:user:%s:", kind)
	pairedPrefix = fmt.Sprintf("mm:paired:%s:", kind)
	return fmt.Sprintf("mm:waiting:%s", kind), userPrefix + userID, pairedPrefix + userID, userPrefix, pairedPrefix
}

// Join 加入佇列
//
// 房間碼與對戰 ID 先配置再進腳本；腳本沒用上（排隊或消費
// 既有配對）就把預留的房間歸還。
func (q *RedisQueue) Join(ctx context.Context, kind GameKind, user User) (*QueueResult, error) {
	if kind == KindRPS && q.store != nil {
		active, err := q.store.ActiveMatch(ctx, kind, user.ID)
		if err != nil {
			return nil, err
		}
		if active != nil {
			return nil, errors.ErrActiveMatch
		}
	}

	roomCode, err := q.rooms.CreateRoom(kind)
	if err != nil {
		return nil, err
	}
	matchID := q.ids()

	waiting, userHash, paired, userPrefix, pairedPrefix := q.keys(kind, user.ID)
	raw, err := joinScript.Run(ctx, q.client,
		[]string{waiting, userHash, paired},
		user.ID, user.Username, user.DisplayName,
		roomCode, matchID,
		time.Now().UnixMilli(), q.ttl.Milliseconds(),
		userPrefix, pairedPrefix, q.ids(),
	).Slice()
	if err != nil {
		q.rooms.ReleaseRoom(roomCode)
		return nil, fmt.Errorf("matchmaking join script: %w", err)
	}

	branch, _ := raw[0].(string)
	switch branch {
	case "matched":
		opp := User{
			ID:          str(raw[1]),
			Username:    str(raw[2]),
			DisplayName: str(raw[3]),
		}
		if q.store != nil {
			m := &Match{
				ID: matchID, Kind: kind, RoomCode: roomCode,
				Player1: opp.ID, Player2: user.ID, Status: MatchActive,
			}
			if err := q.store.CreateMatch(ctx, m); err != nil {
				// 配對已在 Redis 成立，無法回滾；記錄後續靠對戰層補償
				q.logger.Error("match record write failed",
					"match_id", matchID, "error", err)
			}
		}
		q.logger.Info("players matched",
			"kind", kind, "match_id", matchID, "room_code", roomCode,
			"player1", opp.ID, "player2", user.ID)
		return &QueueResult{Status: QueueMatched, RoomCode: roomCode, MatchID: matchID, Opponent: &opp}, nil

	case "paired":
		q.rooms.ReleaseRoom(roomCode)
		return pairedQueueResult(raw), nil

	default:
		q.rooms.ReleaseRoom(roomCode)
		return waitingQueueResult(raw), nil
	}
}

// Leave 離開佇列
func (q *RedisQueue) Leave(ctx context.Context, kind GameKind, userID string) error {
	waiting, userHash, paired, _, _ := q.keys(kind, userID)
	removed, err := leaveScript.Run(ctx, q.client,
		[]string{waiting, userHash, paired}, userID).Int()
	if err != nil {
		return fmt.Errorf("matchmaking leave script: %w", err)
	}
	if removed == 0 {
		return errors.ErrNotInQueue
	}
	q.logger.Info("player dequeued", "kind", kind, "user_id", userID)
	return nil
}

// Status 查詢排隊狀態
func (q *RedisQueue) Status(ctx context.Context, kind GameKind, userID string) (*QueueResult, error) {
	waiting, userHash, paired, _, _ := q.keys(kind, userID)
	raw, err := statusScript.Run(ctx, q.client,
		[]string{waiting, userHash, paired}, userID).Slice()
	if err != nil {
		return nil, fmt.Errorf("matchmaking status script: %w", err)
	}

	switch str(raw[0]) {
	case "paired":
		return pairedQueueResult(raw), nil
	case "waiting":
		return waitingQueueResult(raw), nil
	default:
		return &QueueResult{Status: QueueNotInQueue}, nil
	}
}

func waitingQueueResult(raw []any) *QueueResult {
	res := &QueueResult{Status: QueueWaiting, Position: 1}
	if len(raw) > 1 {
		if n, ok := raw[1].(int64); ok {
			res.Position = int(n)
		}
	}
	if len(raw) > 2 {
		res.QueueID = str(raw[2])
	}
	return res
}

func pairedQueueResult(raw []any) *QueueResult {
	return &QueueResult{
		Status:   QueueMatched,
		RoomCode: str(raw[1]),
		MatchID:  str(raw[2]),
		Opponent: &User{
			ID:          str(raw[3]),
			Username:    str(raw[4]),
			DisplayName: str(raw[5]),
		},
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
