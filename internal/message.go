package internal

import "encoding/json"

// 訊息信封：雙向都是每幀一個 JSON 物件 {"type": <string>, ...}
//
// 伺服器發出的訊息類型：player_assigned / player_joined /
// player_disconnected / game_start / error。
//
// 客戶端發出的遊戲訊息會被原樣轉發（附加 player_number），
// 未知類型走通用轉發（generic relay）。

// 伺服器發出的訊息類型
const (
	TypePlayerAssigned     = "player_assigned"
	TypePlayerJoined       = "player_joined"
	TypePlayerDisconnected = "player_disconnected"
	TypeGameStart          = "game_start"
	TypeError              = "error"
)

// 客戶端發出的遊戲訊息類型
const (
	TypePaddleMove  = "paddle_move"
	TypeBallState   = "ball_state"
	TypeScoreUpdate = "score_update"
	TypeGameOver    = "game_over"
)

// hostOnlyMessages 授權表：房主（slot 1）專屬的訊息類型
//
// 權限在這一張表集中判定，而非散落在各訊息分支。
// 物理狀態、比分與終局事件只能由權威房主發出，
// 非房主的嘗試預設被靜默丟棄（見 Config.Game.NotifyAuthzViolation）。
var hostOnlyMessages = map[string]bool{
	TypeBallState:   true,
	TypeScoreUpdate: true,
	TypeGameOver:    true,
}

// HostOnly 判斷訊息類型是否為房主專屬
func HostOnly(msgType string) bool {
	return hostOnlyMessages[msgType]
}

// assignedFrame 入座確認（僅發給加入者本人）
func assignedFrame(slot int, roomCode string) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":          TypePlayerAssigned,
		"player_number": slot,
		"room_code":     roomCode,
		"is_host":       slot == 1,
	})
	return data
}

// joinedFrame 玩家加入廣播（發給房間內所有訂閱者）
func joinedFrame(slot int, username, displayName string, playerCount int) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":          TypePlayerJoined,
		"player_number": slot,
		"username":      username,
		"display_name":  displayName,
		"player_count":  playerCount,
	})
	return data
}

// disconnectedFrame 玩家離線廣播
func disconnectedFrame(slot int) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":          TypePlayerDisconnected,
		"player_number": slot,
	})
	return data
}

// gameStartFrame 開賽廣播
func gameStartFrame() []byte {
	data, _ := json.Marshal(map[string]any{
		"type":    TypeGameStart,
		"message": "Both players connected. Game starting!",
	})
	return data
}

// errorFrame 錯誤回覆（只發給單一連線）
func errorFrame(message string) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":    TypeError,
		"message": message,
	})
	return data
}
