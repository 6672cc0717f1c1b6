// Package duelengine 提供一個雙人即時對戰的會話與配對引擎。
//
// 實現了房間制的雙人遊戲後端，包含以下核心功能：
//
// # 房間註冊表
//
// 以房間碼管理房間的完整生命週期：
//   - 首次加入惰性創建房間
//   - 座位原子認領與房主指派（slot 1 即房主）
//   - 斷線重連保留原座位
//   - 空房自動銷毀與過期回收
//
// # 配對佇列
//
// 先到先配的兩人配對：
//   - 「尋找等待者並認領」是單一原子操作，同時加入不漏配
//   - 記憶體佇列供單節點，Redis Lua 腳本供跨行程部署
//   - 被動配對的一方由狀態輪詢取得結果
//
// # WebSocket 會話
//
// 每條連線兩個 goroutine（讀、寫）：
//   - 心跳檢測（Ping/Pong）與讀寫期限
//   - 訊框轉發時注入來源座位號，身份不可偽造
//   - 房主專屬訊框的權限檢查，預設靜默丟棄越權訊框
//   - NATS 織網把廣播送達其他節點上的房間成員
//
// # 回合制對戰
//
// 猜拳走 HTTP 而非 websocket：出招落盤於 MatchStore，
// 雙方都出招的那一刻判定勝負並完結對戰。
package duelengine
