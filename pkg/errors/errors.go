// Package errors 提供應用程式錯誤處理
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
//
// 錯誤碼對應本系統的錯誤分類：
//   - 協議錯誤：訊息格式不合法，只回覆發送者，連線保持開啟
//   - 授權錯誤：非房主發送房主專屬訊息，預設靜默丟棄
//   - 容量錯誤：房間已滿，回覆錯誤後關閉連線
//   - 狀態錯誤：操作與當前狀態衝突（已在隊列、比賽已結束、已出招）
const (
	// ErrCodeProtocol 訊息格式錯誤
	ErrCodeProtocol = "PROTOCOL_ERROR"
	// ErrCodeUnauthorized 權限不足（非房主發送房主專屬訊息）
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeCapacity 房間容量已滿
	ErrCodeCapacity = "CAPACITY_EXCEEDED"
	// ErrCodeState 狀態衝突
	ErrCodeState = "STATE_CONFLICT"
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeUnavailable 服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 添加詳細資訊
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// 預定義錯誤
var (
	// ErrRoomFull 房間已有 maxSlots 名玩家
	ErrRoomFull = New(ErrCodeCapacity, "room is full")

	// ErrRoomNotFound 房間不存在
	ErrRoomNotFound = New(ErrCodeNotFound, "room not found")

	// ErrNotInQueue 玩家不在匹配隊列中
	ErrNotInQueue = New(ErrCodeNotFound, "not in queue")

	// ErrActiveMatch 玩家已有進行中的比賽
	ErrActiveMatch = New(ErrCodeState, "you already have an active match")

	// ErrMatchNotFound 比賽不存在
	ErrMatchNotFound = New(ErrCodeNotFound, "match not found")

	// ErrMatchCompleted 比賽已結束
	ErrMatchCompleted = New(ErrCodeState, "match already completed")

	// ErrAlreadyChosen 玩家已出招
	ErrAlreadyChosen = New(ErrCodeState, "you have already made your choice")

	// ErrNotParticipant 非比賽參與者
	ErrNotParticipant = New(ErrCodeUnauthorized, "not a participant in this match")

	// ErrInvalidChoice 無效的出招
	ErrInvalidChoice = New(ErrCodeProtocol, "invalid choice")

	// ErrNotHost 非房主發送房主專屬訊息
	ErrNotHost = New(ErrCodeUnauthorized, "host-only message")

	// ErrInvalidPayload 訊息格式錯誤
	ErrInvalidPayload = New(ErrCodeProtocol, "invalid message payload")
)

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsCapacity 檢查是否為容量錯誤
func IsCapacity(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeCapacity
	}
	return false
}

// IsState 檢查是否為狀態衝突錯誤
func IsState(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeState
	}
	return false
}

// IsUnauthorized 檢查是否為授權錯誤
func IsUnauthorized(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeUnauthorized
	}
	return false
}

// IsProtocol 檢查是否為協議錯誤
func IsProtocol(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeProtocol
	}
	return false
}

// GetCode 取出錯誤碼，非 AppError 回傳 ErrCodeInternal
func GetCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// GetMessage 取出對外訊息，非 AppError 回傳固定文案
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}
