package internal

import (
	"net/http"

	"github.com/koopa0/duel-engine/pkg/errors"
)

// IdentityProvider 請求身份層
//
// 引擎不驗密碼也不管 session，只要求每個請求都能解析出穩定的
// user_id。正式部署放在閘道後面，由閘道完成驗證並注入標頭。
type IdentityProvider interface {
	// Authenticate 從請求解析 user_id，解析不出回傳錯誤
	Authenticate(r *http.Request) (string, error)
}

// HeaderIdentity 從標頭讀取身份
//
// 瀏覽器的 websocket API 無法自訂標頭，所以同時接受
// 查詢參數 user_id 作為後備。
type HeaderIdentity struct {
	Header string
}

// NewHeaderIdentity 創建標頭身份層
func NewHeaderIdentity(header string) *HeaderIdentity {
	if header == "" {
		header = "X-User-ID"
	}
	return &HeaderIdentity{Header: header}
}

// Authenticate 從請求解析 user_id
func (h *HeaderIdentity) Authenticate(r *http.Request) (string, error) {
	if id := r.Header.Get(h.Header); id != "" {
		return id, nil
	}
	if id := r.URL.Query().Get("user_id"); id != "" {
		return id, nil
	}
	return "", errors.New(errors.ErrCodeUnauthorized, "missing user identity")
}
