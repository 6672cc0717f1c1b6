package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/koopa0/duel-engine/pkg/errors"
)

// Handler HTTP 請求處理器
//
// 配對與回合制出招走 HTTP，即時訊框走 websocket（Hub）。
type Handler struct {
	registry *Registry
	queue    Matchmaker
	rps      *RPSService
	hub      *Hub
	identity IdentityProvider
	users    UserDirectory
	logger   *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(registry *Registry, queue Matchmaker, rps *RPSService, hub *Hub, identity IdentityProvider, users UserDirectory, logger *slog.Logger) *Handler {
	return &Handler{
		registry: registry,
		queue:    queue,
		rps:      rps,
		hub:      hub,
		identity: identity,
		users:    users,
		logger:   logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// 配對佇列 API
	mux.HandleFunc("POST /api/v1/matchmaking/{kind}/join", wrap(h.joinQueue))
	mux.HandleFunc("POST /api/v1/matchmaking/{kind}/leave", wrap(h.leaveQueue))
	mux.HandleFunc("GET /api/v1/matchmaking/{kind}/status", wrap(h.queueStatus))

	// 回合制對戰 API
	mux.HandleFunc("POST /api/v1/rps/matches/{match_id}/play", wrap(h.playMove))
	mux.HandleFunc("GET /api/v1/rps/matches/{match_id}", wrap(h.matchState))

	// 房間查詢 API
	mux.HandleFunc("GET /api/v1/rooms/{room_code}", wrap(h.roomState))

	// 即時對戰 websocket
	mux.HandleFunc("GET /ws/{kind}/{room_code}", h.recoverer(h.hub.ServeWS))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

type playMoveRequest struct {
	Choice string `json:"choice"`
}

// joinQueue 加入配對佇列
func (h *Handler) joinQueue(w http.ResponseWriter, r *http.Request) {
	kind := GameKind(r.PathValue("kind"))
	if !ValidKind(kind) {
		h.errorResponse(w, "unknown game kind", http.StatusNotFound)
		return
	}

	user, ok := h.requestUser(w, r)
	if !ok {
		return
	}

	result, err := h.queue.Join(r.Context(), kind, user)
	if err != nil {
		h.appError(w, err)
		return
	}

	h.jsonResponse(w, result, http.StatusOK)
}

// leaveQueue 離開配對佇列
func (h *Handler) leaveQueue(w http.ResponseWriter, r *http.Request) {
	kind := GameKind(r.PathValue("kind"))
	if !ValidKind(kind) {
		h.errorResponse(w, "unknown game kind", http.StatusNotFound)
		return
	}

	user, ok := h.requestUser(w, r)
	if !ok {
		return
	}

	if err := h.queue.Leave(r.Context(), kind, user.ID); err != nil {
		h.appError(w, err)
		return
	}

	h.jsonResponse(w, map[string]any{"success": true}, http.StatusOK)
}

// queueStatus 查詢配對狀態
func (h *Handler) queueStatus(w http.ResponseWriter, r *http.Request) {
	kind := GameKind(r.PathValue("kind"))
	if !ValidKind(kind) {
		h.errorResponse(w, "unknown game kind", http.StatusNotFound)
		return
	}

	user, ok := h.requestUser(w, r)
	if !ok {
		return
	}

	result, err := h.queue.Status(r.Context(), kind, user.ID)
	if err != nil {
		h.appError(w, err)
		return
	}

	h.jsonResponse(w, result, http.StatusOK)
}

// playMove 回合制出招
func (h *Handler) playMove(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("match_id")

	user, ok := h.requestUser(w, r)
	if !ok {
		return
	}

	var req playMoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.rps.PlayMove(r.Context(), matchID, user.ID, req.Choice)
	if err != nil {
		h.appError(w, err)
		return
	}

	h.jsonResponse(w, result, http.StatusOK)
}

// matchState 查詢回合制對戰狀態
func (h *Handler) matchState(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("match_id")

	user, ok := h.requestUser(w, r)
	if !ok {
		return
	}

	result, err := h.rps.MatchState(r.Context(), matchID, user.ID)
	if err != nil {
		h.appError(w, err)
		return
	}

	h.jsonResponse(w, result, http.StatusOK)
}

// roomState 查詢房間狀態
func (h *Handler) roomState(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("room_code")

	state, ok := h.registry.Snapshot(code)
	if !ok {
		h.errorResponse(w, "room not found", http.StatusNotFound)
		return
	}

	h.jsonResponse(w, state, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, h.registry.Stats(), http.StatusOK)
}

// requestUser 解析請求身份並補全展示資訊
func (h *Handler) requestUser(w http.ResponseWriter, r *http.Request) (User, bool) {
	userID, err := h.identity.Authenticate(r)
	if err != nil {
		h.errorResponse(w, "authentication required", http.StatusUnauthorized)
		return User{}, false
	}

	user, err := h.users.Resolve(r.Context(), userID)
	if err != nil {
		h.errorResponse(w, "internal server error", http.StatusInternalServerError)
		return User{}, false
	}
	return user, true
}

// appError 把應用層錯誤映射成 HTTP 狀態碼
func (h *Handler) appError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeCapacity:
		status = http.StatusConflict
	case errors.ErrCodeState:
		status = http.StatusConflict
	case errors.ErrCodeUnauthorized:
		status = http.StatusForbidden
	case errors.ErrCodeProtocol:
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	h.errorResponse(w, errors.GetMessage(err), status)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("encode response failed", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("panic while handling request",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "internal server error", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
