package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/net/http2"

	"github.com/dalbodeule/hop-dtls/internal/dtls"
	"github.com/dalbodeule/hop-dtls/internal/logging"
)

// Handler 는 /api/v1/admin 관리 plane HTTP 엔드포인트를 제공합니다.
type Handler struct {
	Logger      logging.Logger
	AdminAPIKey string
	Sessions    SessionManager
	Credentials CredentialService // nil 이면 PSK 관리 엔드포인트는 501 을 반환합니다.
}

// NewHandler 는 새로운 Handler 를 생성합니다.
func NewHandler(logger logging.Logger, adminAPIKey string, sessions SessionManager, creds CredentialService) *Handler {
	return &Handler{
		Logger:      logger.With(logging.Fields{"component": "admin_api"}),
		AdminAPIKey: strings.TrimSpace(adminAPIKey),
		Sessions:    sessions,
		Credentials: creds,
	}
}

// RegisterRoutes 는 전달받은 mux 에 관리 API 라우트를 등록합니다.
//   - GET  /api/v1/admin/sessions
//   - POST /api/v1/admin/sessions/evict
//   - POST /api/v1/admin/psk/register
//   - POST /api/v1/admin/psk/unregister
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/api/v1/admin/sessions", h.authMiddleware(http.HandlerFunc(h.handleSessions)))
	mux.Handle("/api/v1/admin/sessions/evict", h.authMiddleware(http.HandlerFunc(h.handleEvict)))
	mux.Handle("/api/v1/admin/psk/register", h.authMiddleware(http.HandlerFunc(h.handlePSKRegister)))
	mux.Handle("/api/v1/admin/psk/unregister", h.authMiddleware(http.HandlerFunc(h.handlePSKUnregister)))
}

// NewHTTPServer 는 H1/H2 를 지원하는 기본 HTTP 서버를 생성합니다.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}
	_ = http2.ConfigureServer(srv, &http2.Server{})
	return srv
}

// authMiddleware 는 Authorization: Bearer {ADMIN_API_KEY} 헤더를 검증합니다.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.authenticate(r) {
			h.writeJSON(w, http.StatusUnauthorized, map[string]any{
				"success": false,
				"error":   "unauthorized",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) authenticate(r *http.Request) bool {
	if h.AdminAPIKey == "" {
		// Admin API 키가 설정되지 않았다면 모든 요청을 거부
		return false
	}
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	return token == h.AdminAPIKey
}

type sessionsResponse struct {
	Success  bool               `json:"success"`
	Count    int                `json:"count"`
	Sessions []dtls.SessionInfo `json:"sessions"`
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeMethodNotAllowed(w, r)
		return
	}
	list := h.Sessions.Sessions()
	h.writeJSON(w, http.StatusOK, sessionsResponse{
		Success:  true,
		Count:    len(list),
		Sessions: list,
	})
}

type evictRequest struct {
	Peer string `json:"peer"`
}

type evictResponse struct {
	Success bool   `json:"success"`
	Evicted bool   `json:"evicted"`
	Error   string `json:"error,omitempty"`
}

func (h *Handler) handleEvict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, r)
		return
	}

	var req evictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Warn("invalid evict request body", logging.Fields{"error": err.Error()})
		h.writeJSON(w, http.StatusBadRequest, evictResponse{
			Success: false,
			Error:   "invalid request body",
		})
		return
	}
	req.Peer = strings.TrimSpace(req.Peer)
	if req.Peer == "" {
		h.writeJSON(w, http.StatusBadRequest, evictResponse{
			Success: false,
			Error:   "peer is required",
		})
		return
	}

	evicted := h.Sessions.Evict(req.Peer)
	h.Logger.Info("admin session eviction", logging.Fields{
		"peer":    req.Peer,
		"evicted": evicted,
	})
	h.writeJSON(w, http.StatusOK, evictResponse{
		Success: true,
		Evicted: evicted,
	})
}

type pskRegisterRequest struct {
	Identity string `json:"identity"`
	Memo     string `json:"memo"`
}

type pskRegisterResponse struct {
	PSK     string `json:"psk,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (h *Handler) handlePSKRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, r)
		return
	}
	if h.Credentials == nil {
		h.writeNotImplemented(w)
		return
	}

	var req pskRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Warn("invalid register request body", logging.Fields{"error": err.Error()})
		h.writeJSON(w, http.StatusBadRequest, pskRegisterResponse{
			Success: false,
			Error:   "invalid request body",
		})
		return
	}
	identity, err := normalizeIdentity(req.Identity)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, pskRegisterResponse{
			Success: false,
			Error:   "identity is required",
		})
		return
	}

	key, err := h.Credentials.RegisterIdentity(r.Context(), identity, req.Memo)
	if err != nil {
		h.Logger.Error("failed to register psk identity", logging.Fields{
			"identity": identity,
			"error":    err.Error(),
		})
		h.writeJSON(w, http.StatusInternalServerError, pskRegisterResponse{
			Success: false,
			Error:   "internal error",
		})
		return
	}

	h.writeJSON(w, http.StatusOK, pskRegisterResponse{
		Success: true,
		PSK:     key,
	})
}

type pskUnregisterRequest struct {
	Identity string `json:"identity"`
}

type pskUnregisterResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (h *Handler) handlePSKUnregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, r)
		return
	}
	if h.Credentials == nil {
		h.writeNotImplemented(w)
		return
	}

	var req pskUnregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Warn("invalid unregister request body", logging.Fields{"error": err.Error()})
		h.writeJSON(w, http.StatusBadRequest, pskUnregisterResponse{
			Success: false,
			Error:   "invalid request body",
		})
		return
	}
	identity, err := normalizeIdentity(req.Identity)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, pskUnregisterResponse{
			Success: false,
			Error:   "identity is required",
		})
		return
	}

	if err := h.Credentials.UnregisterIdentity(r.Context(), identity); err != nil {
		if errors.Is(err, dtls.ErrUnknownIdentity) {
			h.writeJSON(w, http.StatusNotFound, pskUnregisterResponse{
				Success: false,
				Error:   "identity not found",
			})
			return
		}
		h.Logger.Error("failed to unregister psk identity", logging.Fields{
			"identity": identity,
			"error":    err.Error(),
		})
		h.writeJSON(w, http.StatusInternalServerError, pskUnregisterResponse{
			Success: false,
			Error:   "internal error",
		})
		return
	}

	h.writeJSON(w, http.StatusOK, pskUnregisterResponse{
		Success: true,
	})
}

func (h *Handler) writeMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
		"success": false,
		"error":   "method not allowed",
	})
}

func (h *Handler) writeNotImplemented(w http.ResponseWriter) {
	h.writeJSON(w, http.StatusNotImplemented, map[string]any{
		"success": false,
		"error":   "psk management is not available in this mode",
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Error("failed to write json response", logging.Fields{"error": err.Error()})
	}
}
