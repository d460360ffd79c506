package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/coreauth/authcore/internal/api/helpers"
	customMiddleware "github.com/coreauth/authcore/internal/api/middleware"
	"github.com/coreauth/authcore/internal/auth"
	"github.com/coreauth/authcore/internal/errkind"
	"github.com/coreauth/authcore/internal/permission"
)

// AuthHandler wraps C6's orchestrator, replacing the teacher's
// concrete *db.Queries-backed AuthHandler/AuthService pair.
type AuthHandler struct {
	service *auth.Service
}

func NewAuthHandler(service *auth.Service) *AuthHandler {
	return &AuthHandler{service: service}
}

func writeErr(w http.ResponseWriter, err error) {
	kind, ok := errkind.Of(err)
	if !ok {
		slog.Error("unhandled error", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	status := http.StatusInternalServerError
	switch kind {
	case errkind.InvalidInput:
		status = http.StatusBadRequest
	case errkind.Unauthenticated:
		status = http.StatusUnauthorized
	case errkind.Revoked:
		status = http.StatusUnauthorized
	case errkind.RateLimited:
		status = http.StatusTooManyRequests
	case errkind.SecurityBreach:
		status = http.StatusUnauthorized
	case errkind.Conflict:
		status = http.StatusConflict
	case errkind.NotFound:
		status = http.StatusNotFound
	case errkind.Transient:
		status = http.StatusServiceUnavailable
	case errkind.Fatal:
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		slog.Error("request failed", "error", err, "kind", kind)
	}
	http.Error(w, err.Error(), status)
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := h.service.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		writeErr(w, err)
		return
	}

	helpers.RespondJSON(w, http.StatusCreated, map[string]string{
		"id":    user.ID.String(),
		"email": user.Email,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password, auth.Device{
		UserAgent: r.UserAgent(),
		IP:        helpers.GetRealIP(r).String(),
	})
	if err != nil {
		slog.Warn("login failed", "email", req.Email, "ip", helpers.GetRealIP(r))
		writeErr(w, err)
		return
	}

	setAuthCookies(w, result.Access, result.Refresh)
	helpers.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"user": map[string]string{
			"id":    result.User.ID.String(),
			"email": result.User.Email,
		},
		"session_id": result.SessionID,
	})
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie("refresh_token")
	if err != nil {
		http.Error(w, "No session", http.StatusUnauthorized)
		return
	}

	result, err := h.service.Refresh(r.Context(), cookie.Value)
	if err != nil {
		clearAuthCookies(w)
		writeErr(w, err)
		return
	}
	if result.SecurityAlert != "" {
		slog.Warn("refresh flagged", "alert", result.SecurityAlert)
	}

	setAuthCookies(w, result.NewAccess, result.NewRefresh)
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"access_token": result.NewAccess})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie("access_token")
	sessionID := r.Header.Get("X-Session-ID")
	if err == nil {
		_ = h.service.Logout(r.Context(), cookie.Value, sessionID)
	}
	clearAuthCookies(w)
	w.WriteHeader(http.StatusOK)
}

func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.service.LogoutAll(r.Context(), userID); err != nil {
		writeErr(w, err)
		return
	}
	clearAuthCookies(w)
	w.WriteHeader(http.StatusOK)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req changePasswordRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			http.Error(w, "Current password incorrect", http.StatusUnauthorized)
			return
		}
		writeErr(w, err)
		return
	}

	clearAuthCookies(w)
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "password_changed"})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	actx, err := customMiddleware.GetAuthContext(r.Context())
	if err != nil || !actx.Authenticated {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"user":  actx.User,
		"roles": actx.Roles,
	})
}

func (h *AuthHandler) GetSessions(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	result, err := h.service.ValidateSession(r.Context(), r.Header.Get("X-Session-ID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = userID
	helpers.RespondJSON(w, http.StatusOK, result)
}

func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := chi.URLParam(r, "id")
	if err := h.service.Logout(r.Context(), "", sessionID); err != nil {
		writeErr(w, err)
		return
	}
	_ = userID
	w.WriteHeader(http.StatusNoContent)
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

func (h *AuthHandler) AssignRole(w http.ResponseWriter, r *http.Request) {
	actorID, err := userIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	targetID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, "Invalid user id", http.StatusBadRequest)
		return
	}
	var req assignRoleRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.AssignRole(r.Context(), targetID, req.RoleID, actorID.String()); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *AuthHandler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	actorID, err := userIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	targetID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, "Invalid user id", http.StatusBadRequest)
		return
	}

	if err := h.service.RevokeRole(r.Context(), targetID, "user", actorID.String()); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetPermissions exposes spec §6's get_user_permissions for the
// caller's own identity.
func (h *AuthHandler) GetPermissions(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	roles, perms, err := h.service.GetPermissions(r.Context(), userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"roles":       roles,
		"permissions": perms,
	})
}

type checkBatchRequest struct {
	Checks []struct {
		Resource string `json:"resource"`
		Action   string `json:"action"`
	} `json:"checks"`
	Context map[string]any `json:"context"`
}

// CheckBatch exposes spec §6's check_batch for the caller's own
// identity.
func (h *AuthHandler) CheckBatch(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req checkBatchRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	checks := make([]permission.Check, 0, len(req.Checks))
	for _, c := range req.Checks {
		checks = append(checks, permission.Check{Resource: c.Resource, Action: c.Action})
	}

	decisions, err := h.service.CheckPermissions(r.Context(), userID, checks, req.Context)
	if err != nil {
		writeErr(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, decisions)
}

func userIDFromContext(r *http.Request) (uuid.UUID, error) {
	idStr, err := customMiddleware.GetUserID(r.Context())
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(idStr)
}

func setAuthCookies(w http.ResponseWriter, access, refresh string) {
	http.SetCookie(w, &http.Cookie{
		Name: "access_token", Value: access, Path: "/", MaxAge: 900,
		HttpOnly: true, Secure: true, SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name: "refresh_token", Value: refresh, Path: "/api/v1/auth", MaxAge: 604800,
		HttpOnly: true, Secure: true, SameSite: http.SameSiteStrictMode,
	})
}

func clearAuthCookies(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name: "access_token", Value: "", Path: "/", MaxAge: -1,
		HttpOnly: true, Secure: true, SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name: "refresh_token", Value: "", Path: "/api/v1/auth", MaxAge: -1,
		HttpOnly: true, Secure: true, SameSite: http.SameSiteStrictMode,
	})
}

var _ = json.Marshal // helpers.RespondJSON covers encoding; kept for clarity of intent in future handlers
