package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/gatehouse/auth"
)

// ListUsers handles GET /admin/users.
func (a *API) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.manager.Users().List(r.Context())
	if err != nil {
		a.audit.logFailure(AuditStoreUnavailable, r, "", err.Error())
		writeError(w, http.StatusServiceUnavailable, msgUnavailable)
		return
	}
	resp := ListUsersResponse{Users: make([]UserResponse, 0, len(users))}
	for _, u := range users {
		resp.Users = append(resp.Users, newUserResponse(u))
	}
	writeJSON(w, http.StatusOK, resp)
}

// SetUserRole handles PUT /admin/users/{userID}/role.
func (a *API) SetUserRole(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[UpdateRoleRequest](w, r)
	if !ok {
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID := chi.URLParam(r, "userID")
	err = a.manager.SetRole(r.Context(), userID, role)
	a.finishUserUpdate(w, r, userID, err, AuditRoleChanged, slog.String("role", string(role)))
}

// SetUserStatus handles PUT /admin/users/{userID}/status.
func (a *API) SetUserStatus(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[UpdateStatusRequest](w, r)
	if !ok {
		return
	}
	status, err := auth.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID := chi.URLParam(r, "userID")
	err = a.manager.SetStatus(r.Context(), userID, status)
	a.finishUserUpdate(w, r, userID, err, AuditStatusChanged, slog.String("status", string(status)))
}

func (a *API) finishUserUpdate(w http.ResponseWriter, r *http.Request, userID string, err error, event AuditEvent, change slog.Attr) {
	admin := auth.CurrentUser(r.Context())
	if errors.Is(err, auth.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		a.audit.logFailure(AuditStoreUnavailable, r, admin.Username, err.Error())
		writeError(w, http.StatusServiceUnavailable, msgUnavailable)
		return
	}
	a.audit.logEvent(event, r, admin.Username, slog.String("target_user_id", userID), change)

	user, err := a.manager.Users().FindByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, msgUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}
