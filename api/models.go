package api

import (
	"time"

	"github.com/jmcleod/gatehouse/auth"
)

// LoginRequest is the body of POST /login. Browsers send it as a form.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Next     string `json:"next,omitempty"`
}

// LoginResponse is returned to API-style callers of POST /login.
type LoginResponse struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	Redirect         string `json:"redirect,omitempty"`
	CSRFToken        string `json:"csrf_token,omitempty"`
	RemainingSeconds int    `json:"remaining_seconds,omitempty"`
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
}

// CSRFResponse is returned from GET /auth/csrf.
type CSRFResponse struct {
	CSRFToken string `json:"csrf_token"`
}

// ChangePasswordRequest is the body of PUT /account/password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangePasswordResponse carries the token bound to the regenerated session.
type ChangePasswordResponse struct {
	Success   bool   `json:"success"`
	CSRFToken string `json:"csrf_token"`
}

// UserResponse is the public view of a user record.
type UserResponse struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email,omitempty"`
	Role        string     `json:"role"`
	Status      string     `json:"status"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func newUserResponse(u *auth.UserRecord) UserResponse {
	return UserResponse{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		Role:        string(u.Role),
		Status:      string(u.Status),
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
	}
}

// ListUsersResponse is returned from GET /admin/users.
type ListUsersResponse struct {
	Users []UserResponse `json:"users"`
}

// UpdateRoleRequest is the body of PUT /admin/users/{userID}/role.
type UpdateRoleRequest struct {
	Role string `json:"role"`
}

// UpdateStatusRequest is the body of PUT /admin/users/{userID}/status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// ErrorResponse is returned for all error cases. Redirect is set when the
// caller should continue at another location, e.g. the login page.
type ErrorResponse struct {
	Error    string `json:"error"`
	Redirect string `json:"redirect,omitempty"`
}

// LogoutResponse is returned to API-style callers of POST /logout.
type LogoutResponse struct {
	Success  bool   `json:"success"`
	Redirect string `json:"redirect"`
}
