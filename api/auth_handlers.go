package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/jmcleod/gatehouse/auth"
)

// ensureSession returns the caller's session, creating an anonymous one
// and setting its cookie when needed. It writes a 503 and returns false
// when the session store fails.
func (a *API) ensureSession(w http.ResponseWriter, r *http.Request) (*auth.SessionRecord, bool) {
	current := sessionID(r)
	s, err := a.manager.EnsureSession(r.Context(), current)
	if err != nil {
		a.audit.logFailure(AuditStoreUnavailable, r, "", err.Error())
		writeError(w, http.StatusServiceUnavailable, msgUnavailable)
		return nil, false
	}
	if s.ID != current {
		a.writeSessionCookie(w, r, s.ID)
	}
	return s, true
}

// CSRFToken handles GET /auth/csrf.
func (a *API) CSRFToken(w http.ResponseWriter, r *http.Request) {
	s, ok := a.ensureSession(w, r)
	if !ok {
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, CSRFResponse{CSRFToken: s.CSRFToken})
}

// LoginPage handles GET /login.
func (a *API) LoginPage(w http.ResponseWriter, r *http.Request) {
	s, ok := a.ensureSession(w, r)
	if !ok {
		return
	}
	next := r.URL.Query().Get("next")
	if !isLocalPath(next) {
		next = ""
	}
	a.renderLogin(w, http.StatusOK, LoginPageData{CSRFToken: s.CSRFToken, Next: next})
}

func readLoginRequest(w http.ResponseWriter, r *http.Request) (LoginRequest, bool) {
	if isJSONContent(r) {
		return decodeJSON[LoginRequest](w, r)
	}
	if !parseForm(w, r) {
		return LoginRequest{}, false
	}
	return LoginRequest{
		Username: r.PostForm.Get("username"),
		Password: r.PostForm.Get("password"),
		Next:     r.PostForm.Get("next"),
	}, true
}

// Login handles POST /login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := a.ipLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "", "ip rate limited")
		w.Header().Set("Retry-After", retryAfterString(retryAfter))
		a.loginFailed(w, r, http.StatusTooManyRequests, "too many failed attempts; try again later", LoginRequest{}, 0)
		return
	}

	req, ok := readLoginRequest(w, r)
	if !ok {
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		a.loginFailed(w, r, http.StatusBadRequest, "username and password are required", req, 0)
		return
	}

	res := a.manager.Login(r.Context(), sessionID(r), username, req.Password)
	switch res.Outcome {
	case auth.OK:
		a.ipLimiter.recordSuccess(clientIP)
		a.writeSessionCookie(w, r, res.Session.ID)
		a.audit.logEvent(AuditLoginSuccess, r, res.User.Username, slog.String("user_id", res.User.ID))

		target := a.safeNext(req.Next)
		if wantsJSON(r) {
			writeJSON(w, http.StatusOK, LoginResponse{
				Success:   true,
				Message:   "login successful",
				Redirect:  target,
				CSRFToken: res.Session.CSRFToken,
			})
			return
		}
		http.Redirect(w, r, target, http.StatusSeeOther)
		return
	case auth.InvalidCredentials:
		a.ipLimiter.recordFailure(clientIP)
		a.audit.logFailure(AuditLoginFailure, r, username, failureReason(res.Err))
	case auth.Locked:
		a.ipLimiter.recordFailure(clientIP)
		a.audit.logFailure(AuditLoginLocked, r, username, "account locked",
			slog.Int("remaining_seconds", res.RemainingSeconds))
		w.Header().Set("Retry-After", strconv.Itoa(max(res.RemainingSeconds, 1)))
	default:
		a.audit.logFailure(AuditStoreUnavailable, r, username, failureReason(res.Err))
	}

	status, msg := outcomeStatus(res)
	a.loginFailed(w, r, status, msg, req, res.RemainingSeconds)
}

// loginFailed answers a rejected login: JSON for API callers, the login
// form again for browsers.
func (a *API) loginFailed(w http.ResponseWriter, r *http.Request, status int, msg string, req LoginRequest, remaining int) {
	if wantsJSON(r) {
		writeJSON(w, status, LoginResponse{Success: false, Message: msg, RemainingSeconds: remaining})
		return
	}
	s, ok := a.ensureSession(w, r)
	if !ok {
		return
	}
	next := req.Next
	if !isLocalPath(next) {
		next = ""
	}
	a.renderLogin(w, status, LoginPageData{
		CSRFToken: s.CSRFToken,
		Next:      next,
		Username:  req.Username,
		Error:     msg,
	})
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, auth.ErrUserNotFound):
		return "unknown user"
	case errors.Is(err, auth.ErrAccountInactive):
		return "account inactive"
	case errors.Is(err, auth.ErrPasswordMismatch):
		return "wrong password"
	default:
		return err.Error()
	}
}

// RegisterPage handles GET /register.
func (a *API) RegisterPage(w http.ResponseWriter, r *http.Request) {
	s, ok := a.ensureSession(w, r)
	if !ok {
		return
	}
	a.renderRegister(w, http.StatusOK, RegisterPageData{CSRFToken: s.CSRFToken})
}

func readRegisterRequest(w http.ResponseWriter, r *http.Request) (RegisterRequest, bool) {
	if isJSONContent(r) {
		return decodeJSON[RegisterRequest](w, r)
	}
	if !parseForm(w, r) {
		return RegisterRequest{}, false
	}
	return RegisterRequest{
		Username: r.PostForm.Get("username"),
		Email:    r.PostForm.Get("email"),
		Password: r.PostForm.Get("password"),
	}, true
}

// Register handles POST /register.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	// Rate-limit registration before any expensive work.
	clientIP := a.extractClientIP(r)
	if ok, retryAfter := a.registerLimiter.reserve(clientIP); !ok {
		a.audit.logFailure(AuditRegisterLimited, r, "", "ip rate limited")
		writeRateLimited(w, retryAfter, "too many registration attempts; try again later")
		return
	}

	req, ok := readRegisterRequest(w, r)
	if !ok {
		return
	}

	user, err := a.manager.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		status, msg := registerErrorStatus(err)
		if status == http.StatusServiceUnavailable {
			a.audit.logFailure(AuditStoreUnavailable, r, req.Username, err.Error())
		}
		if wantsJSON(r) {
			writeError(w, status, msg)
			return
		}
		s, ok := a.ensureSession(w, r)
		if !ok {
			return
		}
		a.renderRegister(w, status, RegisterPageData{
			CSRFToken: s.CSRFToken,
			Username:  req.Username,
			Email:     req.Email,
			Error:     msg,
		})
		return
	}

	a.audit.logEvent(AuditRegister, r, user.Username, slog.String("user_id", user.ID))
	if wantsJSON(r) {
		writeJSON(w, http.StatusCreated, newUserResponse(user))
		return
	}
	http.Redirect(w, r, a.path("/login"), http.StatusSeeOther)
}

func registerErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUserExists):
		return http.StatusConflict, "username is already taken"
	case errors.Is(err, auth.ErrInvalidUsername):
		return http.StatusBadRequest, "username must be 1 to 64 characters without spaces"
	case errors.Is(err, auth.ErrPasswordTooShort), errors.Is(err, auth.ErrPasswordTooLong):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusServiceUnavailable, msgUnavailable
	}
}

// Logout handles POST /logout. It always succeeds.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	username := ""
	if user := auth.CurrentUser(r.Context()); user != nil {
		username = user.Username
	}
	if err := a.manager.Logout(r.Context(), sessionID(r)); err != nil {
		a.logger.Warn("logout: deleting session", slog.String("error", err.Error()))
	}
	a.clearSessionCookie(w, r)
	a.audit.logEvent(AuditLogout, r, username)

	home := a.path("/")
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, LogoutResponse{Success: true, Redirect: home})
		return
	}
	http.Redirect(w, r, home, http.StatusSeeOther)
}

// Me handles GET /me.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newUserResponse(auth.CurrentUser(r.Context())))
}

// ChangePassword handles PUT /account/password.
func (a *API) ChangePassword(w http.ResponseWriter, r *http.Request) {
	rc := auth.FromContext(r.Context())
	req, ok := decodeJSON[ChangePasswordRequest](w, r)
	if !ok {
		return
	}
	if err := a.manager.ValidatePassword(req.NewPassword); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := a.manager.ChangePassword(r.Context(), rc.Session.ID, req.CurrentPassword, req.NewPassword)
	switch res.Outcome {
	case auth.OK:
		a.writeSessionCookie(w, r, res.Session.ID)
		a.audit.logEvent(AuditPasswordChanged, r, res.User.Username, slog.String("user_id", res.User.ID))
		writeJSON(w, http.StatusOK, ChangePasswordResponse{Success: true, CSRFToken: res.Session.CSRFToken})
	case auth.InvalidCredentials:
		a.audit.logFailure(AuditLoginFailure, r, rc.User.Username, "wrong current password")
		writeError(w, http.StatusForbidden, "current password is incorrect")
	case auth.StoreUnavailable:
		a.audit.logFailure(AuditStoreUnavailable, r, rc.User.Username, failureReason(res.Err))
		writeOutcome(w, res)
	default:
		writeOutcome(w, res)
	}
}
