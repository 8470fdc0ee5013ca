package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess     AuditEvent = "login_success"
	AuditLoginFailure     AuditEvent = "login_failure"
	AuditLoginLocked      AuditEvent = "login_locked"
	AuditLoginRateLimited AuditEvent = "login_rate_limited"
	AuditLogout           AuditEvent = "logout"
	AuditRegister         AuditEvent = "register"
	AuditRegisterLimited  AuditEvent = "register_rate_limited"
	AuditCSRFRejected     AuditEvent = "csrf_rejected"
	AuditAccessDenied     AuditEvent = "access_denied"
	AuditPasswordChanged  AuditEvent = "password_changed"
	AuditRoleChanged      AuditEvent = "role_changed"
	AuditStatusChanged    AuditEvent = "status_changed"
	AuditStoreUnavailable AuditEvent = "store_unavailable"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	// clientIP resolves the source address honouring trusted proxies.
	clientIP func(*http.Request) string
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger:   logger.With("component", "audit"),
		clientIP: extractClientIP,
	}
}

// extractClientIP trusts no proxy headers.
func extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, nil)
}

// log writes a structured audit log entry. Failures are logged at warn so
// they stand out from routine successes.
func (al *auditLogger) log(event AuditEvent, r *http.Request, level slog.Level, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("client_ip", al.clientIP(r)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), level, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logEvent records a successful action by username.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, username string, extra ...slog.Attr) {
	attrs := []slog.Attr{slog.String("username", username)}
	attrs = append(attrs, extra...)
	al.log(event, r, slog.LevelInfo, attrs...)
}

// logFailure records a rejected request. reason is the precise cause and
// stays server-side.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, username, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("username", username),
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	level := slog.LevelWarn
	if event == AuditStoreUnavailable {
		level = slog.LevelError
	}
	al.log(event, r, level, attrs...)
}
