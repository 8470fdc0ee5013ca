package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/jmcleod/gatehouse/auth"
)

// maxBodySize bounds every request body the API decodes.
const maxBodySize = 64 << 10

// Client-facing messages. They never say which check failed.
const (
	msgInvalidCredentials = "invalid username or password"
	msgInvalidToken       = "invalid security token"
	msgUnauthorized       = "authentication required"
	msgForbidden          = "forbidden"
	msgUnavailable        = "service temporarily unavailable; try again later"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// outcomeStatus maps an auth outcome to its HTTP status and client message.
func outcomeStatus(res auth.Result) (int, string) {
	switch res.Outcome {
	case auth.OK:
		return http.StatusOK, "ok"
	case auth.InvalidCredentials:
		return http.StatusUnauthorized, msgInvalidCredentials
	case auth.Locked:
		return http.StatusTooManyRequests, lockedMessage(res.RemainingSeconds)
	case auth.InvalidToken:
		return http.StatusForbidden, msgInvalidToken
	case auth.Unauthorized:
		return http.StatusUnauthorized, msgUnauthorized
	case auth.Forbidden:
		return http.StatusForbidden, msgForbidden
	default:
		return http.StatusServiceUnavailable, msgUnavailable
	}
}

func lockedMessage(remaining int) string {
	minutes := (remaining + 59) / 60
	if minutes <= 1 {
		return "too many failed attempts; try again in a minute"
	}
	return fmt.Sprintf("too many failed attempts; try again in %d minutes", minutes)
}

// writeOutcome writes a failed Result as a JSON error. Locked results carry
// a Retry-After header.
func writeOutcome(w http.ResponseWriter, res auth.Result) {
	status, msg := outcomeStatus(res)
	if res.Outcome == auth.Locked {
		w.Header().Set("Retry-After", strconv.Itoa(max(res.RemainingSeconds, 1)))
	}
	writeError(w, status, msg)
}

// wantsJSON reports whether the caller is an API client rather than a
// browser navigating between pages.
func wantsJSON(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest") {
		return true
	}
	if isJSONContent(r) {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func isJSONContent(r *http.Request) bool {
	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && ct == "application/json"
}

var errBadRequest = errors.New("invalid request body")

// decodeJSON reads a bounded JSON body into T. On failure it writes a 400
// and returns false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, errBadRequest.Error())
		return v, false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, errBadRequest.Error())
		return v, false
	}
	return v, true
}

// parseForm bounds and parses a urlencoded or multipart form body.
func parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, errBadRequest.Error())
		return false
	}
	return true
}
