package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"clipgate/internal/auth"
	"clipgate/internal/token"
)

type contextKey string

const callerContextKey contextKey = "authenticatedCaller"

// Exact 401 bodies clients key off. ErrUnauthorized covers absent, invalid
// and expired credentials; ErrNoSessionToken is reserved for sessions that
// resolved but carry no forwardable credential.
var (
	ErrUnauthorized   = errors.New("Unauthorized")
	ErrNoSessionToken = errors.New("No session token")
)

// Caller is the resolved identity of an inbound request, either a cookie
// session or an API token presented as a bearer.
type Caller struct {
	Principal auth.Principal
	ViaToken  bool
	// SessionToken is the raw cookie value for session callers, kept so
	// logout can revoke it.
	SessionToken string
}

// ContextWithCaller stores the resolved caller in the provided context.
func ContextWithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, caller)
}

// CallerFromContext retrieves the resolved caller from context if present.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerContextKey).(Caller)
	return caller, ok
}

// ExtractBearer returns the Authorization bearer value, if any.
func ExtractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// ExtractSessionToken returns the session cookie value, if any.
func ExtractSessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// AuthenticateRequest resolves the inbound credentials to a caller. A bearer
// header is tried as an API token first; otherwise the session cookie is
// resolved. The returned errors carry the exact bodies the middleware writes
// on 401.
func (h *Handler) AuthenticateRequest(r *http.Request) (Caller, error) {
	if bearer := ExtractBearer(r); bearer != "" {
		return h.authenticateToken(bearer)
	}
	sessionToken := ExtractSessionToken(r)
	if sessionToken == "" {
		return Caller{}, ErrUnauthorized
	}
	principal, err := h.Sessions.Resolve(sessionToken)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrNoCredential):
		// The caller is known, just not forwardable. Management endpoints
		// still work; forwarded routes reject with ErrNoSessionToken.
	case errors.Is(err, auth.ErrNoSession), errors.Is(err, auth.ErrSessionExpired):
		return Caller{}, ErrUnauthorized
	default:
		return Caller{}, fmt.Errorf("resolve session: %w", err)
	}
	return Caller{Principal: principal, SessionToken: sessionToken}, nil
}

func (h *Handler) authenticateToken(secret string) (Caller, error) {
	if h.Registry == nil {
		return Caller{}, ErrUnauthorized
	}
	record, err := h.Registry.Authenticate(secret)
	if err != nil {
		if errors.Is(err, token.ErrInvalidSecret) {
			return Caller{}, ErrUnauthorized
		}
		return Caller{}, fmt.Errorf("authenticate token: %w", err)
	}
	credential, err := h.openCredential(record.Credential)
	if err != nil {
		return Caller{}, fmt.Errorf("unseal token credential: %w", err)
	}
	caller := Caller{
		Principal: auth.Principal{
			Identity:   auth.Identity{ID: record.OwnerID, Email: record.OwnerEmail},
			Credential: credential,
		},
		ViaToken: true,
	}
	return caller, nil
}

// RequireCaller writes a 401 and returns false when the request context holds
// no resolved caller.
func (h *Handler) requireCaller(w http.ResponseWriter, r *http.Request) (Caller, bool) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, ErrUnauthorized)
		return Caller{}, false
	}
	return caller, true
}

// requireForwardableCaller additionally insists on an upstream credential.
func (h *Handler) requireForwardableCaller(w http.ResponseWriter, r *http.Request) (Caller, bool) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return Caller{}, false
	}
	if caller.Principal.Credential == "" {
		writeError(w, http.StatusUnauthorized, ErrNoSessionToken)
		return Caller{}, false
	}
	return caller, true
}

// requireSessionCaller rejects API-token callers; token management is a
// session-only surface so a leaked token cannot mint or destroy others.
func (h *Handler) requireSessionCaller(w http.ResponseWriter, r *http.Request) (Caller, bool) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return Caller{}, false
	}
	if caller.ViaToken {
		writeError(w, http.StatusForbidden, errors.New("forbidden"))
		return Caller{}, false
	}
	return caller, true
}
