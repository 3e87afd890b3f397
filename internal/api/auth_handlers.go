package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"clipgate/internal/gateway"
	"clipgate/internal/observability/logging"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type sessionResponse struct {
	User      sessionUser `json:"user"`
	ExpiresAt string      `json:"expiresAt"`
}

func newSessionResponse(id, email string, expiresAt time.Time) sessionResponse {
	return sessionResponse{
		User:      sessionUser{ID: id, Email: email},
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339Nano),
	}
}

// Login exchanges an email and password for a gateway session. The upstream
// issues the bearer credential; the gateway seals it into the session record
// and hands the browser an opaque cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
		return
	}

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("email and password are required"))
		return
	}

	result, err := h.Forwarder.ExchangeLogin(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid credentials"))
		case errors.Is(err, gateway.ErrUpstreamUnreachable):
			writeError(w, http.StatusBadGateway, fmt.Errorf("upstream unreachable"))
		default:
			writeError(w, http.StatusBadGateway, err)
		}
		return
	}

	token, expiresAt, err := h.Sessions.Create(result.User.ID, result.User.Email, result.Credential)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.metrics().ObserveSessionEvent("login")
	logging.WithContext(r.Context(), h.logger()).Info("session created",
		"user", result.User.ID,
		"expires_at", expiresAt.UTC().Format(time.RFC3339),
	)

	h.setSessionCookie(w, r, token, expiresAt)
	writeJSON(w, http.StatusOK, newSessionResponse(result.User.ID, result.User.Email, expiresAt))
}

// Session reports or ends the current session. GET answers who the caller is;
// DELETE revokes the session server side and clears the cookie.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		caller, ok := h.requireCaller(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, newSessionResponse(caller.Principal.Identity.ID, caller.Principal.Identity.Email, caller.Principal.ExpiresAt))
	case http.MethodDelete:
		caller, ok := h.requireSessionCaller(w, r)
		if !ok {
			return
		}
		if err := h.Sessions.Revoke(caller.SessionToken); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		h.metrics().ObserveSessionEvent("logout")
		h.ClearSessionCookie(w, r)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
	}
}
