// Package api implements the gateway's HTTP surface: login and session
// endpoints, API token management, and the forwarded resource routes.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"clipgate/internal/auth"
	"clipgate/internal/gateway"
	"clipgate/internal/observability/metrics"
	"clipgate/internal/token"
)

// Handler wires the gateway's HTTP endpoints to the session manager, token
// registry and upstream forwarder.
type Handler struct {
	Sessions            *auth.SessionManager
	Issuer              *token.Issuer
	Registry            *token.Registry
	Forwarder           *gateway.Forwarder
	Sealer              *auth.Sealer
	SessionCookiePolicy SessionCookiePolicy
	Logger              *slog.Logger
	Metrics             *metrics.Recorder
}

// NewHandler constructs a Handler with the provided collaborators.
func NewHandler(sessions *auth.SessionManager, issuer *token.Issuer, registry *token.Registry, forwarder *gateway.Forwarder) *Handler {
	if sessions == nil {
		sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return &Handler{
		Sessions:  sessions,
		Issuer:    issuer,
		Registry:  registry,
		Forwarder: forwarder,
		Metrics:   metrics.Default(),
	}
}

func (h *Handler) metrics() *metrics.Recorder {
	if h.Metrics == nil {
		h.Metrics = metrics.Default()
	}
	return h.Metrics
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	return h.Logger
}

// Health reports gateway liveness and session store reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
		return
	}
	if err := h.Sessions.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) sealCredential(credential string) (string, error) {
	if credential == "" || h.Sealer == nil {
		return credential, nil
	}
	return h.Sealer.Seal(credential)
}

func (h *Handler) openCredential(sealed string) (string, error) {
	if sealed == "" || h.Sealer == nil {
		return sealed, nil
	}
	return h.Sealer.Open(sealed)
}
