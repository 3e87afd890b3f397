package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"clipgate/internal/token"
)

type createTokenRequest struct {
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

type renameTokenRequest struct {
	Name string `json:"name"`
}

type issuedTokenResponse struct {
	token.Metadata
	Secret string `json:"secret"`
}

// Tokens handles issuance and listing of the caller's API tokens.
func (h *Handler) Tokens(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		caller, ok := h.requireSessionCaller(w, r)
		if !ok {
			return
		}
		if caller.Principal.Credential == "" {
			writeError(w, http.StatusUnauthorized, ErrNoSessionToken)
			return
		}
		var req createTokenRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now()) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("expiresAt must be in the future"))
			return
		}
		sealed, err := h.sealCredential(caller.Principal.Credential)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		issued, err := h.Issuer.Issue(caller.Principal.Identity.ID, caller.Principal.Identity.Email, req.Name, sealed, req.ExpiresAt)
		if err != nil {
			if errors.Is(err, token.ErrInvalidName) {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		h.metrics().ObserveTokenEvent("issued")
		writeJSON(w, http.StatusCreated, issuedTokenResponse{Metadata: issued.Metadata, Secret: issued.Secret})
	case http.MethodGet:
		caller, ok := h.requireSessionCaller(w, r)
		if !ok {
			return
		}
		listed, err := h.Registry.List(caller.Principal.Identity.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]token.Metadata{"tokens": listed})
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
	}
}

// TokenByID handles rename and revocation of a single API token.
func (h *Handler) TokenByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/api/tokens/"))
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("token not found"))
		return
	}

	switch r.Method {
	case http.MethodPut:
		caller, ok := h.requireSessionCaller(w, r)
		if !ok {
			return
		}
		var req renameTokenRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		renamed, err := h.Registry.Rename(caller.Principal.Identity.ID, id, req.Name)
		if err != nil {
			switch {
			case errors.Is(err, token.ErrInvalidName):
				writeError(w, http.StatusBadRequest, err)
			case errors.Is(err, token.ErrTokenNotFound):
				writeError(w, http.StatusNotFound, err)
			default:
				writeError(w, http.StatusInternalServerError, err)
			}
			return
		}
		writeJSON(w, http.StatusOK, renamed)
	case http.MethodDelete:
		caller, ok := h.requireSessionCaller(w, r)
		if !ok {
			return
		}
		if err := h.Registry.Revoke(caller.Principal.Identity.ID, id); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		h.metrics().ObserveTokenEvent("revoked")
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "PUT, DELETE")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
	}
}
