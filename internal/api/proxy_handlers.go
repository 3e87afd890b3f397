package api

import (
	"errors"
	"fmt"
	"net/http"

	"clipgate/internal/gateway"
	"clipgate/internal/observability/logging"
)

// Videos forwards /api/videos requests to the upstream video catalogue.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	h.forward(w, r, gateway.VideosRoute)
}

// Playlists forwards /api/playlists requests, including nested item paths.
func (h *Handler) Playlists(w http.ResponseWriter, r *http.Request) {
	h.forward(w, r, gateway.PlaylistsRoute)
}

// UserProfile forwards profile reads and multipart profile updates.
func (h *Handler) UserProfile(w http.ResponseWriter, r *http.Request) {
	h.forward(w, r, gateway.ProfileRoute)
}

// Uploads streams upload media through the gateway without buffering.
func (h *Handler) Uploads(w http.ResponseWriter, r *http.Request) {
	h.forward(w, r, gateway.UploadsRoute)
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request, route gateway.Route) {
	caller, ok := h.requireForwardableCaller(w, r)
	if !ok {
		return
	}
	err := h.Forwarder.Forward(w, r, route, caller.Principal.Credential)
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, gateway.ErrMalformedBody):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, gateway.ErrUpstreamUnreachable):
		logging.WithContext(r.Context(), h.logger()).Error("upstream unreachable",
			"route", route.Name,
			"error", err,
		)
		writeError(w, http.StatusBadGateway, fmt.Errorf("upstream unreachable"))
	default:
		logging.WithContext(r.Context(), h.logger()).Error("forward failed",
			"route", route.Name,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("forwarding failed"))
	}
}
