package session

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	sessionservice "github.com/ECSERP/whatsapp-backend/internal/service/session"
	"github.com/ECSERP/whatsapp-backend/pkg/utils"
)

// Handler exposes session status and logout over HTTP.
type Handler struct {
	registry *sessionservice.Registry
}

// New creates the session handler.
func New(registry *sessionservice.Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes registers the session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/check-auth/{tenantId}", h.handleCheckAuth)
	r.Post("/logout", h.handleLogout)
}

func (h *Handler) handleCheckAuth(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	utils.RespondJSON(w, http.StatusOK, map[string]bool{
		"authenticated": h.registry.IsAuthenticated(tenantID),
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TenantID string `json:"tenantId"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondResult(w, http.StatusBadRequest, false, "invalid request body")
		return
	}
	if payload.TenantID == "" {
		utils.RespondResult(w, http.StatusBadRequest, false, "tenantId is required")
		return
	}

	if err := h.registry.Destroy(r.Context(), payload.TenantID); err != nil {
		if errors.Is(err, sessionservice.ErrSessionNotFound) {
			utils.RespondResult(w, http.StatusBadRequest, false, "session not found")
			return
		}
		utils.RespondResult(w, http.StatusInternalServerError, false, err.Error())
		return
	}

	utils.RespondResult(w, http.StatusOK, true, "logged out")
}
