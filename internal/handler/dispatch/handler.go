package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	dispatchservice "github.com/ECSERP/whatsapp-backend/internal/service/dispatch"
	"github.com/ECSERP/whatsapp-backend/pkg/utils"
)

// Handler exposes bulk-send submission over HTTP.
type Handler struct {
	engine *dispatchservice.Engine
}

// New creates the dispatch handler.
func New(engine *dispatchservice.Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes registers the bulk-send route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/send-bulk-messages", h.handleSendBulk)
}

// handleSendBulk accepts the job and returns immediately; progress is only
// visible on the tenant's realtime channel.
func (h *Handler) handleSendBulk(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TenantID string `json:"tenantId"`
		Message  string `json:"message"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondResult(w, http.StatusBadRequest, false, "invalid request body")
		return
	}
	if payload.TenantID == "" || payload.Message == "" {
		utils.RespondResult(w, http.StatusBadRequest, false, "tenantId and message are required")
		return
	}

	if _, err := h.engine.Submit(payload.TenantID, payload.Message); err != nil {
		switch {
		case errors.Is(err, dispatchservice.ErrNotAuthenticated):
			utils.RespondResult(w, http.StatusBadRequest, false, "session not authenticated")
		case errors.Is(err, dispatchservice.ErrJobAlreadyRunning):
			utils.RespondResult(w, http.StatusConflict, false, "a bulk job is already running for this tenant")
		default:
			utils.RespondResult(w, http.StatusInternalServerError, false, err.Error())
		}
		return
	}

	utils.RespondResult(w, http.StatusOK, true, "started")
}
