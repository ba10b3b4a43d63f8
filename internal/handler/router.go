package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	dispatchHandler "github.com/ECSERP/whatsapp-backend/internal/handler/dispatch"
	sessionHandler "github.com/ECSERP/whatsapp-backend/internal/handler/session"
	wsHandler "github.com/ECSERP/whatsapp-backend/internal/handler/ws"
	"github.com/ECSERP/whatsapp-backend/internal/middleware"
	"github.com/ECSERP/whatsapp-backend/internal/notify"
	dispatchservice "github.com/ECSERP/whatsapp-backend/internal/service/dispatch"
	sessionservice "github.com/ECSERP/whatsapp-backend/internal/service/session"
	"github.com/ECSERP/whatsapp-backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(registry *sessionservice.Registry, engine *dispatchservice.Engine, hub *notify.Hub, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS)

	sessionHandler.New(registry).RegisterRoutes(r)
	dispatchHandler.New(engine).RegisterRoutes(r)
	wsHandler.New(registry, hub, log).RegisterRoutes(r)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
