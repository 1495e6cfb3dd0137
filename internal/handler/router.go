package handler

import (
	"io/fs"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/joi-gateway/internal/handler/chat"
	"github.com/zhouzirui/joi-gateway/internal/handler/persona"
	"github.com/zhouzirui/joi-gateway/internal/handler/status"
	"github.com/zhouzirui/joi-gateway/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/joi-gateway/internal/middleware"
	"github.com/zhouzirui/joi-gateway/internal/metrics"
	personaModel "github.com/zhouzirui/joi-gateway/internal/model/persona"
)

// Dependencies are the services the router wires to routes.
type Dependencies struct {
	Relay         stream.Relayer
	Sessions      chat.Sessions
	Backend       status.Prober
	Personas      personaModel.Store
	ActivePersona string
	Metrics       *metrics.Collector
	Static        fs.FS
	Logger        *log.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if deps.Logger != nil {
		r.Use(middlewarePkg.RequestLogger(deps.Logger))
	}
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	stream.New(deps.Relay, deps.Logger).RegisterRoutes(r)
	status.New(deps.Backend, deps.Metrics, deps.Logger).RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		if deps.Personas != nil {
			persona.New(deps.Personas, deps.ActivePersona).RegisterRoutes(api)
		}
		if deps.Sessions != nil {
			chat.New(deps.Sessions).RegisterRoutes(api)
		}
	})

	if deps.Static != nil {
		r.Handle("/*", http.FileServer(http.FS(deps.Static)))
	}

	return r
}
