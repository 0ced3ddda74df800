package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manpreetbhatti/whiteboard/backend/internal/ratelimit"
)

const maxBodyBytes = 8 * 1024

type RouterConfig struct {
	CORSOrigins []string
	// Limiters throttles room creation and join checks per client address.
	// Nil disables throttling.
	Limiters *ratelimit.ClientLimiters
}

// NewRouter wires the HTTP surface: room API, pages, live channel and
// operational endpoints.
func NewRouter(a *API, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger)
	r.Use(chimw.Recoverer)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Operational
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", a.HealthHandler)
	r.Get("/api/stats", a.StatsHandler)

	// Live channel
	r.Get("/ws", a.WebSocketHandler)

	// Room API
	r.Group(func(r chi.Router) {
		r.Use(MaxBodySize(maxBodyBytes))
		if cfg.Limiters != nil {
			r.Use(RateLimit(cfg.Limiters))
		}
		r.Post("/new", a.CreateRoomHandler)
		r.Post("/join/{roomId}", a.JoinRoomHandler)
	})

	// Pages
	r.Get("/", a.NewRoomRedirect)
	r.Get("/new", a.NewRoomRedirect)
	r.Get("/{roomId}", a.RoomPage)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusNotFound, "Not found")
	})

	return r
}
