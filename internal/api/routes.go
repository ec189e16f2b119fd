package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouteConfig carries everything SetupRoutes mounts. Nil handlers are
// skipped.
type RouteConfig struct {
	Segments       *SegmentationAPI
	Search         *SearchAPI
	Health         *HealthChecker
	AllowedOrigins []string
}

var defaultOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// SetupRoutes configures all API routes.
func SetupRoutes(rc RouteConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	origins := rc.AllowedOrigins
	if len(origins) == 0 {
		origins = defaultOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderUserID, HeaderUserRole},
		ExposedHeaders:   []string{"Link", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if rc.Health != nil {
		r.Get("/health", rc.Health.HandleHealth)
		r.Get("/health/live", rc.Health.HandleLiveness)
		r.Get("/health/ready", rc.Health.HandleReadiness)
	} else {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(UserMiddleware)
		r.Use(middleware.AllowContentType("application/json"))

		if rc.Segments != nil {
			rc.Segments.RegisterRoutes(r)
		}
		if rc.Search != nil {
			rc.Search.RegisterRoutes(r)
		}
	})

	return r
}
