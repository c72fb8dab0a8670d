package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"plantly.app/plantly-server/internal/logging"
)

func NewRouter(logger zerolog.Logger, apiHandler *APIHandler, wsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(logging.Middleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/ws/chat", wsHandler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		r.Group(func(r chi.Router) {
			r.Use(apiHandler.AuthMiddleware)

			r.Post("/threads", apiHandler.CreateThreadHandler)
			r.Get("/threads", apiHandler.ListThreadsHandler)
			r.Get("/threads/{threadID}", apiHandler.GetThreadDetailsHandler)

			r.Get("/plants/{plantID}/diseases", apiHandler.PlantDiseasesHandler)

			r.Post("/chat/analyze-image", apiHandler.AnalyzeImageHandler)
			r.Get("/images/*", apiHandler.ImageHandler)
		})
	})

	return r
}
