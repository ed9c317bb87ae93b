package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/market-history/internal/logger"
	"github.com/atmx/market-history/internal/metrics"
)

// Router builds the HTTP handler. Read routes time out after readTimeout;
// cycle and export triggers run until they finish.
func Router(svc *Service, hub *WSHub, readTimeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ahdb"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		r.Post("/regions/{region}/cycles", svc.TriggerCycle)
		r.Post("/regions/{region}/exports", svc.TriggerExport)

		r.Group(func(r chi.Router) {
			if readTimeout > 0 {
				r.Use(middleware.Timeout(readTimeout))
			}
			r.Get("/runs/{runID}", svc.GetRun)
			r.Get("/regions/{region}/realms", svc.ListRealms)
			r.Get("/regions/{region}/shards", svc.ListShards)
			r.Get("/shards/{shard}/items", svc.ListItems)
			r.Get("/shards/{shard}/items/{item}", svc.GetSeries)
		})
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	log := logger.GetLogger().WithComponent("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.WithFields(logger.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"request_id": middleware.GetReqID(r.Context()),
			"duration":   time.Since(start).String(),
		}).Debug("request")
	})
}
