// Package server assembles the gateway's HTTP handler.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/devgate/internal/api"
	"github.com/gaspardpetit/devgate/internal/config"
	"github.com/gaspardpetit/devgate/internal/ctrlsrv"
	"github.com/gaspardpetit/devgate/internal/gateway"
	"github.com/gaspardpetit/devgate/internal/hub"
	"github.com/gaspardpetit/devgate/internal/inflight"
	"github.com/gaspardpetit/devgate/internal/metrics"
)

// New constructs the HTTP handler for the server. ctx bounds background work
// started by middleware. inflight may be nil.
func New(ctx context.Context, cfg config.ServerConfig, h *hub.Hub, inf *inflight.Counter) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range api.MiddlewareChain() {
		r.Use(m)
	}

	preg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = preg
	prometheus.DefaultGatherer = preg
	metrics.Register(preg)

	impl := &api.API{
		Gate:         gateway.New(h.Directory(), h.Registry()),
		Hub:          h,
		MaxBodyBytes: cfg.MaxFrameBytes,
	}

	r.Get("/healthz", impl.GetHealthz)
	r.Get("/connect", ctrlsrv.WSHandler(h, ctrlsrv.Options{ClientKey: cfg.ClientKey, MaxFrameBytes: cfg.MaxFrameBytes}))
	r.Route("/api", func(ar chi.Router) {
		ar.Use(api.APIKeyMiddleware(cfg.APIKey))
		ar.Use(api.RateLimit(ctx, cfg.RateLimitPerMinute, cfg.RateLimitBurst))
		if inf != nil {
			ar.Use(inf.Middleware())
		}
		ar.Get("/state", impl.GetState)
		ar.Get("/devices", impl.ListDevices)
		ar.Get("/devices/{client_id}", impl.GetDevice)
		ar.Delete("/devices/{client_id}", impl.DeleteDevice)
		ar.Post("/devices/{client_id}/endpoints/{endpoint_id}", impl.PostEndpoint)
		ar.Post("/emit", impl.Emit)
	})

	if cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}

	return r
}
