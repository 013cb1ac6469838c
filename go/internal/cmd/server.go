package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/hydraquiz/battle/go/internal/battle/admin"
)

func setupServer(cfg Config, services *Services) *http.Server {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	registerServices(mux, cfg, services)
	setupHealthCheck(mux, services)

	handler := c.Handler(mux)

	return &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func registerServices(mux *http.ServeMux, cfg Config, services *Services) {
	// websocket + room state
	services.Gateway.RegisterRoutes(mux)

	adminPath, adminHandler := admin.NewHandler(services.Admin, cfg.AdminKey)
	mux.Handle(adminPath, adminHandler)
}

type healthResponse struct {
	Status      string `json:"status"`
	Instance    string `json:"instance"`
	Rooms       int    `json:"rooms"`
	Connections int    `json:"connections"`
	Outbox      any    `json:"outbox"`
	Cache       any    `json:"cache,omitempty"`
}

func setupHealthCheck(mux *http.ServeMux, services *Services) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		res := healthResponse{
			Status:      "ok",
			Instance:    services.InstanceID,
			Rooms:       len(services.Registry.Rooms()),
			Connections: services.Gateway.Stats().TotalConnections,
			Outbox:      services.Sink.Stats(),
		}
		if services.Cache != nil {
			res.Cache = services.Cache.Stats()
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(res); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}
