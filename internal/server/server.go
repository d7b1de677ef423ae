// Package server assembles the engine's HTTP surface: the mining API,
// admin endpoints, and health probes.
package server

import (
	"net/http"

	"github.com/txn2/mining-engine/pkg/api"
	"github.com/txn2/mining-engine/pkg/engine"
)

// Version is set at build time.
var Version = "dev"

// New builds the HTTP handler for a configured engine.
func New(eng *engine.Engine) http.Handler {
	mux := http.NewServeMux()

	handler := api.NewHandler(eng.Manager(), eng.Store(),
		api.WithSettingsProvider(eng.Settings()))
	mux.Handle("/api/v1/", handler)

	mux.HandleFunc("GET /healthz", eng.Health().LivenessHandler())
	mux.HandleFunc("GET /readyz", eng.Health().ReadinessHandler())

	return mux
}

// NewFromConfigFile loads configuration from a YAML file and builds the
// engine and its HTTP handler.
func NewFromConfigFile(path string) (http.Handler, *engine.Engine, error) {
	cfg, err := engine.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}

	eng, err := engine.New(engine.WithConfig(cfg))
	if err != nil {
		return nil, nil, err
	}

	return New(eng), eng, nil
}
