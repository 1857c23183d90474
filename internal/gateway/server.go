package gateway

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// Server wraps the gorilla/mux router and http.Server, mirroring the
// mint-server's own router/http.Server pairing, generalized to the gate's
// own route table.
type Server struct {
	httpServer *http.Server
	deps       *Deps
}

// NewServer builds the router, mounts every route the gate exposes, and
// wraps it in the version-header/CORS middleware.
func NewServer(deps *Deps, port int) *Server {
	r := mux.NewRouter()

	r.HandleFunc("/", deps.ServiceInfo).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/health", deps.Health).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/info", deps.Info).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/pricing", deps.Pricing).Methods(http.MethodGet, http.MethodOptions)

	r.Handle("/v1/chat/completions", deps.StampGate(http.HandlerFunc(deps.ChatCompletions))).Methods(http.MethodPost, http.MethodOptions)

	r.HandleFunc("/stats", deps.withAdmin(false, deps.Stats)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/gate/balance", deps.withAdmin(false, deps.Balance)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/gate/melt", deps.withAdmin(false, deps.MeltOnchain)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/gate/melt-ln", deps.withAdmin(false, deps.MeltLightning)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/homo/melt", deps.withAdmin(false, deps.MeltLightning)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/homo/balance", deps.withAdmin(false, deps.HomoBalance)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/homo/withdraw", deps.withAdmin(false, deps.Withdraw)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/homo/cleanup", deps.withAdmin(false, deps.Cleanup)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/homo/ui", deps.withAdmin(true, deps.Dashboard)).Methods(http.MethodGet, http.MethodOptions)

	r.HandleFunc("/v1/gate/metrics", deps.withAdmin(false, deps.MetricsRaw)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/gate/metrics/summary", deps.withAdmin(false, deps.MetricsSummary)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/gate/metrics/errors", deps.withAdmin(false, deps.TokenErrors)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/gate/token-errors", deps.withAdmin(false, deps.TokenErrors)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/gate/token-errors/summary", deps.withAdmin(false, deps.TokenErrorsSummary)).Methods(http.MethodGet, http.MethodOptions)

	if deps.Telemetry != nil {
		r.Handle("/metrics", deps.Telemetry.Handler()).Methods(http.MethodGet, http.MethodOptions)
	}

	r.Use(deps.setupHeaders)

	return &Server{
		deps: deps,
		httpServer: &http.Server{
			Addr:    ":" + strconv.Itoa(port),
			Handler: r,
		},
	}
}

// setupHeaders stamps X-Gate-Version on every response and answers CORS
// preflight, with a configurable origin allowlist instead of a blanket
// wildcard.
func (d *Deps) setupHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Gate-Version", d.Version)

		origin := r.Header.Get("Origin")
		if d.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Cashu")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (d *Deps) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range d.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServiceInfo implements GET /: the JSON landing page.
func (d *Deps) ServiceInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "cashu-gate",
		"version":     d.Version,
		"description": "payment-metered reverse proxy for OpenAI-compatible chat-completion APIs, gated by Cashu ecash",
	})
}

// Info implements GET /v1/info.
func (d *Deps) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "cashu-gate",
		"version":     d.Version,
		"description": "Cashu-metered LLM gateway",
	})
}

// Health implements GET /health: the trusted mints and configured upstream
// routes, so operators can eyeball the gate's wiring without admin auth.
func (d *Deps) Health(w http.ResponseWriter, r *http.Request) {
	mints := make([]string, 0, len(d.TrustedMints))
	for m := range d.TrustedMints {
		mints = append(mints, m)
	}

	upstreams := make([]string, 0, len(d.UpstreamRoutes))
	for _, route := range d.UpstreamRoutes {
		upstreams = append(upstreams, route.Match)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"mints":     mints,
		"upstreams": upstreams,
	})
}

// Pricing implements GET /v1/pricing: every configured model's rule plus
// the fixed usd-to-units exchange rate.
func (d *Deps) Pricing(w http.ResponseWriter, r *http.Request) {
	models := make(map[string]any, len(d.PricingRules))
	for name, rule := range d.PricingRules {
		entry := map[string]any{"mode": rule.Mode}
		switch rule.Mode {
		case "per_request":
			entry["per_request"] = rule.PerRequest
		case "per_token":
			entry["input_per_million"] = rule.InputPerMillion
			entry["output_per_million"] = rule.OutputPerMillion
		}
		models[name] = entry
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"models":        models,
		"exchange_rate": map[string]any{"usd_to_units": 100000},
	})
}

// Start blocks serving HTTP until the server is shut down.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
