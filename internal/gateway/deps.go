package gateway

import (
	"github.com/tollkeeper/cashu-gate/internal/adminauth"
	"github.com/tollkeeper/cashu-gate/internal/metrics"
	"github.com/tollkeeper/cashu-gate/internal/mintclient"
	"github.com/tollkeeper/cashu-gate/internal/pricing"
	"github.com/tollkeeper/cashu-gate/internal/proofstore"
	"github.com/tollkeeper/cashu-gate/internal/telemetry"
	"github.com/tollkeeper/cashu-gate/internal/treasury"
	"github.com/tollkeeper/cashu-gate/internal/upstream"
)

// Deps is every collaborator the gateway package's handlers and middleware
// close over. cmd/gate/main.go constructs exactly one of these at boot.
type Deps struct {
	TrustedMints map[string]bool
	PricingRules map[string]pricing.Rule

	MintClient *mintclient.Client
	ProofStore *proofstore.Store
	Treasury   *treasury.Service

	MetricsWriter *metrics.Writer
	MetricsReader *metrics.Reader
	Telemetry     *telemetry.Telemetry

	Upstream       *upstream.Client
	UpstreamRoutes []upstream.Route

	AdminToken    string
	AdminLimiter  *adminauth.Limiter
	WalletAddress string

	AllowedOrigins []string
	IPHashSalt     string
	Version        string
}
