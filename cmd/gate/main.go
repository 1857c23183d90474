// Command gate boots the cashu-gate process: load configuration, wire every
// component, and serve the HTTP surface until interrupted.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/tollkeeper/cashu-gate/internal/adminauth"
	"github.com/tollkeeper/cashu-gate/internal/config"
	"github.com/tollkeeper/cashu-gate/internal/gateway"
	"github.com/tollkeeper/cashu-gate/internal/kv"
	"github.com/tollkeeper/cashu-gate/internal/logging"
	"github.com/tollkeeper/cashu-gate/internal/metrics"
	"github.com/tollkeeper/cashu-gate/internal/mintclient"
	"github.com/tollkeeper/cashu-gate/internal/proofstore"
	"github.com/tollkeeper/cashu-gate/internal/telemetry"
	"github.com/tollkeeper/cashu-gate/internal/token"
	"github.com/tollkeeper/cashu-gate/internal/treasury"
	"github.com/tollkeeper/cashu-gate/internal/upstream"
)

func main() {
	app := &cli.App{
		Name:  "gate",
		Usage: "payment-metered reverse proxy for OpenAI-compatible chat-completion APIs",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Value: ".env", Usage: "path to a .env file to load before reading the environment"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("env-file"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := logging.Init(cfg.Environment); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logging.Sync()

	store, closeStore, err := buildKVStore(cfg)
	if err != nil {
		return fmt.Errorf("initializing kv store: %w", err)
	}
	defer closeStore()

	proofStore := proofstore.New(store)

	walletFactory := func(mintURL string) mintclient.MintWallet {
		return mintclient.NewHTTPMintWallet(mintURL, http.DefaultClient)
	}
	mintClient := mintclient.New(walletFactory, 10*time.Second)
	mintClient.OnRedeem = func(mintURL string, keep token.Proofs) (string, error) {
		return proofStore.Store(context.Background(), mintURL, keep)
	}

	treasuryWallet := mintclient.NewHTTPMintWallet(cfg.MintURL, http.DefaultClient)
	treasurySvc := treasury.New(treasuryWallet, cfg.MintURL, proofStore)
	if cfg.ChainTag != "" {
		treasurySvc.ChainTag = cfg.ChainTag
	}

	metricsWriter := metrics.NewWriter(store)
	metricsReader := metrics.NewReader(store)
	tel := telemetry.NewTelemetry()

	pricingRules, pricingWarning := cfg.PricingRules()
	if pricingWarning != "" {
		logging.Warn("pricing config: " + pricingWarning)
	}

	routes := cfg.UpstreamRoutes()

	deps := &gateway.Deps{
		TrustedMints:   cfg.TrustedMintSet(),
		PricingRules:   pricingRules,
		MintClient:     mintClient,
		ProofStore:     proofStore,
		Treasury:       treasurySvc,
		MetricsWriter:  metricsWriter,
		MetricsReader:  metricsReader,
		Telemetry:      tel,
		Upstream:       upstream.NewClient(http.DefaultClient),
		UpstreamRoutes: routes,
		AdminToken:     cfg.AdminToken,
		AdminLimiter:   adminauth.NewLimiter(),
		WalletAddress:  cfg.WalletAddress,
		AllowedOrigins: cfg.AllowedOrigins,
		IPHashSalt:     cfg.IPHashSalt,
		Version:        config.GateVersion,
	}

	port, err := strconv.Atoi(cfg.Port)
	if err != nil || port <= 0 {
		port = 8080
	}

	server := gateway.NewServer(deps, port)

	errCh := make(chan error, 1)
	go func() {
		logging.Info("gate listening", zap.Int("port", port))
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-sigCh:
		logging.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
	}

	return nil
}

func buildKVStore(cfg *config.Config) (kv.Store, func(), error) {
	if cfg.RedisHost == "" {
		return kv.NewMemStore(), func() {}, nil
	}

	redisStore, err := kv.NewRedisStore(kv.RedisConfig{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, nil, err
	}
	return redisStore, func() { _ = redisStore.Close() }, nil
}
