package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"

	"github.com/xtrntr/spvswap/internal/api"
	"github.com/xtrntr/spvswap/internal/auth"
	"github.com/xtrntr/spvswap/internal/config"
	"github.com/xtrntr/spvswap/internal/db"
	"github.com/xtrntr/spvswap/internal/escrow"
	"github.com/xtrntr/spvswap/internal/market"
	"github.com/xtrntr/spvswap/internal/models"
	"github.com/xtrntr/spvswap/internal/observability"
	"github.com/xtrntr/spvswap/internal/spv"
	"github.com/xtrntr/spvswap/internal/token"
)

const (
	indexerBuffer   = 4096
	shutdownTimeout = 15 * time.Second
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:           "spvswap",
		Short:         "BTC/token marketplace settled on SPV payment proofs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "spvswap:", err)
		os.Exit(1)
	}
}

// run restores state, starts the header feeder and event indexer, and serves
// HTTP until ctx is cancelled or the listener fails.
func run(ctx context.Context, cfg config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := observability.Setup("spvswap", cfg.Log.Env, cfg.Log.Level)

	contract, err := cfg.Contract()
	if err != nil {
		return err
	}
	policy, err := cfg.BuyProofPolicy()
	if err != nil {
		return err
	}
	params, err := cfg.ChainParams()
	if err != nil {
		return err
	}
	checkpoint, height, err := cfg.Checkpoint()
	if err != nil {
		return err
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close(context.Background())

	relay := spv.NewHeaderRelay(params, checkpoint, height, cfg.Bitcoin.Confirmations)
	ledger := token.NewLedger()
	vault := escrow.NewVault(ledger, contract)
	m := market.New(vault, relay, market.Options{
		ChainParams:    params,
		Expiration:     cfg.Market.Expiration.Duration,
		BuyProofPolicy: policy,
		Logger:         logger.With("component", "market"),
	})
	if err := restore(ctx, cfg, database, m, ledger, vault, logger); err != nil {
		return err
	}

	epoch, err := database.StartEpoch(ctx, m.Snapshot().LastSeq)
	if err != nil {
		return err
	}
	indexer := db.NewIndexer(database, epoch, logger.With("component", "indexer"), indexerBuffer)
	hub := api.NewHub(logger.With("component", "ws"))
	m.SetEmitter(market.MultiEmitter{indexer, hub})
	go indexer.Run(ctx)

	if cfg.Bitcoin.RPC.Host != "" {
		client, err := rpcclient.New(&rpcclient.ConnConfig{
			Host:         cfg.Bitcoin.RPC.Host,
			User:         cfg.Bitcoin.RPC.User,
			Pass:         cfg.Bitcoin.RPC.Pass,
			HTTPPostMode: true,
			DisableTLS:   cfg.Bitcoin.RPC.DisableTLS,
		}, nil)
		if err != nil {
			return fmt.Errorf("connect to bitcoin node: %w", err)
		}
		defer client.Shutdown()
		feeder := spv.NewFeeder(client, relay, logger.With("component", "feeder"))
		go feeder.Run(ctx, cfg.Bitcoin.RPC.PollInterval.Duration)
	} else {
		logger.Warn("no bitcoin rpc host configured; relay stays at checkpoint", "height", height)
	}

	authService := auth.NewAuthService(database, cfg.JWTSecret, cfg.TokenTTL.Duration, contract)
	handler := api.NewHandler(m, ledger, database, authService, hub, contract, logger.With("component", "api"))

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/", handler.Routes())

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	snapshotsDone := make(chan struct{})
	go func() {
		defer close(snapshotsDone)
		snapshotLoop(ctx, database, m, ledger, cfg.SnapshotInterval.Duration, logger)
	}()

	logger.Info("http server listening", "addr", cfg.Listen, "contract", contract.Hex(), "network", params.Name, "policy", policy.String())
	runErr := serve(ctx, srv, logger)
	// Stops the snapshot loop, the indexer and the feeder.
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}

	// Nothing mutates the market once the server has stopped.
	<-snapshotsDone
	if err := saveSnapshot(shutdownCtx, database, m, ledger); err != nil {
		logger.Error("final snapshot failed", "error", err)
	}
	select {
	case <-indexer.Done():
	case <-shutdownCtx.Done():
		logger.Warn("event indexer did not drain before shutdown deadline")
	}
	if n := indexer.Dropped(); n > 0 {
		logger.Warn("events dropped by indexer", "count", n)
	}
	return runErr
}

// serve runs srv until ctx is done or the listener fails, returning the
// listener's error in the second case.
func serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		logger.Error("http server failed", "error", err)
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	}
}

// restore loads the latest snapshot, or mints the genesis allocations when
// the database holds none, and brings vault custody in line with the market.
func restore(ctx context.Context, cfg config.Config, database *db.DB, m *market.Market, ledger *token.Ledger, vault *escrow.Vault, logger *slog.Logger) error {
	marketSnap, ledgerSnap, err := database.LoadLatestSnapshot(ctx)
	switch {
	case errors.Is(err, db.ErrNoSnapshot):
		for _, alloc := range cfg.Genesis {
			tok, owner, amount, err := alloc.Parse()
			if err != nil {
				return err
			}
			if err := ledger.Mint(tok, owner, amount); err != nil {
				return fmt.Errorf("genesis mint: %w", err)
			}
		}
		logger.Info("no snapshot found; starting from genesis", "allocations", len(cfg.Genesis))
		return nil
	case err != nil:
		return fmt.Errorf("load snapshot: %w", err)
	}

	if err := m.Restore(marketSnap); err != nil {
		return err
	}
	ledger.Restore(ledgerSnap)
	vault.SetHeld(m.Escrowed())
	logger.Info("restored market snapshot",
		"last_id", marketSnap.LastID,
		"last_seq", marketSnap.LastSeq,
		"sell_orders", len(marketSnap.SellOrders),
		"buy_orders", len(marketSnap.BuyOrders))
	return nil
}

func snapshotLoop(ctx context.Context, database *db.DB, m *market.Market, ledger *token.Ledger, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := saveSnapshot(ctx, database, m, ledger); err != nil {
				logger.Error("snapshot failed", "error", err)
			}
		}
	}
}

func saveSnapshot(ctx context.Context, database *db.DB, m *market.Market, ledger *token.Ledger) error {
	var ledgerSnap *models.LedgerSnapshot
	marketSnap := m.SnapshotWith(func() { ledgerSnap = ledger.Snapshot() })
	return database.SaveSnapshot(ctx, marketSnap, ledgerSnap)
}
