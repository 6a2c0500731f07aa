// Command communique-core runs the civic-message submission pipeline: the
// registration surface for the two-tree anonymity set, the nullifier-gated
// submission intake, and the detached delivery workers that decrypt witnesses
// inside the trusted boundary and deliver to legislative offices.
//
// # Usage
//
//	go run ./cmd/communique-core
//
// Wiring comes from COMMUNIQUE_* environment variables (see the config
// package); PostgreSQL connection parameters come from the standard PG*
// variables when COMMUNIQUE_USE_POSTGRES is set.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/communisaas/communique-core/api/httpserver"
	"github.com/communisaas/communique-core/atlas"
	"github.com/communisaas/communique-core/auth"
	cmdcommon "github.com/communisaas/communique-core/cmd/common"
	"github.com/communisaas/communique-core/config"
	"github.com/communisaas/communique-core/congress"
	"github.com/communisaas/communique-core/delivery"
	"github.com/communisaas/communique-core/engagement"
	"github.com/communisaas/communique-core/intake"
	"github.com/communisaas/communique-core/registration"
	"github.com/communisaas/communique-core/store"
	"github.com/communisaas/communique-core/tee"
)

func main() {
	exchangeKeyHex := flag.String("exchange-key", "", "ECDH P-256 exchange key (hex, generates if empty)")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, *exchangeKeyHex, log); err != nil {
		log.Error("service failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, exchangeKeyHex string, log *slog.Logger) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	authKey, err := cmdcommon.LoadOrGenerateSecret(cfg.AuthKey)
	if err != nil {
		return fmt.Errorf("auth key: %w", err)
	}
	pseudonymKey, err := cmdcommon.LoadOrGenerateSecret(cfg.PseudonymKey)
	if err != nil {
		return fmt.Errorf("pseudonym key: %w", err)
	}

	// Decryption boundary: attest a fresh key, or import a pinned one.
	provider := cmdcommon.NewAttestationProvider(cfg.UseTDX, cfg.TDXRemoteURL)
	keys := tee.NewKeyStore(provider)
	if exchangeKeyHex != "" {
		priv, err := cmdcommon.LoadOrGenerateExchangeKey(exchangeKeyHex)
		if err != nil {
			return fmt.Errorf("exchange key: %w", err)
		}
		keys.ImportKey("pinned", priv)
		log.Info("imported pinned exchange key")
	} else {
		info, err := keys.GenerateKey()
		if err != nil {
			return fmt.Errorf("generating exchange key: %w", err)
		}
		log.Info("generated attested exchange key", "keyId", info.KeyID)
	}

	table, err := cfg.PolicyTable()
	if err != nil {
		return err
	}

	authenticator := auth.NewHMACAuthenticator(authKey)
	engProxy := engagement.NewProxy(
		engagement.NewClient(cfg.EngagementURL, cfg.CellProofURL), engagement.DefaultTreeDepth, log)

	deliverer, err := cfg.Deliverer()
	if err != nil {
		return err
	}
	worker := delivery.NewWorker(keys, congress.NewHTTPResolver(cfg.ResolverURL), deliverer, log)
	executor := delivery.NewExecutor(worker, st, cfg.DeliveryQueueDepth, log)

	registrationHandler := registration.NewHandler(
		registration.NewService(st, atlas.NewClient(cfg.AtlasURL), cfg.DistrictTreeDepth, log),
		engProxy, authenticator)
	intakeHandler := intake.NewHandler(
		intake.NewService(st, keys, engProxy, executor, pseudonymKey, log),
		table, authenticator)

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cfg.ListenAddr,
		MetricsAddr:              cfg.MetricsAddr,
		EnablePprof:              cfg.EnablePprof,
		Log:                      log,
		ReadyCheck:               st.Ping,
		DrainHook:                executor.Drain,
		DrainDuration:            5 * time.Second,
		GracefulShutdownDuration: 10 * time.Second,
		ReadTimeout:              15 * time.Second,
		WriteTimeout:             30 * time.Second,
	}, registrationHandler, intakeHandler, httpserver.NewKeysHandler(keys))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor.Start(ctx, cfg.DeliveryWorkers)
	go executor.RunSweeper(ctx, cfg.SweepInterval, cfg.StuckCutoff)

	// Recover submissions orphaned by a previous crash.
	if err := executor.RequeueStuck(ctx, time.Now().Add(-cfg.StuckCutoff)); err != nil {
		log.Warn("startup requeue failed", "err", err)
	}

	srv.RunInBackground()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	srv.Shutdown()
	cancel()
	executor.Wait()
	return nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	if !cfg.UsePostgres {
		return store.NewInMemoryStore(), nil
	}

	var pgCfg store.PostgresConfig
	if err := envconfig.Process("", &pgCfg); err != nil {
		return nil, fmt.Errorf("loading postgres config: %w", err)
	}
	return store.NewPostgresStore(&pgCfg)
}
