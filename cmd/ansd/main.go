// Command ansd runs the Agent Name Service daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentns/ans/pkg/adapters"
	"github.com/agentns/ans/pkg/audit"
	"github.com/agentns/ans/pkg/ca"
	"github.com/agentns/ans/pkg/config"
	"github.com/agentns/ans/pkg/ocsp"
	"github.com/agentns/ans/pkg/ra"
	"github.com/agentns/ans/pkg/registry"
	"github.com/agentns/ans/pkg/server"
	"github.com/agentns/ans/pkg/storage"
	"github.com/agentns/ans/pkg/storage/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config", err)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fatal("init logger", err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("ansd exited", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func fatal(msg string, err error) {
	os.Stderr.WriteString("ansd: " + msg + ": " + err.Error() + "\n")
	os.Exit(1)
}

// run brings the core up in dependency order (storage, CA, OCSP, RA,
// registry, HTTP) and tears it down on SIGINT/SIGTERM.
func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.Store
	switch cfg.Storage.Backend {
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.Storage.DSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		store = pg
	default:
		store = storage.NewMemory()
	}

	metrics := audit.NewMetrics()
	sink := audit.NewLogger(log, metrics)

	authority, err := openAuthority(cfg, store, log)
	if err != nil {
		return err
	}
	if err := authority.RestoreRevocations(ctx); err != nil {
		return err
	}

	responder, err := ocsp.NewResponder(authority, ocsp.ResponderOptions{
		TTL:      cfg.OCSP.ResponderTTL.Std(),
		Delegate: cfg.OCSP.Delegate,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	client := ocsp.NewClient(authority, ocsp.LocalTransport{Responder: responder}, ocsp.ClientOptions{
		TTL:      cfg.OCSP.ClientTTL.Std(),
		Timeout:  cfg.OCSP.Timeout.Std(),
		Disabled: !cfg.OCSPEnabled(),
		Sink:     sink,
		Logger:   log,
	})

	registrar, err := ra.New(authority, adapters.NewRegistry(), log)
	if err != nil {
		return err
	}
	reg, err := registry.New(ctx, store, authority, client, registry.Options{
		CommonName: cfg.Registry.CommonName,
		Sink:       sink,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.New(registrar, reg, responder, metrics, sink, log).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("ansd listening", zap.String("addr", cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func openAuthority(cfg *config.Config, store storage.Store, log *zap.Logger) (*ca.Authority, error) {
	opts := ca.Options{
		CommonName: cfg.CA.CommonName,
		CertTTL:    cfg.CA.CertTTL.Std(),
		Store:      store,
		Logger:     log,
	}
	if cfg.CA.Dir != "" {
		if authority, err := ca.Load(cfg.CA.Dir, opts); err == nil {
			log.Info("loaded CA keypair", zap.String("dir", cfg.CA.Dir))
			return authority, nil
		}
		authority, err := ca.New(opts)
		if err != nil {
			return nil, err
		}
		if err := authority.Save(cfg.CA.Dir); err != nil {
			return nil, err
		}
		return authority, nil
	}
	return ca.New(opts)
}
