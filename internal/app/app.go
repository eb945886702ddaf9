// Package app wires config, keys, storage, chain, and the HTTP surface into
// a runnable integrity node.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/civicgraph/integrity-chain/internal/api"
	"github.com/civicgraph/integrity-chain/internal/config"
	"github.com/civicgraph/integrity-chain/internal/crypto"
	"github.com/civicgraph/integrity-chain/internal/ledger"
	"github.com/civicgraph/integrity-chain/internal/logging"
	"github.com/civicgraph/integrity-chain/internal/service"
	"github.com/civicgraph/integrity-chain/internal/storage"
	"github.com/civicgraph/integrity-chain/internal/storage/ledgerfile"
	"github.com/civicgraph/integrity-chain/internal/storage/ledgerpostgres"
)

type Application struct {
	Server *http.Server
	Store  storage.LedgerStore
}

// Build constructs the node. A missing key store is created on first run; a
// corrupt one is fatal here, before the server ever listens.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	keys, err := crypto.EnsureKeyStore(cfg.Keys.StorePath)
	if err != nil {
		return nil, fmt.Errorf("key store unavailable: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}

	chain, err := ledger.Load(ctx, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load chain: %w", err)
	}

	svc, err := service.New(service.Params{
		Keys:       keys,
		Chain:      chain,
		WriteToken: cfg.Security.WriteToken,
		Service:    cfg.Logging.Service,
		Version:    cfg.Logging.Version,
		Backend:    cfg.Storage.Backend,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build integrity service: %w", err)
	}

	handler := api.NewHandler(svc, api.Options{
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		RequireAuth:  *cfg.Security.EnableBearerAuth,
		AllowReload:  *cfg.Security.AllowReload,
	})
	env := logging.Environment{
		Service: cfg.Logging.Service,
		Version: cfg.Logging.Version,
		Commit:  cfg.Logging.Commit,
		Region:  cfg.Logging.Region,
		NodeID:  cfg.Node.NodeID,
	}
	root := logging.Middleware(logger, env)(handler.Router())

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           root,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return &Application{Server: server, Store: store}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.LedgerStore, error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		return ledgerpostgres.Open(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
	default:
		return ledgerfile.Open(cfg.Storage.LedgerPath)
	}
}

func (a *Application) Shutdown(ctx context.Context) error {
	defer a.Store.Close()
	return a.Server.Shutdown(ctx)
}
