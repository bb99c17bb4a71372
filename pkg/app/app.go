// Package app assembles the bridge: storage, identity resolution, the
// CalTopo reporter, the MQTT gateway, and the optional embedded broker and
// status server.
package app

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/wpamesh/meshtopo/pkg/broker"
	"github.com/wpamesh/meshtopo/pkg/caltopo"
	"github.com/wpamesh/meshtopo/pkg/config"
	"github.com/wpamesh/meshtopo/pkg/gateway"
	"github.com/wpamesh/meshtopo/pkg/resolver"
	"github.com/wpamesh/meshtopo/pkg/routes"
	"github.com/wpamesh/meshtopo/pkg/store"
)

// Namespaces in the shared state database.
const (
	nsNodeIDs   = "node_ids"
	nsCallsigns = "callsigns"
)

// App owns every component of the bridge for one configuration.
type App struct {
	log       *slog.Logger
	cfg       *config.Configuration
	nodeIDs   *store.Store
	callsigns *store.Store
	resolver  *resolver.Resolver
	reporter  *caltopo.Reporter
	gateway   *gateway.Gateway
	broker    *broker.Broker
	status    *routes.StatusServer
}

// New builds every component from the configuration. Storage is opened and
// migrated here so a bad database path fails startup; nothing begins running
// until Run.
func New(cfg *config.Configuration, log *slog.Logger) (*App, error) {
	a := &App{log: log, cfg: cfg}

	nodeIDs, err := store.Open(cfg.Storage.DBPath, nsNodeIDs)
	if err != nil {
		return nil, err
	}
	a.nodeIDs = nodeIDs

	callsigns, err := store.Open(cfg.Storage.DBPath, nsCallsigns)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.callsigns = callsigns

	a.resolver = resolver.New(cfg, nodeIDs, callsigns, log.With("component", "resolver"))

	reporter, err := caltopo.New(cfg, log.With("component", "caltopo"), caltopo.Options{})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.reporter = reporter

	a.gateway = gateway.New(cfg, a.resolver, reporter, log.With("component", "gateway"))

	if cfg.Broker.Enabled {
		b, err := broker.New(cfg, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.broker = b
	}

	if cfg.Status.Enabled {
		a.status = routes.New(cfg, a.gateway, a.resolver, log.With("component", "status"))
	}

	return a, nil
}

// Run starts the components and blocks until the context is cancelled or one
// of them fails. The embedded broker goroutine is launched before the
// gateway's; if the gateway's first connect still races ahead of the
// listener, its reconnect loop absorbs the miss.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.broker != nil {
		g.Go(func() error { return a.broker.Run(ctx) })
	}

	a.reporter.Start()
	if a.reporter.TestConnection(ctx) {
		a.log.Info("caltopo connectivity verified")
	} else {
		a.log.Warn("caltopo connectivity check failed, position reports will still be attempted")
	}

	g.Go(func() error { return a.gateway.Run(ctx) })

	if a.status != nil {
		g.Go(func() error { return a.status.Run(ctx) })
	}

	return g.Wait()
}

// Close releases everything New opened, in reverse order of construction.
// Safe to call after a partially failed New.
func (a *App) Close() error {
	if a.reporter != nil {
		a.reporter.Close()
	}
	if a.resolver != nil {
		a.resolver.Close()
	}
	var errs []error
	if a.callsigns != nil {
		errs = append(errs, a.callsigns.Close())
	}
	if a.nodeIDs != nil {
		errs = append(errs, a.nodeIDs.Close())
	}
	return errors.Join(errs...)
}
