// Package broker runs the optional embedded MQTT broker. Small deployments
// point their Meshtastic gateway radios straight at it instead of standing up
// a separate mosquitto instance; the bridge then consumes from localhost.
package broker

import (
	"context"
	"fmt"
	"log/slog"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/wpamesh/meshtopo/pkg/config"
)

// Broker is an embedded MQTT broker scoped to the mesh topic tree.
type Broker struct {
	log    *slog.Logger
	cfg    *config.Configuration
	server *mqtt.Server
}

// New builds the broker with its credential hook and TCP listener attached.
// The server does not accept connections until Run is called.
func New(cfg *config.Configuration, log *slog.Logger) (*Broker, error) {
	server := mqtt.New(&mqtt.Options{
		Logger: log.With("component", "mqtt-broker"),
	})

	err := server.AddHook(new(credentialsHook), &credentialsHookOptions{
		Users:          cfg.Broker.Users,
		AllowAnonymous: cfg.Broker.AllowAnonymous,
	})
	if err != nil {
		return nil, fmt.Errorf("adding credentials hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "tcp",
		Address: cfg.Broker.Listen,
	})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("adding tcp listener on %s: %w", cfg.Broker.Listen, err)
	}

	return &Broker{
		log:    log,
		cfg:    cfg,
		server: server,
	}, nil
}

// Run serves MQTT until the context is cancelled, then shuts the server down.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.server.Serve(); err != nil {
		return fmt.Errorf("starting mqtt broker: %w", err)
	}
	b.log.Info("embedded mqtt broker listening", "address", b.cfg.Broker.Listen)

	<-ctx.Done()

	if err := b.server.Close(); err != nil {
		return fmt.Errorf("closing mqtt broker: %w", err)
	}
	return ctx.Err()
}
