// Meshtopo bridges Meshtastic position traffic to CalTopo. It subscribes to
// a Meshtastic JSON MQTT stream, learns device identities from nodeinfo
// metadata, and relays position reports to the CalTopo position API. An
// embedded MQTT broker and an HTTP status endpoint are available for
// deployments that want them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wpamesh/meshtopo/internal/logging"
	"github.com/wpamesh/meshtopo/pkg/app"
	"github.com/wpamesh/meshtopo/pkg/config"
)

// version is stamped by the build.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "meshtopo.yaml", "path to the configuration file")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("meshtopo %s\n", version)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, closeLog := logging.Setup(cfg)
	defer closeLog()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	log.Info("meshtopo starting", "version", version, "config", configPath)
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("meshtopo stopped")
	return nil
}
