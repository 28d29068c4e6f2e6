package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/deuszex/iop-location-based-network/internal/config"
	"github.com/deuszex/iop-location-based-network/internal/logging"
	"github.com/deuszex/iop-location-based-network/internal/node"
)

func main() {
	configPath := flag.String("config", "iop-locnet.yaml", "Path to the YAML configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogPath, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := node.NewNode(cfg, node.WithLogger(log.Named("node")))
	if err != nil {
		log.Fatal("Failed to initialize node", zap.Error(err))
	}
	defer n.Close()

	// One dispatch server per protocol surface: peers, clients and the
	// collocated services.
	ports := []uint16{
		cfg.NodeInfo.Profile.NodeEndpoint.Port,
		cfg.NodeInfo.Profile.ClientEndpoint.Port,
		cfg.LocalServicePort,
	}
	var servers []*node.DispatchServer
	for _, port := range ports {
		server, err := node.StartDispatchServer(ctx, n, port, log.Named("server"))
		if err != nil {
			log.Fatal("Failed to start dispatch server", zap.Uint16("port", port), zap.Error(err))
		}
		servers = append(servers, server)
	}

	if err := n.EnsureMapFilled(ctx); err != nil {
		log.Warn("Could not join the network, continuing solo", zap.Error(err))
	}
	n.ProbeExternalAddress(ctx)

	maintainer := node.NewMaintainer(n)
	if err := maintainer.Start(ctx); err != nil {
		log.Fatal("Failed to start maintenance", zap.Error(err))
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	sig := <-signalChan
	log.Info("Shutting down", zap.String("signal", sig.String()))

	maintainer.Stop()
	cancel()
	for _, server := range servers {
		if err := server.Shutdown(); err != nil {
			log.Warn("Server shutdown failed", zap.Error(err))
		}
	}
}
