package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"ipv4_hunter/internal/config"
	"ipv4_hunter/internal/server"
)

func main() {
	var basePath string
	flag.StringVar(&basePath, "prefix", "", "Config file base path")
	flag.Parse()

	cfg, err := config.LoadMainConfig(basePath)
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Starting ipv4 hunter %s on control socket %s", cfg.NodeName, cfg.ControlSocket)
	if err := server.StartServer(ctx, cfg); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Server stopped")
}
