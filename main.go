// main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/petervdpas/converse/internal/app"
	"github.com/petervdpas/converse/internal/config"
	"github.com/petervdpas/converse/internal/state"
)

var (
	cfgPath = flag.String("config", "converse.json", "Path to the config file")
	version = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Converse v%s\n", appVersion)
		return
	}

	// Optional .env next to the binary; absence is fine.
	_ = godotenv.Load()

	cfg, created, err := config.Ensure(*cfgPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", *cfgPath)
	}

	// Environment overrides for the two service URLs.
	if v := os.Getenv("CONVERSE_SERVER_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("CONVERSE_API_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Config error: %v", err)
	}

	a, err := app.New(cfg)
	if err != nil {
		if errors.Is(err, state.ErrNotAuthenticated) {
			fmt.Fprintf(os.Stderr, "Not authenticated: no session at %s — log in first.\n", cfg.Session.File)
			os.Exit(1)
		}
		log.Fatalf("Startup error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		log.Fatalf("Connect error: %v", err)
	}

	<-ctx.Done()
	log.Println("Shutting down...")
	a.Close()
	log.Println("Stopped")
}
