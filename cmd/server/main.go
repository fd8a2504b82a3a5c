package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"

	"github.com/Tyrowin/nexus-chat-server/internal/app"
	"github.com/Tyrowin/nexus-chat-server/internal/server"
)

func main() {
	log.Println("Starting Nexus chat server...")

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Failed to load .env: %v", err)
	}

	cfg, err := server.NewConfigFromEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx := context.Background()
	node, err := app.New(ctx, *cfg)
	if err != nil {
		log.Fatalf("Failed to build application: %v", err)
	}
	if err := node.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	go func() {
		if err := node.Serve(); err != nil {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"node": func(ctx context.Context) error {
				log.Printf("Graceful shutdown of node %s initiated...", node.Node())
				return node.Shutdown(ctx)
			},
		},
	)

	exitCode := <-wait
	log.Printf("Server exited with code: %d", exitCode)
	os.Exit(exitCode)
}
