package main

import (
	"context"
	"log"
	"os"

	"github.com/recwarden/agent/internal/agent"
	"github.com/recwarden/agent/internal/agent/config"
)

func main() {
	ctx := context.Background()
	cfg := config.LoadConfig()

	app, err := agent.NewApp(ctx, cfg)
	if err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}
}
