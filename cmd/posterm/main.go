package main

import (
	"log"

	"github.com/tillworks/posterm/internal/terminal/app"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize terminal: %v", err)
	}

	if err := application.Run(); err != nil {
		log.Fatalf("terminal error: %v", err)
	}
}
