package main

import (
	"flag"
	"fmt"
	"log"

	"TrapLine/internal/di"
	"TrapLine/pkg/config"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("trapline: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		return err
	}

	app, err := di.InitializeApp(cfg)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	log.Printf("trapline starting env=%s ghost=%v", cfg.Environment, cfg.Pipeline.Ghost)
	return app.Run()
}
