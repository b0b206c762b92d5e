package commands

import (
	"context"
	"os"

	"murmur/config"

	log "github.com/sirupsen/logrus"
)

// RunInit writes the default configuration unless the file already exists.
func RunInit(ctx context.Context, cfg *config.Config) {
	if _, err := os.Stat(cfg.File()); err == nil {
		log.Fatalf("Config file %s already exists", cfg.File())
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Default config is invalid: %v", err)
	}

	if err := cfg.Save(); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}

	seeds, _ := cfg.SeedTable()
	log.Infof("Wrote %s with %d seeds: %v", cfg.File(), len(seeds), seeds.IDs())
}
