package main

import (
	"fmt"

	"github.com/wayfarer-labs/relay/internal/config"
)

// loadConfig reads and validates the relay config at path, wrapping any
// error with the command-level context cobra commands share.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}
