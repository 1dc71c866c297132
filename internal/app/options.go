package app

import "tabrunner/internal/config"

// Option adjusts the loaded config before components are built. Overrides
// only affect startup; hot reloads still diff the file as written.
type Option func(cfg *config.Config)

// WithDryRun swaps the browser for the fake driver: items are drained and
// recorded but no page is opened.
func WithDryRun() Option {
	return func(cfg *config.Config) { cfg.Browser.Driver = "fake" }
}
