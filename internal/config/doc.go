// Package config loads the bridge's TOML configuration.
//
// Values come from Default, then the config file, then ZIMAGE_* environment
// overrides. Paths are expanded (including ~) before Validate runs.
package config
