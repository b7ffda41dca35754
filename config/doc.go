// Package config loads the engine configuration from JSON, YAML or TOML
// files and HOOKSTACK_* environment variables.
package config
