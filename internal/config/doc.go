// Package config handles configuration loading, parsing, and validation
// from a .env file, an optional config.yaml and HARVEST_-prefixed
// environment variables. Every worker setting (tick interval, call delay,
// task timeout, stuck-task grace period) has a safe default.
package config
