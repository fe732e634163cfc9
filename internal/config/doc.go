// Package config loads, normalizes, and validates zeroflash configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), and reads TOML files. The Config type centralizes every knob the
// daemon and CLI need: where state and backups live, how the device is
// recognised on USB, and how long each bounded wait may take.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical channels, and clear validation errors.
package config
