// Package config loads, normalizes, and validates speechtune configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// HF_TOKEN, including values placed in a local .env file. The Config type
// centralizes every knob the dataset fetcher and the fine-tuning driver need
// beyond their command-line flags.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
