package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateHuggingFace(); err != nil {
		return err
	}
	if err := c.validateAudio(); err != nil {
		return err
	}
	if err := c.validateTrainer(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateHuggingFace() error {
	for key, value := range map[string]string{
		"huggingface.endpoint":            c.HuggingFace.Endpoint,
		"huggingface.datasets_server_url": c.HuggingFace.DatasetsServerURL,
	} {
		parsed, err := url.Parse(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("%s must be an http(s) URL, got %q", key, value)
		}
	}
	return nil
}

func (c *Config) validateAudio() error {
	if c.Audio.SampleRate < 8000 {
		return fmt.Errorf("audio.sample_rate must be at least 8000, got %d", c.Audio.SampleRate)
	}
	if c.Audio.DecodeWorkers > 64 {
		return errors.New("audio.decode_workers must be 64 or fewer")
	}
	return nil
}

func (c *Config) validateTrainer() error {
	if c.Trainer.Python == "" && c.Trainer.UVCommand == "" {
		return errors.New("trainer.python or trainer.uv_command must be set")
	}
	if c.Trainer.GenerationMaxLength > 448 {
		return errors.New("trainer.generation_max_length must not exceed 448 (Whisper decoder context)")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", strings.TrimSpace(c.Logging.Level))
	}
}
