package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeHuggingFace()
	c.normalizeAudio()
	if err := c.normalizeTrainer(); err != nil {
		return err
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.CacheDir) == "" {
		c.Paths.CacheDir = defaultCacheDir()
	}
	if c.Paths.CacheDir, err = expandPath(c.Paths.CacheDir); err != nil {
		return fmt.Errorf("paths.cache_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeHuggingFace() {
	c.HuggingFace.Token = strings.TrimSpace(c.HuggingFace.Token)
	if c.HuggingFace.Token == "" {
		if value, ok := os.LookupEnv("HF_TOKEN"); ok {
			c.HuggingFace.Token = strings.TrimSpace(value)
		} else if value, ok := os.LookupEnv("HUGGING_FACE_HUB_TOKEN"); ok {
			c.HuggingFace.Token = strings.TrimSpace(value)
		}
	}
	c.HuggingFace.Endpoint = strings.TrimRight(strings.TrimSpace(c.HuggingFace.Endpoint), "/")
	if c.HuggingFace.Endpoint == "" {
		if value, ok := os.LookupEnv("HF_ENDPOINT"); ok && strings.TrimSpace(value) != "" {
			c.HuggingFace.Endpoint = strings.TrimRight(strings.TrimSpace(value), "/")
		} else {
			c.HuggingFace.Endpoint = defaultHFEndpoint
		}
	}
	c.HuggingFace.DatasetsServerURL = strings.TrimRight(strings.TrimSpace(c.HuggingFace.DatasetsServerURL), "/")
	if c.HuggingFace.DatasetsServerURL == "" {
		c.HuggingFace.DatasetsServerURL = defaultDatasetsServerURL
	}
	if c.HuggingFace.RequestTimeout <= 0 {
		c.HuggingFace.RequestTimeout = defaultHFRequestTimeout
	}
}

func (c *Config) normalizeAudio() {
	c.Audio.FFmpegBinary = strings.TrimSpace(c.Audio.FFmpegBinary)
	if c.Audio.FFmpegBinary == "" {
		c.Audio.FFmpegBinary = defaultFFmpegBinary
	}
	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = defaultSampleRate
	}
	if c.Audio.MaxDurationSeconds <= 0 {
		c.Audio.MaxDurationSeconds = defaultMaxDurationSeconds
	}
	if c.Audio.DecodeWorkers <= 0 {
		c.Audio.DecodeWorkers = defaultDecodeWorkers
	}
}

func (c *Config) normalizeTrainer() error {
	c.Trainer.Python = strings.TrimSpace(c.Trainer.Python)
	if c.Trainer.Python != "" && strings.ContainsRune(c.Trainer.Python, os.PathSeparator) {
		expanded, err := expandPath(c.Trainer.Python)
		if err != nil {
			return fmt.Errorf("trainer.python: %w", err)
		}
		c.Trainer.Python = expanded
	}
	c.Trainer.UVCommand = strings.TrimSpace(c.Trainer.UVCommand)
	if c.Trainer.UVCommand == "" {
		c.Trainer.UVCommand = defaultUVCommand
	}
	packages := make([]string, 0, len(c.Trainer.Packages))
	seen := make(map[string]struct{}, len(c.Trainer.Packages))
	for _, pkg := range c.Trainer.Packages {
		normalized := strings.TrimSpace(pkg)
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		packages = append(packages, normalized)
	}
	if len(packages) == 0 {
		packages = append(packages, DefaultPackages...)
	}
	c.Trainer.Packages = packages
	c.Trainer.CUDAIndexURL = strings.TrimSpace(c.Trainer.CUDAIndexURL)
	if c.Trainer.CUDAIndexURL == "" {
		c.Trainer.CUDAIndexURL = defaultCUDAIndexURL
	}
	if c.Trainer.GenerationMaxLength <= 0 {
		c.Trainer.GenerationMaxLength = defaultGenerationMaxLength
	}
	if c.Trainer.LoggingSteps <= 0 {
		c.Trainer.LoggingSteps = defaultLoggingSteps
	}
	if c.Trainer.EvalFallbackSamples <= 0 {
		c.Trainer.EvalFallbackSamples = defaultEvalFallbackSamples
	}
	if c.Trainer.MaxGradNorm < 0 {
		c.Trainer.MaxGradNorm = 0
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format != "json" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
