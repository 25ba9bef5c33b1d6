package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	CacheDir string `toml:"cache_dir"`
	LogDir   string `toml:"log_dir"`
}

// HuggingFace contains configuration for the Hugging Face Hub and the
// datasets-server that exposes parquet exports of hub datasets.
type HuggingFace struct {
	Token             string `toml:"token"`
	Endpoint          string `toml:"endpoint"`
	DatasetsServerURL string `toml:"datasets_server_url"`
	RequestTimeout    int    `toml:"request_timeout"`
}

// Audio contains configuration for audio decoding during preprocessing.
type Audio struct {
	FFmpegBinary       string  `toml:"ffmpeg_binary"`
	SampleRate         int     `toml:"sample_rate"`
	MaxDurationSeconds float64 `toml:"max_duration_seconds"`
	DecodeWorkers      int     `toml:"decode_workers"`
}

// Trainer contains configuration for the Python worker process and the
// training loop knobs that are not exposed as command-line flags.
type Trainer struct {
	// Python is an interpreter with the ML packages already installed. When
	// empty, the worker is launched through uv with the Packages list.
	Python                string   `toml:"python"`
	UVCommand             string   `toml:"uv_command"`
	Packages              []string `toml:"packages"`
	CUDAEnabled           bool     `toml:"cuda_enabled"`
	CUDAIndexURL          string   `toml:"cuda_index_url"`
	GenerationMaxLength   int      `toml:"generation_max_length"`
	LoggingSteps          int      `toml:"logging_steps"`
	EvalFallbackSamples   int      `toml:"eval_fallback_samples"`
	Seed                  int64    `toml:"seed"`
	MaxGradNorm           float64  `toml:"max_grad_norm"`
	GradientCheckpointing bool     `toml:"gradient_checkpointing"`
	KeepFeatureCache      bool     `toml:"keep_feature_cache"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for speechdata and speechtune.
//
// Configuration sections by subsystem:
//   - Paths: cache and log directories
//   - HuggingFace: hub credentials and endpoints
//   - Audio: ffmpeg decoding and truncation
//   - Trainer: worker launch settings and loop defaults
//   - Logging: log format and level
type Config struct {
	Paths       Paths       `toml:"paths"`
	HuggingFace HuggingFace `toml:"huggingface"`
	Audio       Audio       `toml:"audio"`
	Trainer     Trainer     `toml:"trainer"`
	Logging     Logging     `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized. A .env file in the working directory is
// loaded first so tokens such as HF_TOKEN can be kept out of the TOML file.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	if err := loadDotEnv(); err != nil {
		return nil, "", false, err
	}

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func loadDotEnv() error {
	if err := godotenv.Load(".env"); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("speechtune.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the cache and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.CacheDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatasetCacheDir is where remote datasets requested by the fine-tuning
// driver are materialized.
func (c *Config) DatasetCacheDir() string {
	return filepath.Join(c.Paths.CacheDir, "datasets")
}

// FeatureCacheDir holds per-run prepared example databases.
func (c *Config) FeatureCacheDir() string {
	return filepath.Join(c.Paths.CacheDir, "features")
}

// RunsDBPath returns the location of the run ledger database.
func (c *Config) RunsDBPath() string {
	return filepath.Join(c.Paths.LogDir, "runs.db")
}

// FFmpegBinary returns the ffmpeg executable used for audio decoding.
func (c *Config) FFmpegBinary() string {
	if bin := strings.TrimSpace(c.Audio.FFmpegBinary); bin != "" {
		return bin
	}
	return defaultFFmpegBinary
}

// MaxAudioSamples converts the configured maximum duration into a sample count.
func (c *Config) MaxAudioSamples() int {
	return int(c.Audio.MaxDurationSeconds * float64(c.Audio.SampleRate))
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func defaultCacheDir() string {
	if base, ok := os.LookupEnv("XDG_CACHE_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "speechtune")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "~/.cache/speechtune"
	}
	return filepath.Join(home, ".cache", "speechtune")
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
