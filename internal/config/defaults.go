package config

const (
	defaultConfigPath              = "~/.config/speechtune/config.toml"
	defaultLogDir                  = "~/.local/share/speechtune/logs"
	defaultHFEndpoint              = "https://huggingface.co"
	defaultDatasetsServerURL       = "https://datasets-server.huggingface.co"
	defaultHFRequestTimeout        = 30
	defaultFFmpegBinary            = "ffmpeg"
	defaultSampleRate              = 16000
	defaultMaxDurationSeconds      = 30
	defaultDecodeWorkers           = 1
	defaultUVCommand               = "uv"
	defaultCUDAIndexURL            = "https://download.pytorch.org/whl/cu128"
	defaultGenerationMaxLength     = 225
	defaultLoggingSteps            = 50
	defaultEvalFallbackSamples     = 500
	defaultSeed                    = 42
	defaultMaxGradNorm             = 1.0
	defaultLogFormat               = "console"
	defaultLogLevel                = "info"
	defaultGradientCheckpointingOn = true
)

// DefaultPackages lists the Python distributions the training worker imports.
var DefaultPackages = []string{"transformers", "torch", "numpy"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			CacheDir: defaultCacheDir(),
			LogDir:   defaultLogDir,
		},
		HuggingFace: HuggingFace{
			Endpoint:          defaultHFEndpoint,
			DatasetsServerURL: defaultDatasetsServerURL,
			RequestTimeout:    defaultHFRequestTimeout,
		},
		Audio: Audio{
			FFmpegBinary:       defaultFFmpegBinary,
			SampleRate:         defaultSampleRate,
			MaxDurationSeconds: defaultMaxDurationSeconds,
			DecodeWorkers:      defaultDecodeWorkers,
		},
		Trainer: Trainer{
			UVCommand:             defaultUVCommand,
			Packages:              append([]string(nil), DefaultPackages...),
			CUDAIndexURL:          defaultCUDAIndexURL,
			GenerationMaxLength:   defaultGenerationMaxLength,
			LoggingSteps:          defaultLoggingSteps,
			EvalFallbackSamples:   defaultEvalFallbackSamples,
			Seed:                  defaultSeed,
			MaxGradNorm:           defaultMaxGradNorm,
			GradientCheckpointing: defaultGradientCheckpointingOn,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
