package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"speechtune/internal/backend"
	"speechtune/internal/config"
	"speechtune/internal/deps"
	"speechtune/internal/fetch"
	"speechtune/internal/services"
)

// environment holds the process-level collaborators the commands use.
// Tests swap them for fakes.
type environment struct {
	checkDeps    func(ctx context.Context, cfg *config.Config) error
	startBackend func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend.Backend, error)
	fetchOptions []fetch.Option
	progress     io.Writer
}

func defaultEnvironment() environment {
	return environment{
		checkDeps:    checkDependencies,
		startBackend: startWorker,
		progress:     os.Stderr,
	}
}

type commandContext struct {
	configFlag *string
	env        environment

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, env environment) *commandContext {
	return &commandContext{configFlag: configFlag, env: env}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = services.Wrap(services.ErrConfiguration, "speechtune", "load config", "", err)
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = services.Wrap(services.ErrConfiguration, "speechtune", "ensure directories", "", err)
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// checkDependencies verifies the binaries, then the Python packages when a
// fixed interpreter is configured. uv-managed environments install the
// packages on first use, so only uv itself is checked.
func checkDependencies(ctx context.Context, cfg *config.Config) error {
	if err := deps.RequireAll(deps.CheckBinaries(deps.Requirements(cfg))); err != nil {
		return err
	}
	inv := deps.NewPythonInvocation(cfg)
	if inv.Managed {
		return nil
	}
	missing, err := deps.CheckPythonPackages(ctx, inv, cfg.Trainer.Packages, nil)
	if err != nil {
		return err
	}
	return deps.MissingPackagesError(missing)
}

func startWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend.Backend, error) {
	workDir := filepath.Join(cfg.Paths.CacheDir, "worker")
	return backend.Start(ctx, deps.NewPythonInvocation(cfg), workDir, backend.WithLogger(logger))
}
