package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"speechtune/internal/datasets"
	"speechtune/internal/logging"
	"speechtune/internal/services"
	"speechtune/internal/snapshot"
)

// DictRequest names a hub dataset the fine-tuning driver trains on.
type DictRequest struct {
	Repo     string
	Language string
	CacheDir string
	// Refresh re-lists and re-validates a dataset dict already on disk.
	Refresh bool
}

// DictResult describes a dataset dict on disk.
type DictResult struct {
	Path   string
	Repo   string
	Config string
	Splits []Result
	Cached bool
}

var preferredSplits = []string{"train", "validation", "test"}

// FetchDict materializes the train/validation/test splits of repo under
// CacheDir as a dataset dict. A complete dict from an earlier run is reused
// without network I/O unless Refresh is set.
func (f *Fetcher) FetchDict(ctx context.Context, req DictRequest) (DictResult, error) {
	repo := strings.Trim(strings.TrimSpace(req.Repo), "/")
	if repo == "" || strings.Count(repo, "/") > 1 {
		return DictResult{}, services.Wrap(services.ErrUsage, "fetch", "dataset name",
			fmt.Sprintf("%q is not a hub dataset id (owner/name)", req.Repo), nil)
	}
	logger := f.logger.With(slog.String(logging.FieldDataset, repo))

	config, err := f.resolveConfig(ctx, repo, req.Language)
	if err != nil {
		return DictResult{}, f.remediate(err, repo)
	}
	root := filepath.Join(req.CacheDir, Slug(repo, config))
	if err := os.MkdirAll(req.CacheDir, 0o755); err != nil {
		return DictResult{}, services.Wrap(services.ErrConfiguration, "fetch", "cache dir", req.CacheDir, err)
	}
	unlock, err := acquire(root + ".lock")
	if err != nil {
		return DictResult{}, err
	}
	defer unlock()

	if !req.Refresh {
		if cached, ok := loadCachedDict(root, repo, config); ok {
			logger.Info("using cached dataset", slog.String("path", root))
			return cached, nil
		}
	}

	splits, err := f.remoteSplits(ctx, repo, config)
	if err != nil {
		return DictResult{}, f.remediate(err, repo)
	}
	result := DictResult{Path: root, Repo: repo, Config: config}
	names := make([]string, 0, len(splits))
	desc, known := datasets.FindByRepo(repo)
	for _, split := range splits {
		src := datasets.Source{Repo: repo, Config: config, Split: split, TrustRemoteCode: known && desc.TrustRemoteCode}
		splitLogger := logger.With(slog.String(logging.FieldSplit, split))
		res, err := f.download(ctx, splitLogger, src, filepath.Join(root, split), repo)
		if err != nil {
			return DictResult{}, f.remediate(err, repo)
		}
		result.Splits = append(result.Splits, res)
		names = append(names, split)
	}
	if err := snapshot.WriteDict(root, names); err != nil {
		return DictResult{}, services.Wrap(services.ErrConfiguration, "fetch", "dataset dict", root, err)
	}
	return result, nil
}

// Slug is the cache directory name for repo at config.
func Slug(repo, config string) string {
	slug := strings.ReplaceAll(repo, "/", "__")
	if config != "" && config != datasets.DefaultConfig {
		slug += "_" + config
	}
	return slug
}

// resolveConfig picks the remote configuration for repo. Registry entries
// use their own rule, and split-subset corpora take their combined
// configuration; Common Voice mirrors use the language; anything else must
// have a single (or a "default") configuration.
func (f *Fetcher) resolveConfig(ctx context.Context, repo, language string) (string, error) {
	if desc, ok := datasets.FindByRepo(repo); ok {
		if desc.ConfigMode == datasets.ConfigSplitSubset {
			return datasets.CombinedConfig, nil
		}
		return desc.Resolve(language, "").Config, nil
	}
	if strings.Contains(strings.ToLower(repo), "common_voice") && language != "" {
		return language, nil
	}
	infos, err := f.client.Splits(ctx, repo)
	if err != nil {
		return "", err
	}
	var configs []string
	for _, info := range infos {
		if !slices.Contains(configs, info.Config) {
			configs = append(configs, info.Config)
		}
	}
	switch {
	case len(configs) == 0:
		return "", services.Wrap(services.ErrNotFound, "fetch", "configs", "no configurations listed for "+repo, nil)
	case len(configs) == 1:
		return configs[0], nil
	case slices.Contains(configs, datasets.DefaultConfig):
		return datasets.DefaultConfig, nil
	default:
		return "", services.Wrap(services.ErrUsage, "fetch", "configs",
			fmt.Sprintf("%s has several configurations (%s); fetch one split with speechdata and pass --local_dataset",
				repo, strings.Join(configs, ", ")), nil)
	}
}

// remoteSplits lists the splits of config, narrowed to train/validation/test
// when any of them exist.
func (f *Fetcher) remoteSplits(ctx context.Context, repo, config string) ([]string, error) {
	infos, err := f.client.Splits(ctx, repo)
	if err != nil {
		return nil, err
	}
	var all []string
	for _, info := range infos {
		if info.Config == config && !slices.Contains(all, info.Split) {
			all = append(all, info.Split)
		}
	}
	if len(all) == 0 {
		return nil, services.Wrap(services.ErrNotFound, "fetch", "splits",
			fmt.Sprintf("no splits listed for %s (config %q)", repo, config), nil)
	}
	var wanted []string
	for _, name := range preferredSplits {
		if slices.Contains(all, name) {
			wanted = append(wanted, name)
		}
	}
	if len(wanted) == 0 {
		return all, nil
	}
	return wanted, nil
}

func loadCachedDict(root, repo, config string) (DictResult, bool) {
	if _, err := os.Stat(filepath.Join(root, snapshot.DictName)); err != nil {
		return DictResult{}, false
	}
	dict, err := snapshot.OpenDict(root)
	if err != nil {
		return DictResult{}, false
	}
	result := DictResult{Path: root, Repo: repo, Config: config, Cached: true}
	for _, name := range dict.Order {
		ds, _ := dict.Get(name)
		result.Splits = append(result.Splits, Result{
			Path:    ds.Path,
			Source:  datasets.Source{Repo: repo, Config: config, Split: name},
			Samples: ds.Manifest.Rows,
			Columns: ds.Manifest.Columns,
			Bytes:   ds.Manifest.Bytes,
			Partial: ds.Manifest.Partial,
		})
	}
	return result, true
}
