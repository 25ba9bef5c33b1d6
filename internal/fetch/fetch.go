package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/schollz/progressbar/v3"

	"speechtune/internal/datasets"
	"speechtune/internal/fileutil"
	"speechtune/internal/hfhub"
	"speechtune/internal/logging"
	"speechtune/internal/preflight"
	"speechtune/internal/services"
	"speechtune/internal/snapshot"
)

// Request names one registry split to fetch.
type Request struct {
	Dataset   string
	Language  string
	Split     string
	OutputDir string
}

// Result describes a snapshot on disk.
type Result struct {
	Path       string
	Source     datasets.Source
	Samples    int64
	Columns    []string
	Bytes      int64
	Partial    bool
	Downloaded int
	Reused     int
}

// Fetcher downloads datasets-server parquet exports.
type Fetcher struct {
	client    *hfhub.Client
	logger    *slog.Logger
	progress  io.Writer
	freeSpace preflight.FreeSpaceFunc
	now       func() time.Time
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the fetcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithProgress renders a download progress bar to w. A nil writer disables it.
func WithProgress(w io.Writer) Option {
	return func(f *Fetcher) { f.progress = w }
}

// WithFreeSpace replaces the filesystem free-space probe.
func WithFreeSpace(probe preflight.FreeSpaceFunc) Option {
	return func(f *Fetcher) { f.freeSpace = probe }
}

// WithClock overrides the manifest timestamp source.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// New builds a Fetcher around client.
func New(client *hfhub.Client, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:    client,
		logger:    logging.NewNop(),
		freeSpace: preflight.FreeBytes,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = logging.NewComponentLogger(f.logger, "fetch")
	return f
}

// TargetDir returns the snapshot directory for key and split under outputDir.
func TargetDir(outputDir, key, split string) string {
	return filepath.Join(outputDir, key+"_"+split)
}

// Fetch resolves req against the registry and materializes the split.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Result, error) {
	desc, err := datasets.Lookup(req.Dataset)
	if err != nil {
		return Result{}, err
	}
	split := strings.TrimSpace(req.Split)
	if split == "" {
		return Result{}, services.Wrap(services.ErrUsage, "fetch", "request", "split is required", nil)
	}
	if strings.TrimSpace(req.OutputDir) == "" {
		return Result{}, services.Wrap(services.ErrUsage, "fetch", "request", "output directory is required", nil)
	}

	logger := f.logger.With(
		slog.String(logging.FieldDataset, desc.Key),
		slog.String(logging.FieldSplit, split),
	)
	if !desc.HasSplit(split) {
		logger.Warn("split not declared in registry; asking the server anyway",
			slog.String("declared", strings.Join(desc.Splits, ",")),
		)
	}
	src := desc.Resolve(req.Language, split)
	if desc.RequiresAuth && !f.client.HasToken() {
		logger.Warn("dataset requires authentication but no token is configured")
	}

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return Result{}, services.Wrap(services.ErrConfiguration, "fetch", "output dir", req.OutputDir, err)
	}
	target := TargetDir(req.OutputDir, desc.Key, split)
	unlock, err := acquire(target + ".lock")
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	result, err := f.download(ctx, logger, src, target, desc.Key)
	if err != nil {
		return Result{}, f.remediate(err, src.Repo)
	}
	return result, nil
}

func (f *Fetcher) download(ctx context.Context, logger *slog.Logger, src datasets.Source, target, label string) (Result, error) {
	listing, err := f.client.ParquetFiles(ctx, src.Repo, src.Config, src.Split)
	if err != nil {
		return Result{}, remoteCodeHint(err, src)
	}
	if listing.Partial {
		logger.Warn("server exported only part of this split", slog.String(logging.FieldImpact, "snapshot holds a truncated split"))
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return Result{}, services.Wrap(services.ErrConfiguration, "fetch", "output dir", target, err)
	}
	if err := fileutil.RemovePartials(target); err != nil {
		return Result{}, services.Wrap(services.ErrConfiguration, "fetch", "cleanup", target, err)
	}

	plan, need := planShards(target, listing.Files)
	if err := removeStale(target, plan); err != nil {
		return Result{}, err
	}
	if err := preflight.EnsureFreeSpace(target, need, f.freeSpace); err != nil {
		return Result{}, err
	}

	logger.Info("downloading parquet shards",
		slog.Int("shards", len(plan)),
		slog.String("size", humanize.Bytes(uint64(need))),
		slog.String("config", src.Config),
	)
	bar := f.newBar(need, label+" "+src.Split)
	result := Result{Path: target, Source: src, Partial: listing.Partial}
	for _, shard := range plan {
		if shard.reuse {
			result.Reused++
			continue
		}
		if err := f.downloadShard(ctx, shard, bar); err != nil {
			return Result{}, err
		}
		result.Downloaded++
	}
	if bar != nil {
		_ = bar.Finish()
	}

	summary, err := snapshot.Inspect(target)
	if err != nil {
		return Result{}, services.Wrap(services.ErrExternalTool, "fetch", "inspect", target, err)
	}
	manifest := snapshot.Manifest{
		Dataset:   label,
		Repo:      src.Repo,
		Config:    src.Config,
		Split:     src.Split,
		Rows:      summary.Rows,
		Columns:   summary.Columns,
		Shards:    summary.Shards,
		Bytes:     summary.Bytes,
		Partial:   listing.Partial,
		FetchedAt: f.now().UTC(),
	}
	if err := snapshot.WriteManifest(target, manifest); err != nil {
		return Result{}, services.Wrap(services.ErrConfiguration, "fetch", "manifest", target, err)
	}

	result.Samples = summary.Rows
	result.Columns = summary.Columns
	result.Bytes = summary.Bytes
	logger.Info("snapshot ready",
		slog.String("path", target),
		slog.Int64("rows", result.Samples),
		slog.Int("downloaded", result.Downloaded),
		slog.Int("reused", result.Reused),
	)
	return result, nil
}

type shardPlan struct {
	path  string
	file  hfhub.ParquetFile
	reuse bool
}

func planShards(target string, files []hfhub.ParquetFile) ([]shardPlan, int64) {
	plan := make([]shardPlan, len(files))
	var need int64
	for i, file := range files {
		path := filepath.Join(target, snapshot.ShardName(i, len(files)))
		reuse := false
		if info, err := os.Stat(path); err == nil && file.Size > 0 && info.Size() == file.Size {
			reuse = true
		} else {
			need += file.Size
		}
		plan[i] = shardPlan{path: path, file: file, reuse: reuse}
	}
	return plan, need
}

// removeStale deletes shards from an earlier fetch whose names are not part
// of the current plan.
func removeStale(target string, plan []shardPlan) error {
	matches, err := filepath.Glob(filepath.Join(target, "*.parquet"))
	if err != nil {
		return err
	}
	keep := make([]string, len(plan))
	for i, p := range plan {
		keep[i] = p.path
	}
	for _, m := range matches {
		if slices.Contains(keep, m) {
			continue
		}
		if err := os.Remove(m); err != nil {
			return services.Wrap(services.ErrConfiguration, "fetch", "cleanup", m, err)
		}
	}
	return nil
}

func (f *Fetcher) downloadShard(ctx context.Context, shard shardPlan, bar *progressbar.ProgressBar) error {
	out, err := fileutil.CreateAtomic(shard.path, 0o644)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "fetch", "shard", shard.path, err)
	}
	var w io.Writer = out
	if bar != nil {
		w = io.MultiWriter(out, bar)
	}
	n, err := f.client.Download(ctx, shard.file.URL, w)
	if err != nil {
		out.Abort()
		return err
	}
	if shard.file.Size > 0 && n != shard.file.Size {
		out.Abort()
		return services.Wrap(services.ErrExternalTool, "fetch", "shard",
			fmt.Sprintf("%s: got %d bytes, expected %d", shard.file.Filename, n, shard.file.Size), nil)
	}
	if err := out.Commit(); err != nil {
		return services.Wrap(services.ErrConfiguration, "fetch", "shard", shard.path, err)
	}
	return nil
}

func (f *Fetcher) newBar(total int64, description string) *progressbar.ProgressBar {
	if f.progress == nil || total <= 0 {
		return nil
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(f.progress),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { _, _ = fmt.Fprintln(f.progress) }),
	)
}

// remediate attaches operator guidance to authentication failures.
func (f *Fetcher) remediate(err error, repo string) error {
	if !errors.Is(err, services.ErrAuth) {
		return err
	}
	return services.WithHints(err,
		"Run: huggingface-cli login (or export HF_TOKEN)",
		"Accept the license at "+f.client.DatasetPageURL(repo),
	)
}

// remoteCodeHint explains a missing parquet export for corpora that are
// assembled by a loading script on the hub.
func remoteCodeHint(err error, src datasets.Source) error {
	if !src.TrustRemoteCode || !errors.Is(err, services.ErrNotFound) {
		return err
	}
	return services.WithHints(err,
		fmt.Sprintf("%s is built by a remote loading script; the datasets server has no parquet export for config %q split %q", src.Repo, src.Config, src.Split),
		"Try another language or split, or a parquet mirror of the corpus passed as --dataset_name",
	)
}

func acquire(path string) (func(), error) {
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "fetch", "lock", path, err)
	}
	if !ok {
		return nil, services.Wrap(services.ErrTransient, "fetch", "lock",
			"another process is writing "+strings.TrimSuffix(path, ".lock"), nil)
	}
	return func() { _ = lock.Unlock() }, nil
}
