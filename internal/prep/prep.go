package prep

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"speechtune/internal/backend"
	"speechtune/internal/logging"
	"speechtune/internal/services"
	"speechtune/internal/snapshot"
)

// TranscriptFields are the columns checked for the transcript, in order.
var TranscriptFields = []string{"sentence", "text", "transcription", "raw_text", "normalized_text"}

// Example is a prepared training example.
type Example struct {
	InputFeatures backend.Tensor
	Labels        []int64
}

// Sink receives prepared examples. Put may be called concurrently.
type Sink interface {
	Put(ctx context.Context, split string, index int, ex Example) error
}

// AudioDecoder turns encoded audio into mono samples at the model rate.
type AudioDecoder interface {
	Decode(ctx context.Context, data []byte) ([]float32, error)
}

// Stats summarizes one Run.
type Stats struct {
	Examples           int
	MissingTranscripts int
	Elapsed            time.Duration
}

// Preprocessor applies the audio and text transforms to snapshot rows.
type Preprocessor struct {
	decoder  AudioDecoder
	backend  backend.Backend
	workers  int
	logger   *slog.Logger
	prepared prometheus.Counter
}

// Option customizes a Preprocessor.
type Option func(*Preprocessor)

// WithWorkers sets how many examples are decoded in parallel.
func WithWorkers(n int) Option {
	return func(p *Preprocessor) { p.workers = max(n, 1) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Preprocessor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPreparedCounter increments c for every prepared example.
func WithPreparedCounter(c prometheus.Counter) Option {
	return func(p *Preprocessor) { p.prepared = c }
}

// New builds a Preprocessor.
func New(decoder AudioDecoder, be backend.Backend, opts ...Option) *Preprocessor {
	p := &Preprocessor{decoder: decoder, backend: be, workers: 1, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.NewComponentLogger(p.logger, "prep")
	return p
}

// Transcript returns the first non-empty transcript column, trimmed, and
// whether any was found.
func Transcript(columns map[string]string) (string, bool) {
	for _, field := range TranscriptFields {
		if text := strings.TrimSpace(columns[field]); text != "" {
			return text, true
		}
	}
	return "", false
}

// Prepare transforms one row. Rows without a transcript get the labels of
// the empty string.
func (p *Preprocessor) Prepare(ctx context.Context, ex snapshot.Example) (Example, error) {
	payload, err := audioPayload(ex)
	if err != nil {
		return Example{}, err
	}
	samples, err := p.decoder.Decode(ctx, payload)
	if err != nil {
		return Example{}, fmt.Errorf("example %d: %w", ex.Index, err)
	}
	features, err := p.backend.Extract(ctx, samples)
	if err != nil {
		return Example{}, fmt.Errorf("example %d: extract features: %w", ex.Index, err)
	}
	text, _ := Transcript(ex.Text)
	labels, err := p.backend.Tokenize(ctx, text)
	if err != nil {
		return Example{}, fmt.Errorf("example %d: tokenize: %w", ex.Index, err)
	}
	return Example{InputFeatures: features, Labels: labels}, nil
}

func audioPayload(ex snapshot.Example) ([]byte, error) {
	if len(ex.Audio) > 0 {
		return ex.Audio, nil
	}
	if ex.AudioPath != "" {
		data, err := os.ReadFile(ex.AudioPath)
		if err == nil {
			return data, nil
		}
		return nil, services.Wrap(services.ErrNotFound, "prep", "audio",
			fmt.Sprintf("example %d: embedded audio missing and %s unreadable", ex.Index, ex.AudioPath), err)
	}
	return nil, services.Wrap(services.ErrNotFound, "prep", "audio",
		fmt.Sprintf("example %d has no audio", ex.Index), nil)
}

// Run prepares every row of ds into sink. The first failure cancels the rest.
func (p *Preprocessor) Run(ctx context.Context, split string, ds *snapshot.Dataset, sink Sink) (Stats, error) {
	start := time.Now()
	total := ds.Len()
	logger := p.logger.With(slog.String(logging.FieldSplit, split))
	logger.Info("preprocessing audio", slog.Int("examples", total), slog.Int("workers", p.workers))

	var (
		mu      sync.Mutex
		stats   Stats
		sampler = logging.NewProgressSampler(10)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	err := ds.Each(gctx, func(ex snapshot.Example) error {
		if err := gctx.Err(); err != nil {
			return err
		}
		g.Go(func() error {
			prepared, err := p.Prepare(gctx, ex)
			if err != nil {
				return err
			}
			if err := sink.Put(gctx, split, ex.Index, prepared); err != nil {
				return fmt.Errorf("store example %d: %w", ex.Index, err)
			}
			if p.prepared != nil {
				p.prepared.Inc()
			}
			_, hasText := Transcript(ex.Text)

			mu.Lock()
			defer mu.Unlock()
			stats.Examples++
			if !hasText {
				stats.MissingTranscripts++
			}
			if total > 0 {
				percent := float64(stats.Examples) * 100 / float64(total)
				if sampler.ShouldLog(percent, split) {
					logger.Info("preprocessing progress",
						slog.Int("done", stats.Examples),
						slog.Int("total", total),
						slog.Float64("percent", percent),
					)
				}
			}
			return nil
		})
		return nil
	})
	waitErr := g.Wait()
	if waitErr != nil {
		return Stats{}, waitErr
	}
	if err != nil {
		return Stats{}, err
	}

	stats.Elapsed = time.Since(start)
	if stats.MissingTranscripts > 0 {
		logging.WarnWithContext(logger, "examples without transcript", "missing_transcript",
			logging.Int("count", stats.MissingTranscripts),
			logging.String(logging.FieldImpact, "trained on empty labels"),
			logging.String(logging.FieldErrorHint, "check the transcript column name ("+strings.Join(TranscriptFields, ", ")+")"),
		)
	}
	logger.Info("preprocessing complete",
		slog.Int("examples", stats.Examples),
		slog.Duration("elapsed", stats.Elapsed),
	)
	return stats, nil
}
