// Package featurecache stores prepared examples for one training run in a
// private SQLite file, so the training loop can revisit them every epoch
// without holding the whole dataset in memory.
package featurecache

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"speechtune/internal/backend"
	"speechtune/internal/prep"
	"speechtune/internal/services"
)

//go:embed schema.sql
var schemaSQL string

// Cache is a per-run example store.
type Cache struct {
	db   *sql.DB
	path string
}

// Open creates or reopens the cache file at path.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create feature cache dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open feature cache: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous = OFF",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create feature cache schema: %w", err)
	}
	return &Cache{db: db, path: path}, nil
}

// Path returns the cache file location.
func (c *Cache) Path() string { return c.path }

// Put stores ex as row index of split, replacing an earlier value.
func (c *Cache) Put(ctx context.Context, split string, index int, ex prep.Example) error {
	if err := ex.InputFeatures.Validate(); err != nil {
		return err
	}
	shape, err := json.Marshal(ex.InputFeatures.Shape)
	if err != nil {
		return err
	}
	labels, err := json.Marshal(ex.Labels)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO examples (split, idx, shape, features, labels) VALUES (?, ?, ?, ?, ?)`,
		split, index, string(shape), backend.EncodeFloat32(ex.InputFeatures.Data), string(labels),
	)
	if err != nil {
		return fmt.Errorf("insert example %s/%d: %w", split, index, err)
	}
	return nil
}

// Get loads row index of split.
func (c *Cache) Get(ctx context.Context, split string, index int) (prep.Example, error) {
	var (
		shapeJSON, labelsJSON string
		blob                  []byte
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT shape, features, labels FROM examples WHERE split = ? AND idx = ?`, split, index,
	).Scan(&shapeJSON, &blob, &labelsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return prep.Example{}, services.Wrap(services.ErrNotFound, "featurecache", "get",
			fmt.Sprintf("%s/%d not cached", split, index), nil)
	}
	if err != nil {
		return prep.Example{}, fmt.Errorf("select example %s/%d: %w", split, index, err)
	}
	var ex prep.Example
	if err := json.Unmarshal([]byte(shapeJSON), &ex.InputFeatures.Shape); err != nil {
		return prep.Example{}, fmt.Errorf("decode shape %s/%d: %w", split, index, err)
	}
	if err := json.Unmarshal([]byte(labelsJSON), &ex.Labels); err != nil {
		return prep.Example{}, fmt.Errorf("decode labels %s/%d: %w", split, index, err)
	}
	ex.InputFeatures.Data = backend.DecodeFloat32(blob)
	if err := ex.InputFeatures.Validate(); err != nil {
		return prep.Example{}, fmt.Errorf("example %s/%d: %w", split, index, err)
	}
	return ex, nil
}

// Count returns the number of rows stored for split.
func (c *Cache) Count(ctx context.Context, split string) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM examples WHERE split = ?`, split).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", split, err)
	}
	return n, nil
}

// Split is a read view over one split's rows, indexed 0..Len()-1.
type Split struct {
	cache *Cache
	name  string
	n     int
}

// Split returns a view over name. Rows must be dense from 0.
func (c *Cache) Split(ctx context.Context, name string) (*Split, error) {
	n, err := c.Count(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Split{cache: c, name: name, n: n}, nil
}

// Name returns the split name.
func (s *Split) Name() string { return s.name }

// Len returns the number of rows.
func (s *Split) Len() int { return s.n }

// Get returns row i.
func (s *Split) Get(ctx context.Context, i int) (prep.Example, error) {
	return s.cache.Get(ctx, s.name, i)
}

// Close closes the database.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Remove closes the cache and deletes its files.
func (c *Cache) Remove() error {
	if err := c.Close(); err != nil {
		return err
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(c.path + suffix); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
