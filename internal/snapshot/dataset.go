package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/parquet-go/parquet-go"

	"speechtune/internal/services"
)

// AudioColumn is the column holding the encoded audio struct {bytes, path}.
const AudioColumn = "audio"

// Example is one raw row: the encoded audio plus the row's string columns.
type Example struct {
	Index     int
	Audio     []byte
	AudioPath string
	Text      map[string]string
}

// Dataset is a single snapshot directory of parquet shards.
type Dataset struct {
	Path     string
	Manifest Manifest
	limit    int
	capped   bool
}

// Open reads the snapshot at dir. A missing manifest is rebuilt from the
// shards so directories produced by other tools still load.
func Open(dir string) (*Dataset, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			return nil, err
		}
		summary, inspectErr := Inspect(dir)
		if inspectErr != nil {
			return nil, services.Wrap(services.ErrNotFound, "snapshot", "open", dir, inspectErr)
		}
		manifest = Manifest{
			Split:   filepath.Base(dir),
			Rows:    summary.Rows,
			Columns: summary.Columns,
			Shards:  summary.Shards,
			Bytes:   summary.Bytes,
		}
	}
	if len(manifest.Shards) == 0 {
		shards, err := listShards(dir)
		if err != nil {
			return nil, err
		}
		manifest.Shards = shards
	}
	return &Dataset{Path: dir, Manifest: manifest}, nil
}

// Len returns the number of rows Each yields.
func (d *Dataset) Len() int {
	n := int(d.Manifest.Rows)
	if d.capped && d.limit < n {
		return d.limit
	}
	return n
}

// Columns returns the top-level column names.
func (d *Dataset) Columns() []string {
	return slices.Clone(d.Manifest.Columns)
}

// Head returns a view of the first n rows.
func (d *Dataset) Head(n int) *Dataset {
	n = max(n, 0)
	view := *d
	if !view.capped || n < view.limit {
		view.limit = n
	}
	view.capped = true
	return &view
}

// Each calls fn for every row in shard order until fn returns an error or
// the context is cancelled.
func (d *Dataset) Each(ctx context.Context, fn func(Example) error) error {
	if d.capped && d.limit == 0 {
		return nil
	}
	index := 0
	for _, shard := range d.Manifest.Shards {
		done, err := d.eachInShard(ctx, filepath.Join(d.Path, shard), &index, fn)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}

func (d *Dataset) eachInShard(ctx context.Context, path string, index *int, fn func(Example) error) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat shard: %w", err)
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return false, fmt.Errorf("parse shard %s: %w", filepath.Base(path), err)
	}
	leaves := pf.Schema().Columns()

	reader := parquet.NewReader(pf)
	defer reader.Close()

	rows := make([]parquet.Row, 16)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		n, readErr := reader.ReadRows(rows)
		for i := 0; i < n; i++ {
			if d.capped && *index >= d.limit {
				return true, nil
			}
			example := decodeRow(rows[i], leaves)
			example.Index = *index
			*index++
			if err := fn(example); err != nil {
				return false, err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return false, nil
			}
			return false, fmt.Errorf("read shard %s: %w", filepath.Base(path), readErr)
		}
	}
}

// decodeRow maps leaf values to an Example. Byte slices are copied because
// the reader reuses its buffers between reads.
func decodeRow(row parquet.Row, leaves [][]string) Example {
	example := Example{Text: map[string]string{}}
	for _, value := range row {
		col := value.Column()
		if col < 0 || col >= len(leaves) || value.IsNull() {
			continue
		}
		path := leaves[col]
		switch {
		case len(path) == 2 && path[0] == AudioColumn && path[1] == "bytes":
			if example.Audio == nil {
				example.Audio = slices.Clone(value.ByteArray())
			}
		case len(path) == 2 && path[0] == AudioColumn && path[1] == "path":
			if example.AudioPath == "" {
				example.AudioPath = string(value.ByteArray())
			}
		case len(path) == 1 && path[0] == AudioColumn && value.Kind() == parquet.ByteArray:
			if example.Audio == nil {
				example.Audio = slices.Clone(value.ByteArray())
			}
		case len(path) == 1 && value.Kind() == parquet.ByteArray:
			if _, seen := example.Text[path[0]]; !seen {
				example.Text[path[0]] = string(value.ByteArray())
			}
		}
	}
	return example
}

// Dict is a set of named splits. A single snapshot loads as a Dict with
// Single set and its one split under the snapshot's own split name.
type Dict struct {
	Path   string
	Single bool
	Order  []string
	Splits map[string]*Dataset
}

// Get returns a split by name.
func (d *Dict) Get(name string) (*Dataset, bool) {
	ds, ok := d.Splits[name]
	return ds, ok
}

// OpenDict loads the dataset dict at dir. When dataset_dict.json is missing
// every subdirectory holding parquet shards is taken as a split.
func OpenDict(dir string) (*Dict, error) {
	splits, err := readDict(dir)
	if err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			return nil, err
		}
		splits, err = discoverSplits(dir)
		if err != nil {
			return nil, err
		}
	}
	dict := &Dict{Path: dir, Splits: make(map[string]*Dataset, len(splits))}
	for _, split := range splits {
		ds, err := Open(filepath.Join(dir, split))
		if err != nil {
			return nil, fmt.Errorf("split %s: %w", split, err)
		}
		dict.Order = append(dict.Order, split)
		dict.Splits[split] = ds
	}
	return dict, nil
}

func discoverSplits(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, services.Wrap(services.ErrNotFound, "snapshot", "open", dir, err)
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var splits []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if _, err := listShards(filepath.Join(dir, entry.Name())); err == nil {
			splits = append(splits, entry.Name())
		}
	}
	if len(splits) == 0 {
		return nil, services.Wrap(services.ErrNotFound, "snapshot", "open", "no dataset splits under "+dir, nil)
	}
	return splits, nil
}

// Load accepts either a dataset dict directory or a single snapshot.
func Load(path string) (*Dict, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, services.Wrap(services.ErrNotFound, "snapshot", "load", path, err)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return nil, services.Wrap(services.ErrNotFound, "snapshot", "load", path+" is not a directory", nil)
	}
	if isSnapshotDir(path) {
		ds, err := Open(path)
		if err != nil {
			return nil, err
		}
		name := ds.Manifest.Split
		if name == "" {
			name = filepath.Base(path)
		}
		return &Dict{
			Path:   path,
			Single: true,
			Order:  []string{name},
			Splits: map[string]*Dataset{name: ds},
		}, nil
	}
	return OpenDict(path)
}

func isSnapshotDir(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, ManifestName)); err == nil {
		return true
	}
	if _, err := os.Stat(filepath.Join(dir, DictName)); err == nil {
		return false
	}
	_, err := listShards(dir)
	return err == nil
}

// Selection is the pair of datasets a training run uses.
type Selection struct {
	Train     *Dataset
	TrainName string
	Eval      *Dataset
	EvalName  string
}

// Select picks the training split and an evaluation split. Training uses
// "train", or the whole dataset when the dict is a single snapshot.
// Evaluation prefers "validation", then "test", then the first
// min(fallback, len(train)) training rows.
func (d *Dict) Select(fallback int) (Selection, error) {
	var sel Selection
	switch {
	case d.Single:
		sel.TrainName = d.Order[0]
		sel.Train = d.Splits[sel.TrainName]
	default:
		train, ok := d.Splits["train"]
		if !ok {
			return Selection{}, services.Wrap(services.ErrNotFound, "snapshot", "select",
				fmt.Sprintf("no train split in %s (have %s)", d.Path, strings.Join(d.Order, ", ")), nil)
		}
		sel.Train, sel.TrainName = train, "train"
	}
	if !d.Single {
		for _, name := range []string{"validation", "test"} {
			if ds, ok := d.Splits[name]; ok {
				sel.Eval, sel.EvalName = ds, name
				return sel, nil
			}
		}
	}
	n := min(fallback, sel.Train.Len())
	sel.Eval = sel.Train.Head(n)
	sel.EvalName = fmt.Sprintf("%s[:%d]", sel.TrainName, n)
	return sel, nil
}
