package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/parquet-go/parquet-go"
)

// Summary is what Inspect learns from the parquet shards themselves.
type Summary struct {
	Rows    int64
	Columns []string
	Shards  []string
	Bytes   int64
}

// Inspect counts rows and lists top-level columns of the parquet shards in
// dir. Column order follows the first shard's schema.
func Inspect(dir string) (Summary, error) {
	shards, err := listShards(dir)
	if err != nil {
		return Summary{}, err
	}
	var summary Summary
	for _, name := range shards {
		path := filepath.Join(dir, name)
		rows, columns, size, err := inspectShard(path)
		if err != nil {
			return Summary{}, err
		}
		summary.Rows += rows
		summary.Bytes += size
		if summary.Columns == nil {
			summary.Columns = columns
		}
	}
	summary.Shards = shards
	return summary, nil
}

func listShards(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.parquet"))
	if err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no parquet shards in %s", dir)
	}
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = filepath.Base(m)
	}
	slices.Sort(names)
	return names, nil
}

func inspectShard(path string) (int64, []string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, nil, 0, fmt.Errorf("stat shard: %w", err)
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return 0, nil, 0, fmt.Errorf("parse shard %s: %w", filepath.Base(path), err)
	}
	fields := pf.Schema().Fields()
	columns := make([]string, len(fields))
	for i, field := range fields {
		columns[i] = field.Name()
	}
	return pf.NumRows(), columns, info.Size(), nil
}
