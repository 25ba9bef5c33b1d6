package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"speechtune/internal/fileutil"
	"speechtune/internal/services"
)

const (
	// ManifestName is the per-snapshot metadata file.
	ManifestName = "dataset_info.json"
	// DictName lists the splits of a dataset dict directory.
	DictName = "dataset_dict.json"
)

// Manifest records what a snapshot directory holds.
type Manifest struct {
	Dataset   string    `json:"dataset,omitempty"`
	Repo      string    `json:"repo"`
	Config    string    `json:"config,omitempty"`
	Split     string    `json:"split"`
	Rows      int64     `json:"num_rows"`
	Columns   []string  `json:"column_names"`
	Shards    []string  `json:"shards"`
	Bytes     int64     `json:"size_bytes"`
	Partial   bool      `json:"partial,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

type dictFile struct {
	Splits []string `json:"splits"`
}

// WriteManifest stores m as dir/dataset_info.json.
func WriteManifest(dir string, m Manifest) error {
	return writeJSONAtomic(filepath.Join(dir, ManifestName), m)
}

// ReadManifest loads dir/dataset_info.json.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	if err := readJSON(filepath.Join(dir, ManifestName), &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// WriteDict records the split subdirectories of a dataset dict rooted at dir.
func WriteDict(dir string, splits []string) error {
	if len(splits) == 0 {
		return errors.New("write dataset dict: no splits")
	}
	return writeJSONAtomic(filepath.Join(dir, DictName), dictFile{Splits: splits})
}

func readDict(dir string) ([]string, error) {
	var d dictFile
	if err := readJSON(filepath.Join(dir, DictName), &d); err != nil {
		return nil, err
	}
	return d.Splits, nil
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return services.Wrap(services.ErrNotFound, "snapshot", "read", path, err)
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')
	return fileutil.WriteFileAtomic(path, data, 0o644)
}

// ShardName returns the canonical file name of shard index out of total.
func ShardName(index, total int) string {
	return fmt.Sprintf("data-%05d-of-%05d.parquet", index, total)
}
