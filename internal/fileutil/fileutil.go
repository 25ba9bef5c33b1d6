package fileutil

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// PartialSuffix marks files still being written.
const PartialSuffix = ".part"

// WriteFileAtomic writes data to a sibling temp file and renames it over path,
// so readers never observe a half-written file.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	f, err := CreateAtomic(path, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Abort()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Commit()
}

// AtomicFile is a file written under a ".part" name until Commit.
type AtomicFile struct {
	*os.File
	target string
	done   bool
}

// CreateAtomic opens "<path>.part" for writing, truncating leftovers from an
// interrupted attempt.
func CreateAtomic(path string, mode os.FileMode) (*AtomicFile, error) {
	f, err := os.OpenFile(path+PartialSuffix, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	return &AtomicFile{File: f, target: path}, nil
}

// Commit flushes, closes and renames the temp file to its target path.
func (a *AtomicFile) Commit() error {
	if a.done {
		return nil
	}
	a.done = true
	if err := a.Sync(); err != nil {
		_ = a.Close()
		_ = os.Remove(a.Name())
		return fmt.Errorf("sync %s: %w", filepath.Base(a.target), err)
	}
	if err := a.Close(); err != nil {
		_ = os.Remove(a.Name())
		return fmt.Errorf("close %s: %w", filepath.Base(a.target), err)
	}
	if err := os.Rename(a.Name(), a.target); err != nil {
		_ = os.Remove(a.Name())
		return fmt.Errorf("commit %s: %w", filepath.Base(a.target), err)
	}
	return nil
}

// Abort closes and removes the temp file. It is a no-op after Commit.
func (a *AtomicFile) Abort() {
	if a.done {
		return
	}
	a.done = true
	_ = a.Close()
	_ = os.Remove(a.Name())
}

// DirSize sums the sizes of regular files below dir.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// RemovePartials deletes leftover ".part" files directly inside dir.
func RemovePartials(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+PartialSuffix))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
