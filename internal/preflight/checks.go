package preflight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"speechtune/internal/hfhub"
	"speechtune/internal/services"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckWritableTarget verifies that path, or its nearest existing ancestor,
// can be written. Output directories are usually created later.
func CheckWritableTarget(name, path string) Result {
	existing := nearestExisting(path)
	if existing == "" {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: no existing parent)", path)}
	}
	result := CheckDirectoryAccess(name, existing)
	if result.Passed && existing != path {
		result.Detail = fmt.Sprintf("%s (will be created under %s)", path, existing)
	}
	return result
}

// FreeBytes reports the bytes available to unprivileged users on the
// filesystem holding path (or its nearest existing ancestor).
func FreeBytes(path string) (uint64, error) {
	existing := nearestExisting(path)
	if existing == "" {
		return 0, fmt.Errorf("statfs %s: no existing parent", path)
	}
	var st unix.Statfs_t
	if err := unix.Statfs(existing, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", existing, err)
	}
	return st.Bavail * uint64(st.Bsize), nil //nolint:gosec
}

// FreeSpaceFunc reports available bytes for a path.
type FreeSpaceFunc func(path string) (uint64, error)

// EnsureFreeSpace fails with services.ErrConfiguration when the filesystem
// holding path cannot take need bytes. A nil probe uses FreeBytes.
func EnsureFreeSpace(path string, need int64, probe FreeSpaceFunc) error {
	if need <= 0 {
		return nil
	}
	if probe == nil {
		probe = FreeBytes
	}
	free, err := probe(path)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "preflight", "free space", "unable to inspect target filesystem", err)
	}
	if free < uint64(need) {
		return services.Wrap(services.ErrConfiguration, "preflight", "free space",
			fmt.Sprintf("%s needs %s but only %s is free", path, humanize.Bytes(uint64(need)), humanize.Bytes(free)), nil)
	}
	return nil
}

// CheckFreeSpace reports the free space under path as a display result.
func CheckFreeSpace(name, path string) Result {
	free, err := FreeBytes(path)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s free at %s", humanize.Bytes(free), path)}
}

// CheckHubToken verifies the configured Hugging Face token. A missing token
// is reported but passes: only gated datasets need one.
func CheckHubToken(ctx context.Context, client *hfhub.Client) Result {
	const name = "Hugging Face token"
	if client == nil || !client.HasToken() {
		return Result{Name: name, Passed: true, Detail: "not set (gated datasets unavailable)"}
	}
	checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	user, err := client.WhoAmI(checkCtx)
	if err != nil {
		if errors.Is(err, services.ErrAuth) {
			return Result{Name: name, Detail: "token rejected"}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{Name: name, Detail: "check timed out (hub unreachable)"}
		}
		return Result{Name: name, Detail: err.Error()}
	}
	return Result{Name: name, Passed: true, Detail: "authenticated as " + user}
}

func nearestExisting(path string) string {
	current := filepath.Clean(path)
	for {
		if _, err := os.Stat(current); err == nil {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			return ""
		}
		current = parent
	}
}
