// Package preflight provides readiness checks for the filesystem paths and
// Hugging Face access that speechtune depends on.
//
// These checks run in two contexts:
//   - The fetcher calls EnsureFreeSpace before downloading shards so a
//     too-small disk fails before any bytes are written.
//   - "speechtune doctor" uses RunAll to display path and token health.
package preflight
