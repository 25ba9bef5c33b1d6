// Package services defines shared utilities consumed by the fetcher, the
// fine-tuning driver, and their external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, stage names, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper so the command layer can
//     classify failures (dependency, unknown dataset, auth, usage).
//   - Remediation hints attached to errors and printed by the CLIs.
package services
