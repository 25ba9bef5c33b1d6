// Package runs keeps a SQLite ledger of dataset fetches and fine-tuning runs.
//
// Each invocation of speechdata or speechtune opens a run with Begin, tagged
// with its Kind. Training runs record one row per evaluation, including the
// learning rate in effect. Every run closes with Finish or Fail. The ledger
// backs the `speechtune runs` commands so past results can be compared
// without digging through output directories.
//
// Schema changes bump schemaVersion in schema.go; users delete runs.db to
// adopt the new schema.
package runs
