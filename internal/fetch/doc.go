// Package fetch materializes registry datasets, or arbitrary hub datasets for
// the fine-tuning driver, as parquet snapshots on local disk.
//
// A fetch resolves the registry entry first, so unknown keys fail before any
// network I/O. It then locks the target, lists the shards the datasets-server
// exported, checks free space, and downloads each shard through a ".part"
// file. Shards that already exist with the reported size are reused.
package fetch
