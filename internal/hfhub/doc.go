// Package hfhub is a small HTTP client for the Hugging Face Hub and its
// datasets-server. It lists the parquet export of a dataset split, streams
// shard downloads, and checks token identity. Failures are classified with
// the services error markers so callers can print auth remediation.
package hfhub
