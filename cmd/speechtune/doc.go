// Command speechtune fine-tunes a Whisper checkpoint on a speech corpus.
//
// The root command runs the whole pipeline: dependency checks, model load in
// the Python training worker, dataset fetch or local load, preprocessing into
// a per-run feature cache, the training loop with periodic WER evaluation,
// and the final save. Every run is recorded in the run ledger.
//
// Subcommands:
//
//	speechtune doctor              dependency and preflight report
//	speechtune runs list           recent runs
//	speechtune runs show <id>      one run with its evaluations
//	speechtune config init         write a sample configuration
//	speechtune config validate     load and validate the configuration
package main
