// Command speechdata lists the known speech corpora and downloads one split
// of a corpus into a local snapshot directory that speechtune can train on.
//
// Usage:
//
//	speechdata --list
//	speechdata --dataset tedlium3 --split train --output_dir ./data
//
// Without --dataset the registry listing is printed. Errors are printed to
// stdout with remediation hints and exit with status 1.
package main
