// Package prep is the preprocessing closure of the fine-tuning driver: it
// turns raw snapshot rows into model inputs (log-mel features plus label
// token ids) and drops every raw column.
package prep
