// Package wer scores transcriptions by word error rate.
package wer
