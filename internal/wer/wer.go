package wer

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"speechtune/internal/backend"
)

// WER returns the corpus-level word error rate: total word edits
// (substitutions, deletions, insertions) over total reference words.
func WER(predictions, references []string) (float64, error) {
	if len(predictions) != len(references) {
		return 0, fmt.Errorf("wer: %d predictions for %d references", len(predictions), len(references))
	}
	edits, words, inserted := 0, 0, 0
	for i := range references {
		ref := strings.Fields(references[i])
		hyp := strings.Fields(predictions[i])
		edits += distance(hyp, ref)
		words += len(ref)
		inserted += len(hyp)
	}
	if words == 0 {
		if inserted == 0 {
			return 0, nil
		}
		return 0, fmt.Errorf("wer: references are empty but predictions contain %d words", inserted)
	}
	return float64(edits) / float64(words), nil
}

// distance is the Levenshtein distance over words using two rolling rows.
func distance(hyp, ref []string) int {
	prev := make([]int, len(ref)+1)
	curr := make([]int, len(ref)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(hyp); i++ {
		curr[0] = i
		for j := 1; j <= len(ref); j++ {
			cost := 1
			if hyp[i-1] == ref[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(ref)]
}

// Decoder turns token ids into text with special tokens skipped.
type Decoder interface {
	Decode(ctx context.Context, ids [][]int64) ([]string, error)
}

// Metrics are the evaluation scores reported to the training loop.
type Metrics struct {
	// WER is a percentage.
	WER float64 `json:"wer"`
}

// ComputeMetrics decodes predictions and labels and scores them. Label
// positions holding backend.IgnoreIndex are restored to padID on a copy so
// the tokenizer can decode them; labelIDs is left untouched.
func ComputeMetrics(ctx context.Context, decoder Decoder, predIDs, labelIDs [][]int64, padID int64) (Metrics, error) {
	restored := make([][]int64, len(labelIDs))
	for i, row := range labelIDs {
		restored[i] = slices.Clone(row)
		for j, id := range restored[i] {
			if id == backend.IgnoreIndex {
				restored[i][j] = padID
			}
		}
	}
	preds, err := decoder.Decode(ctx, predIDs)
	if err != nil {
		return Metrics{}, fmt.Errorf("decode predictions: %w", err)
	}
	refs, err := decoder.Decode(ctx, restored)
	if err != nil {
		return Metrics{}, fmt.Errorf("decode labels: %w", err)
	}
	score, err := WER(preds, refs)
	if err != nil {
		return Metrics{}, err
	}
	return Metrics{WER: 100 * score}, nil
}
