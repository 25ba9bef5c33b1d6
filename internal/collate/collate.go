package collate

import (
	"fmt"

	"speechtune/internal/backend"
	"speechtune/internal/prep"
)

// Batch is one collated step input.
type Batch struct {
	// Features has shape [batch, mel_bins, frames].
	Features backend.Tensor
	// Labels are right padded with backend.IgnoreIndex.
	Labels [][]int64
}

// Size returns the number of rows in the batch.
func (b Batch) Size() int { return len(b.Labels) }

// Collator pads features and labels independently. DecoderStartID is the
// model's decoder_start_token_id, which the tokenizer also prepends to
// labels and the model adds again when it shifts labels right.
type Collator struct {
	DecoderStartID int64
}

// New returns a collator that strips decoderStartID when every row starts
// with it.
func New(decoderStartID int64) Collator {
	return Collator{DecoderStartID: decoderStartID}
}

// Collate builds a batch from examples. Feature matrices must share their
// leading dimension and are zero padded along the frame axis.
func (c Collator) Collate(examples []prep.Example) (Batch, error) {
	if len(examples) == 0 {
		return Batch{}, fmt.Errorf("collate: empty batch")
	}
	features, err := padFeatures(examples)
	if err != nil {
		return Batch{}, err
	}
	return Batch{Features: features, Labels: c.padLabels(examples)}, nil
}

func padFeatures(examples []prep.Example) (backend.Tensor, error) {
	bins, frames := -1, 0
	for i, ex := range examples {
		t := ex.InputFeatures
		if len(t.Shape) != 2 {
			return backend.Tensor{}, fmt.Errorf("collate: example %d features have shape %v, want 2 dims", i, t.Shape)
		}
		if err := t.Validate(); err != nil {
			return backend.Tensor{}, fmt.Errorf("collate: example %d: %w", i, err)
		}
		if bins == -1 {
			bins = t.Shape[0]
		} else if t.Shape[0] != bins {
			return backend.Tensor{}, fmt.Errorf("collate: example %d has %d feature bins, batch has %d", i, t.Shape[0], bins)
		}
		frames = max(frames, t.Shape[1])
	}

	out := backend.NewTensor(len(examples), bins, frames)
	for i, ex := range examples {
		width := ex.InputFeatures.Shape[1]
		for b := 0; b < bins; b++ {
			src := ex.InputFeatures.Data[b*width : (b+1)*width]
			dst := out.Data[(i*bins+b)*frames:]
			copy(dst[:width], src)
		}
	}
	return out, nil
}

func (c Collator) padLabels(examples []prep.Example) [][]int64 {
	longest := 0
	for _, ex := range examples {
		longest = max(longest, len(ex.Labels))
	}
	strip := longest > 0
	for _, ex := range examples {
		if len(ex.Labels) == 0 || ex.Labels[0] != c.DecoderStartID {
			strip = false
			break
		}
	}
	offset := 0
	if strip {
		offset = 1
	}

	labels := make([][]int64, len(examples))
	for i, ex := range examples {
		row := make([]int64, longest-offset)
		for j := range row {
			if j+offset < len(ex.Labels) {
				row[j] = ex.Labels[j+offset]
			} else {
				row[j] = backend.IgnoreIndex
			}
		}
		labels[i] = row
	}
	return labels
}
