package backend

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Tensor is a dense row-major float32 array.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor allocates a zeroed tensor of the given shape.
func NewTensor(shape ...int) Tensor {
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, numel(shape))}
}

// Len returns the number of elements the shape describes.
func (t Tensor) Len() int { return numel(t.Shape) }

// Validate checks that Data matches Shape.
func (t Tensor) Validate() error {
	if len(t.Data) != t.Len() {
		return fmt.Errorf("tensor shape %v wants %d values, have %d", t.Shape, t.Len(), len(t.Data))
	}
	return nil
}

func numel(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

type wireTensor struct {
	Shape []int  `json:"shape"`
	Data  string `json:"data"`
}

// MarshalJSON encodes the tensor as {"shape": [...], "data": "<base64 f32le>"}.
func (t Tensor) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireTensor{Shape: t.Shape, Data: base64.StdEncoding.EncodeToString(EncodeFloat32(t.Data))})
}

// UnmarshalJSON decodes the wire form and validates the shape.
func (t *Tensor) UnmarshalJSON(data []byte) error {
	var wire wireTensor
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(wire.Data)
	if err != nil {
		return fmt.Errorf("tensor data: %w", err)
	}
	if len(raw)%4 != 0 {
		return fmt.Errorf("tensor data: %d bytes is not a float32 multiple", len(raw))
	}
	decoded := Tensor{Shape: wire.Shape, Data: DecodeFloat32(raw)}
	if err := decoded.Validate(); err != nil {
		return err
	}
	*t = decoded
	return nil
}

// EncodeFloat32 renders values as little-endian float32 bytes.
func EncodeFloat32(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// DecodeFloat32 parses little-endian float32 bytes.
func DecodeFloat32(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}
