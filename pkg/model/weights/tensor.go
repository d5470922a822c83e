package weights

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/MrWong99/murmur/pkg/model"
)

// Tensor is a read-only 2-D weight matrix in its stored encoding. Quantized
// tensors are never expanded as a whole: [Tensor.MatVec] and [Tensor.Row]
// dequantize one 32-value block at a time.
type Tensor struct {
	Name string
	Type model.Quantization
	Rows int
	Cols int

	data []byte
}

// Bytes returns the encoded size.
func (t *Tensor) Bytes() int { return len(t.data) }

// Row dequantizes row i into dst (allocating when dst is too short).
func (t *Tensor) Row(dst []float32, i int) []float32 {
	if cap(dst) < t.Cols {
		dst = make([]float32, t.Cols)
	}
	dst = dst[:t.Cols]
	rb := rowBytes(t.Type, t.Cols)
	row := t.data[i*rb : (i+1)*rb]
	switch t.Type {
	case model.Q4_0:
		for b := range t.Cols / BlockSize {
			dequantQ4(dst[b*BlockSize:], row[b*q4BlockBytes:])
		}
	case model.Q8_0:
		for b := range t.Cols / BlockSize {
			dequantQ8(dst[b*BlockSize:], row[b*q8BlockBytes:])
		}
	default:
		for c := range dst {
			dst[c] = math.Float32frombits(binary.LittleEndian.Uint32(row[c*4:]))
		}
	}
	return dst
}

// MatVec computes dst = T · x where len(x) == Cols, returning dst with
// length Rows.
func (t *Tensor) MatVec(dst, x []float32) ([]float32, error) {
	if len(x) != t.Cols {
		return nil, fmt.Errorf("weights: %s: matvec input %d, want %d", t.Name, len(x), t.Cols)
	}
	if cap(dst) < t.Rows {
		dst = make([]float32, t.Rows)
	}
	dst = dst[:t.Rows]

	rb := rowBytes(t.Type, t.Cols)
	var blk [BlockSize]float32
	for r := range t.Rows {
		row := t.data[r*rb : (r+1)*rb]
		var sum float32
		switch t.Type {
		case model.Q4_0:
			for b := range t.Cols / BlockSize {
				dequantQ4(blk[:], row[b*q4BlockBytes:])
				sum += dot(blk[:], x[b*BlockSize:(b+1)*BlockSize])
			}
		case model.Q8_0:
			for b := range t.Cols / BlockSize {
				dequantQ8(blk[:], row[b*q8BlockBytes:])
				sum += dot(blk[:], x[b*BlockSize:(b+1)*BlockSize])
			}
		default:
			for c, xv := range x {
				sum += math.Float32frombits(binary.LittleEndian.Uint32(row[c*4:])) * xv
			}
		}
		dst[r] = sum
	}
	return dst, nil
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
