package feature

import (
	"math"
	"time"
)

// Tensor is a time × mel-bin matrix of log-mel energies. It is immutable:
// every accessor returns copies and every transform returns a new Tensor.
type Tensor struct {
	params Params
	frames int
	data   []float32
}

// NewTensor builds a tensor from row-major data. It copies data.
// len(data) must equal frames*p.Bins.
func NewTensor(p Params, frames int, data []float32) *Tensor {
	if len(data) != frames*p.Bins {
		panic("feature: tensor data length does not match shape")
	}
	cp := make([]float32, len(data))
	copy(cp, data)
	return &Tensor{params: p, frames: frames, data: cp}
}

// Params returns the front-end parameters.
func (t *Tensor) Params() Params { return t.params }

// Frames returns the time dimension.
func (t *Tensor) Frames() int { return t.frames }

// Bins returns the frequency dimension.
func (t *Tensor) Bins() int { return t.params.Bins }

// Duration returns the audio time covered by the frames' hops.
func (t *Tensor) Duration() time.Duration {
	if t.params.SampleRate == 0 {
		return 0
	}
	return time.Duration(int64(t.frames) * int64(t.params.HopSize) * int64(time.Second) / int64(t.params.SampleRate))
}

// At returns the value at frame i, bin j.
func (t *Tensor) At(i, j int) float32 {
	return t.data[i*t.params.Bins+j]
}

// Row copies frame i into dst (allocating when dst is too short) and returns
// it.
func (t *Tensor) Row(dst []float32, i int) []float32 {
	b := t.params.Bins
	if cap(dst) < b {
		dst = make([]float32, b)
	}
	dst = dst[:b]
	copy(dst, t.data[i*b:(i+1)*b])
	return dst
}

// Slice returns frames [from, to) as a new tensor.
func (t *Tensor) Slice(from, to int) *Tensor {
	from = max(0, from)
	to = min(t.frames, to)
	if to < from {
		to = from
	}
	b := t.params.Bins
	data := make([]float32, (to-from)*b)
	copy(data, t.data[from*b:to*b])
	return &Tensor{params: t.params, frames: to - from, data: data}
}

// Max returns the largest value, or -Inf for an empty tensor.
func (t *Tensor) Max() float32 {
	m := float32(math.Inf(-1))
	for _, v := range t.data {
		m = max(m, v)
	}
	return m
}

// Normalized returns a copy compressed to an 8-decade dynamic range below the
// peak and rescaled with (x+4)/4, the scaling the speech encoder was trained
// on.
func (t *Tensor) Normalized() *Tensor {
	out := make([]float32, len(t.data))
	if len(out) == 0 {
		return &Tensor{params: t.params}
	}
	floor := t.Max() - 8
	for i, v := range t.data {
		out[i] = (max(v, floor) + 4) / 4
	}
	return &Tensor{params: t.params, frames: t.frames, data: out}
}
