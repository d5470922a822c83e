package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// HQResampler is a streaming band-limited resampler for live capture. Unlike
// [Resample] it low-pass filters before decimating, and filter state carries
// between blocks. The filter delay is trimmed from the head and Flush pads
// or trims the tail, so the total output is ceil(in*to/from) samples. Not
// safe for concurrent use.
type HQResampler struct {
	from, to int64
	r        resampling.Resampler

	skip int   // filter delay still to drop
	in   int64 // input samples seen
	out  int64 // output samples released
	buf  []float64
	pend []float64 // output held back until the input catches up
}

// NewHQResampler creates a mono resampler from fromRate to toRate.
func NewHQResampler(fromRate, toRate int) (*HQResampler, error) {
	if err := CheckRates(fromRate, toRate); err != nil {
		return nil, err
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(fromRate),
		OutputRate: float64(toRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler %d -> %d Hz: %w", fromRate, toRate, err)
	}
	return &HQResampler{from: int64(fromRate), to: int64(toRate), r: r, skip: max(r.GetLatency(), 0)}, nil
}

// Process resamples one block. Output never runs ahead of the input seen so
// far, but may lag it by the filter delay until Flush.
func (h *HQResampler) Process(samples []float32) ([]float32, error) {
	if h.from == h.to {
		return samples, nil
	}
	h.buf = h.buf[:0]
	for _, s := range samples {
		h.buf = append(h.buf, float64(s))
	}
	res, err := h.r.Process(h.buf)
	if err != nil {
		return nil, fmt.Errorf("audio: resample block: %w", err)
	}
	h.in += int64(len(samples))
	return h.release(res, h.in*h.to/h.from), nil
}

// Flush drains the filter and completes the stream to its exact length.
func (h *HQResampler) Flush() ([]float32, error) {
	if h.from == h.to {
		return nil, nil
	}
	res, err := h.r.Flush()
	if err != nil {
		return nil, fmt.Errorf("audio: flush resampler: %w", err)
	}
	want := (h.in*h.to + h.from - 1) / h.from
	out := h.release(res, want)
	for ; h.out < want; h.out++ {
		out = append(out, 0)
	}
	return out, nil
}

// release drops the remaining filter delay from res and returns at most
// limit-out samples. Surplus is held for the next call.
func (h *HQResampler) release(res []float64, limit int64) []float32 {
	if h.skip > 0 {
		n := min(h.skip, len(res))
		res, h.skip = res[n:], h.skip-n
	}
	if len(h.pend) > 0 {
		res = append(h.pend, res...)
		h.pend = nil
	}
	if room := max(limit-h.out, 0); int64(len(res)) > room {
		h.pend = append([]float64(nil), res[room:]...)
		res = res[:room]
	}
	out := make([]float32, len(res))
	for i, v := range res {
		out[i] = float32(v)
	}
	h.out += int64(len(out))
	return out
}
