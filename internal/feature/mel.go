// Package feature computes log-mel spectrogram features for the speech model.
//
// The parameters match the Whisper training front-end and are fixed:
//
//	SampleRate: 16000
//	WindowSize:   400 (25 ms, Hann window, periodic)
//	HopSize:      160 (10 ms)
//	FFT bins:     201 (WindowSize/2 + 1)
//	Mel bins:      80 (HTK scale, 0 Hz – 8000 Hz)
//	Log:          log10(max(power, 1e-10))
//
// A model trained on a different front-end transcribes garbage, so none of
// these values is configurable.
package feature

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Front-end constants.
const (
	SampleRate = 16000
	WindowSize = 400
	HopSize    = 160
	MelBins    = 80
	FreqBins   = WindowSize/2 + 1
	MaxFreq    = SampleRate / 2

	logFloor = 1e-10
)

// Params records the front-end configuration a [Tensor] was produced with.
type Params struct {
	SampleRate int
	WindowSize int
	HopSize    int
	Bins       int
}

// WhisperParams are the parameters of every tensor produced by [Extractor].
var WhisperParams = Params{
	SampleRate: SampleRate,
	WindowSize: WindowSize,
	HopSize:    HopSize,
	Bins:       MelBins,
}

// hzToMel converts frequency to the HTK mel scale.
func hzToMel(hz float64) float64 {
	return 2595 * math.Log10(1+hz/700)
}

// melToHz converts HTK mel back to frequency.
func melToHz(mel float64) float64 {
	return 700 * (math.Pow(10, mel/2595) - 1)
}

// filter is one triangular mel filter stored sparsely.
type filter struct {
	start   int
	weights []float64
}

// melFilterBank builds MelBins triangular filters over FreqBins FFT bins.
// Filter edges are placed uniformly on the mel scale; each FFT bin's weight
// is evaluated at the bin's centre frequency, so narrow low-frequency filters
// still cover at least the nearest bin.
func melFilterBank() []filter {
	lo, hi := hzToMel(0), hzToMel(MaxFreq)
	edges := make([]float64, MelBins+2)
	for i := range edges {
		edges[i] = melToHz(lo + (hi-lo)*float64(i)/float64(MelBins+1))
	}

	binHz := float64(SampleRate) / float64(WindowSize)
	bank := make([]filter, MelBins)
	for m := range bank {
		left, centre, right := edges[m], edges[m+1], edges[m+2]
		var f filter
		f.start = -1
		for k := range FreqBins {
			hz := float64(k) * binHz
			var w float64
			switch {
			case hz > left && hz <= centre:
				w = (hz - left) / (centre - left)
			case hz > centre && hz < right:
				w = (right - hz) / (right - centre)
			}
			if w <= 0 {
				if f.start >= 0 {
					break
				}
				continue
			}
			if f.start < 0 {
				f.start = k
			}
			f.weights = append(f.weights, w)
		}
		if f.start < 0 {
			// Narrower than one FFT bin: take the nearest bin at full weight.
			f.start = int(math.Round(centre / binHz))
			f.weights = []float64{1}
		}
		bank[m] = f
	}
	return bank
}

// hannWindow returns a periodic Hann window of length n.
func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

// Extractor turns a 16 kHz mono sample stream into log-mel frames. Frames
// overlap by WindowSize-HopSize samples; samples not yet covered by a
// complete window are kept until the next Push or Flush.
//
// An Extractor is not safe for concurrent use.
type Extractor struct {
	window  []float64
	bank    []filter
	fft     *fourier.FFT
	buf     []float64
	coeff   []complex128
	power   []float64
	pending []float32
	emitted bool
	data    []float32
	frames  int
}

// NewExtractor returns an empty extractor.
func NewExtractor() *Extractor {
	return &Extractor{
		window:  hannWindow(WindowSize),
		bank:    melFilterBank(),
		fft:     fourier.NewFFT(WindowSize),
		buf:     make([]float64, WindowSize),
		coeff:   make([]complex128, FreqBins),
		power:   make([]float64, FreqBins),
		pending: make([]float32, 0, WindowSize*2),
	}
}

// Push appends samples and computes every window that became complete.
// It returns the number of frames added.
func (e *Extractor) Push(samples []float32) int {
	e.pending = append(e.pending, samples...)
	added := 0
	for len(e.pending) >= WindowSize {
		e.compute(e.pending[:WindowSize])
		e.pending = append(e.pending[:0], e.pending[HopSize:]...)
		e.emitted = true
		added++
	}
	return added
}

// Flush zero-pads and computes a final window if samples remain that no
// complete window has started on. It returns the number of frames added.
func (e *Extractor) Flush() int {
	uncovered := len(e.pending)
	if e.emitted {
		uncovered -= WindowSize - HopSize
	}
	if uncovered <= 0 {
		return 0
	}
	win := make([]float32, WindowSize)
	copy(win, e.pending)
	e.compute(win)
	e.pending = e.pending[:0]
	e.emitted = false
	return 1
}

// Frames returns the number of frames computed so far.
func (e *Extractor) Frames() int { return e.frames }

// Tensor returns an immutable snapshot of all frames computed so far.
func (e *Extractor) Tensor() *Tensor {
	data := make([]float32, len(e.data))
	copy(data, e.data)
	return &Tensor{params: WhisperParams, frames: e.frames, data: data}
}

// Reset discards all frames and pending samples.
func (e *Extractor) Reset() {
	e.pending = e.pending[:0]
	e.data = e.data[:0]
	e.frames = 0
	e.emitted = false
}

func (e *Extractor) compute(win []float32) {
	for i, s := range win {
		e.buf[i] = float64(s) * e.window[i]
	}
	e.coeff = e.fft.Coefficients(e.coeff, e.buf)
	for k, c := range e.coeff {
		re, im := real(c), imag(c)
		e.power[k] = re*re + im*im
	}
	for _, f := range e.bank {
		var energy float64
		for j, w := range f.weights {
			energy += w * e.power[f.start+j]
		}
		e.data = append(e.data, float32(math.Log10(math.Max(energy, logFloor))))
	}
	e.frames++
}
