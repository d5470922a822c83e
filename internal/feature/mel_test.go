package feature_test

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/murmur/internal/feature"
	"github.com/MrWong99/murmur/pkg/audio/synth"
)

func TestExtractor_FrameCount(t *testing.T) {
	t.Parallel()

	e := feature.NewExtractor()
	if got := e.Push(make([]float32, 16000)); got != 98 {
		t.Errorf("Push added %d frames, want 98", got)
	}
	if got := e.Flush(); got != 1 {
		t.Errorf("Flush added %d frames, want 1", got)
	}
	if got := e.Flush(); got != 0 {
		t.Errorf("second Flush added %d frames", got)
	}

	tensor := e.Tensor()
	if tensor.Frames() != 99 || tensor.Bins() != feature.MelBins {
		t.Errorf("shape = %dx%d", tensor.Frames(), tensor.Bins())
	}
}

func TestExtractor_StreamingMatchesBatch(t *testing.T) {
	t.Parallel()

	signal := synth.Speech(300*time.Millisecond, feature.SampleRate, 7)

	batch := feature.NewExtractor()
	batch.Push(signal)

	stream := feature.NewExtractor()
	for off := 0; off < len(signal); off += 123 {
		stream.Push(signal[off:min(off+123, len(signal))])
	}

	a, b := batch.Tensor(), stream.Tensor()
	if a.Frames() != b.Frames() {
		t.Fatalf("frames: batch %d, stream %d", a.Frames(), b.Frames())
	}
	for i := range a.Frames() {
		for j := range a.Bins() {
			if a.At(i, j) != b.At(i, j) {
				t.Fatalf("frame %d bin %d differs: %v vs %v", i, j, a.At(i, j), b.At(i, j))
			}
		}
	}
}

func TestExtractor_TonePeaksInMatchingBin(t *testing.T) {
	t.Parallel()

	e := feature.NewExtractor()
	e.Push(synth.Tone(1000, 0.5, 200*time.Millisecond, feature.SampleRate))
	tensor := e.Tensor()

	row := tensor.Row(nil, tensor.Frames()/2)
	best := 0
	for j, v := range row {
		if v > row[best] {
			best = j
		}
	}
	// 1000 Hz sits at ~1000 mel; filters are spaced ~35 mel apart.
	if best < 26 || best > 29 {
		t.Errorf("peak bin = %d, want 26..29", best)
	}
}

func TestExtractor_SilenceHitsLogFloor(t *testing.T) {
	t.Parallel()

	e := feature.NewExtractor()
	e.Push(make([]float32, feature.WindowSize))
	tensor := e.Tensor()
	for j := range tensor.Bins() {
		if v := tensor.At(0, j); math.Abs(float64(v)+10) > 1e-4 {
			t.Fatalf("bin %d = %v, want -10", j, v)
		}
	}
}

func TestTensor_Immutable(t *testing.T) {
	t.Parallel()

	e := feature.NewExtractor()
	e.Push(synth.Tone(440, 0.5, 50*time.Millisecond, feature.SampleRate))
	snap := e.Tensor()
	before := snap.At(0, 10)

	row := snap.Row(nil, 0)
	row[10] = 1234
	e.Push(synth.Tone(440, 0.5, 50*time.Millisecond, feature.SampleRate))
	e.Reset()

	if snap.At(0, 10) != before {
		t.Error("snapshot changed after Row write and extractor mutation")
	}
}

func TestTensor_Normalized(t *testing.T) {
	t.Parallel()

	e := feature.NewExtractor()
	e.Push(synth.Concat(
		make([]float32, 1600),
		synth.Tone(600, 0.8, 100*time.Millisecond, feature.SampleRate),
	))
	n := e.Tensor().Normalized()

	peak := n.Max()
	for i := range n.Frames() {
		for j := range n.Bins() {
			v := n.At(i, j)
			if v < peak-2-1e-5 || v > peak+1e-5 {
				t.Fatalf("value %v outside [%v, %v]", v, peak-2, peak)
			}
		}
	}
	if math.IsInf(float64(peak), 0) {
		t.Error("peak is infinite")
	}
}

func TestTensor_Duration(t *testing.T) {
	t.Parallel()

	tensor := feature.NewTensor(feature.WhisperParams, 100, make([]float32, 100*feature.MelBins))
	if got := tensor.Duration(); got != time.Second {
		t.Errorf("Duration = %v, want 1s", got)
	}
}
