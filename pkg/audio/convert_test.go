package audio_test

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/audio/synth"
	"github.com/MrWong99/murmur/pkg/fault"
)

func meanSquare(s []float32) float64 {
	var sum float64
	for _, v := range s {
		sum += float64(v) * float64(v)
	}
	return sum / float64(len(s))
}

func TestResample_RoundTrip(t *testing.T) {
	t.Parallel()

	pairs := []struct{ from, to int }{
		{16000, 48000},
		{48000, 16000},
		{44100, 16000},
		{16000, 44100},
		{16000, 8000},
		{8000, 16000},
		{22050, 16000},
		{48000, 6000},
	}
	for _, p := range pairs {
		t.Run(fmt.Sprintf("%d->%d", p.from, p.to), func(t *testing.T) {
			t.Parallel()
			orig := synth.Tone(440, 0.5, time.Second, p.from)

			there, err := audio.Resample(orig, p.from, p.to)
			if err != nil {
				t.Fatalf("Resample there: %v", err)
			}
			back, err := audio.Resample(there, p.to, p.from)
			if err != nil {
				t.Fatalf("Resample back: %v", err)
			}

			slack := int(math.Ceil(float64(p.from) / float64(p.to)))
			if diff := len(back) - len(orig); diff < 0 || diff > slack {
				t.Fatalf("length: got %d, want %d (+%d)", len(back), len(orig), slack)
			}

			eo, eb := meanSquare(orig), meanSquare(back[:len(orig)])
			if rel := math.Abs(eb-eo) / eo; rel > 0.05 {
				t.Errorf("energy drift %.3f (orig %.4f, back %.4f)", rel, eo, eb)
			}
		})
	}
}

func TestResample_OutputLength(t *testing.T) {
	t.Parallel()

	got, err := audio.Resample(make([]float32, 441), 44100, 16000)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	// ceil(441 * 16000 / 44100) = 160
	if len(got) != 160 {
		t.Errorf("len = %d, want 160", len(got))
	}
}

func TestResample_SameRateIsIdentity(t *testing.T) {
	t.Parallel()

	in := []float32{0.1, 0.2, 0.3}
	got, err := audio.Resample(in, 16000, 16000)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if &got[0] != &in[0] {
		t.Error("expected input slice to be returned unchanged")
	}
}

func TestResample_Unsupported(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		from, to int
	}{
		{"zero target", 16000, 0},
		{"negative target", 16000, -1},
		{"zero source", 0, 16000},
		{"ratio above 8", 192000, 16000},
		{"ratio below 1/8", 8000, 96000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := audio.Resample([]float32{0}, tc.from, tc.to)
			if !errors.Is(err, fault.ErrUnsupportedSampleRate) {
				t.Fatalf("err = %v, want ErrUnsupportedSampleRate", err)
			}
			if fault.KindOf(err) != fault.KindUnsupportedSampleRate {
				t.Errorf("kind = %v", fault.KindOf(err))
			}
		})
	}
}

func TestResample_RatioBoundsInclusive(t *testing.T) {
	t.Parallel()

	if err := audio.CheckRates(128000, 16000); err != nil {
		t.Errorf("ratio 8: %v", err)
	}
	if err := audio.CheckRates(2000, 16000); err != nil {
		t.Errorf("ratio 1/8: %v", err)
	}
}

func TestToMono(t *testing.T) {
	t.Parallel()

	got, err := audio.ToMono([]float32{0.2, 0.4, -0.5, -0.1}, 2)
	if err != nil {
		t.Fatalf("ToMono: %v", err)
	}
	want := []float32{0.3, -0.3}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}

	if _, err := audio.ToMono([]float32{1, 2, 3}, 2); err == nil {
		t.Error("expected error for ragged interleaving")
	}
	if _, err := audio.ToMono([]float32{1}, 0); err == nil {
		t.Error("expected error for zero channels")
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	got := audio.Normalize([]float32{0.25, -0.5, 0.1})
	if got[1] != -1 || got[0] != 0.5 {
		t.Errorf("Normalize = %v", got)
	}

	silence := []float32{0, 0}
	if out := audio.Normalize(silence); &out[0] != &silence[0] {
		t.Error("silence should be returned unchanged")
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	t.Parallel()

	in := []float32{0, 0.5, -0.5, 0.99}
	got := audio.PCM16ToFloat(audio.FloatToPCM16(in))
	for i := range in {
		if math.Abs(float64(got[i]-in[i])) > 1.0/16384 {
			t.Errorf("sample %d: got %v, want %v", i, got[i], in[i])
		}
	}
}

func TestDBFS(t *testing.T) {
	t.Parallel()

	if got := audio.DBFS(0); got != -100 {
		t.Errorf("DBFS(0) = %v", got)
	}
	if got := audio.DBFS(1); got != 0 {
		t.Errorf("DBFS(1) = %v", got)
	}
	if got := audio.DBFS(audio.RMS(synth.Tone(1000, 1, time.Second, 16000))); math.Abs(got+3.01) > 0.05 {
		t.Errorf("full-scale sine = %.2f dBFS, want -3.01", got)
	}
}

func TestLinearResampler_ChunkingInvariant(t *testing.T) {
	t.Parallel()

	orig := synth.Tone(440, 0.5, 250*time.Millisecond, 44100)
	whole, err := audio.Resample(orig, 44100, 16000)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}

	for _, chunk := range []int{1, 7, 256, 441, 1000} {
		t.Run(fmt.Sprint(chunk), func(t *testing.T) {
			t.Parallel()
			l, err := audio.NewLinearResampler(44100, 16000)
			if err != nil {
				t.Fatalf("NewLinearResampler: %v", err)
			}
			var got []float32
			for i := 0; i < len(orig); i += chunk {
				out, err := l.Process(orig[i:min(i+chunk, len(orig))])
				if err != nil {
					t.Fatalf("Process: %v", err)
				}
				got = append(got, out...)
			}
			tail, _ := l.Flush()
			got = append(got, tail...)

			if len(got) != len(whole) {
				t.Fatalf("len = %d, want %d", len(got), len(whole))
			}
			for i := range got {
				if math.Abs(float64(got[i]-whole[i])) > 1e-6 {
					t.Fatalf("sample %d: got %v, want %v", i, got[i], whole[i])
				}
			}
		})
	}
}
