package vad_test

import (
	"testing"
	"time"

	"github.com/MrWong99/murmur/internal/vad"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/audio/synth"
)

const rate = 16000

func frames(samples []float32) []audio.Frame {
	fr := audio.NewFramer(audio.DurationSamples(20*time.Millisecond, rate), rate)
	out := fr.Push(samples)
	if f, ok := fr.Flush(); ok {
		out = append(out, f)
	}
	return out
}

func run(d *vad.Detector, in []audio.Frame) (transitions []vad.Transition, forwarded int, ends int) {
	for _, f := range in {
		dec := d.Process(f)
		if dec.Transition != nil {
			transitions = append(transitions, *dec.Transition)
		}
		forwarded += len(dec.Forward)
		if dec.SegmentEnd {
			ends++
		}
	}
	return transitions, forwarded, ends
}

func TestDetector_SilenceToneSilence(t *testing.T) {
	t.Parallel()

	signal := synth.Concat(
		synth.Silence(500*time.Millisecond, rate),
		synth.Tone(440, 0.5, time.Second, rate),
		synth.Silence(800*time.Millisecond, rate),
	)
	d := vad.New(vad.DefaultConfig())
	trs, _, ends := run(d, frames(signal))

	want := []struct{ from, to vad.State }{
		{vad.Silence, vad.SpeechActive},
		{vad.SpeechActive, vad.Trailing},
		{vad.Trailing, vad.Silence},
	}
	if len(trs) != len(want) {
		t.Fatalf("transitions = %+v, want %d", trs, len(want))
	}
	for i, w := range want {
		if trs[i].From != w.from || trs[i].To != w.to {
			t.Errorf("transition %d = %v→%v, want %v→%v", i, trs[i].From, trs[i].To, w.from, w.to)
		}
	}
	if ends != 1 {
		t.Errorf("segment ends = %d, want 1", ends)
	}
	if d.State() != vad.Silence {
		t.Errorf("final state = %v", d.State())
	}
}

func TestDetector_TransientNoiseIsDebounced(t *testing.T) {
	t.Parallel()

	// 20ms click, shorter than the 60ms attack.
	signal := synth.Concat(
		synth.Silence(200*time.Millisecond, rate),
		synth.Tone(1000, 0.9, 20*time.Millisecond, rate),
		synth.Silence(500*time.Millisecond, rate),
	)
	d := vad.New(vad.DefaultConfig())
	trs, fwd, _ := run(d, frames(signal))
	if len(trs) != 0 {
		t.Errorf("transitions = %+v, want none", trs)
	}
	if fwd != 0 {
		t.Errorf("forwarded %d frames during silence", fwd)
	}
}

func TestDetector_ShortPauseContinuesSegment(t *testing.T) {
	t.Parallel()

	signal := synth.Concat(
		synth.Silence(200*time.Millisecond, rate),
		synth.Tone(440, 0.5, 400*time.Millisecond, rate),
		synth.Silence(200*time.Millisecond, rate), // shorter than Release
		synth.Tone(440, 0.5, 400*time.Millisecond, rate),
		synth.Silence(800*time.Millisecond, rate),
	)
	d := vad.New(vad.DefaultConfig())
	trs, _, ends := run(d, frames(signal))

	if ends != 1 {
		t.Fatalf("segment ends = %d, want 1", ends)
	}
	var reactivated bool
	for _, tr := range trs {
		if tr.From == vad.Trailing && tr.To == vad.SpeechActive {
			reactivated = true
		}
		if tr.From == vad.Silence && tr.To == vad.Trailing || tr.From == vad.SpeechActive && tr.To == vad.Silence {
			t.Errorf("skipped state: %v→%v", tr.From, tr.To)
		}
	}
	if !reactivated {
		t.Error("expected Trailing→SpeechActive on resumed speech")
	}
}

func TestDetector_ForwardsOnlyDuringSpeech(t *testing.T) {
	t.Parallel()

	cfg := vad.DefaultConfig()
	d := vad.New(cfg)
	silence := frames(synth.Silence(2*time.Second, rate))
	for _, f := range silence {
		if dec := d.Process(f); len(dec.Forward) != 0 {
			t.Fatal("silence frame forwarded")
		}
	}

	tone := frames(synth.Tone(440, 0.5, 200*time.Millisecond, rate))
	_, fwd, _ := run(d, tone)
	// All tone frames plus one pre-roll frame of silence at most.
	if fwd < len(tone) || fwd > len(tone)+cfg.Preroll {
		t.Errorf("forwarded %d frames for %d tone frames", fwd, len(tone))
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	if err := (vad.Config{ActivationDB: -50, ReleaseDB: -40}).Validate(); err == nil {
		t.Error("expected error for release above activation")
	}
	if err := vad.DefaultConfig().Validate(); err != nil {
		t.Errorf("default config: %v", err)
	}
}
