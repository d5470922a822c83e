// Package segment couples voice activity detection with feature extraction:
// it forwards speech frames to a log-mel extractor and cuts one feature
// tensor per utterance.
package segment

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/murmur/internal/feature"
	"github.com/MrWong99/murmur/internal/vad"
	"github.com/MrWong99/murmur/pkg/audio"
)

// DefaultMaxDuration is the longest segment handed to the speech model in
// one pass (the model's 30 s context).
const DefaultMaxDuration = 30 * time.Second

// Segment is one VAD-bounded utterance.
type Segment struct {
	ID     uuid.UUID
	Tensor *feature.Tensor

	// Start is the capture timestamp of the first forwarded frame.
	Start time.Duration

	// Forced is set when the segment was closed by Flush or by the maximum
	// duration rather than by the detector.
	Forced bool
}

// Duration returns the audio time covered by the tensor.
func (s *Segment) Duration() time.Duration { return s.Tensor.Duration() }

// Option configures a [Gate].
type Option func(*Gate)

// WithMaxDuration overrides [DefaultMaxDuration].
func WithMaxDuration(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.maxFrames = int(d / (time.Second / feature.SampleRate * feature.HopSize))
		}
	}
}

// WithTransitionHook registers fn to observe every detector transition.
func WithTransitionHook(fn func(vad.Transition)) Option {
	return func(g *Gate) { g.onTransition = fn }
}

// Gate forwards frames to the extractor only while the detector is in
// SpeechActive or Trailing. Frames in Silence are dropped.
//
// The emitted tensor ends where the speech ended: trailing frames are fed to
// the extractor (they may turn out to be continued speech) but cut off when
// the release elapses. Not safe for concurrent use.
type Gate struct {
	det *vad.Detector
	ext *feature.Extractor

	open      bool
	held      bool // forced cut in Trailing; wait for speech to resume
	start     time.Duration
	pushed    int
	speechEnd int
	maxFrames int

	onTransition func(vad.Transition)
}

// New returns a gate over det. Frames passed to Process must be mono at
// [feature.SampleRate].
func New(det *vad.Detector, opts ...Option) *Gate {
	g := &Gate{det: det, ext: feature.NewExtractor()}
	WithMaxDuration(DefaultMaxDuration)(g)
	for _, o := range opts {
		o(g)
	}
	return g
}

// Detector returns the underlying detector.
func (g *Gate) Detector() *vad.Detector { return g.det }

// Process consumes one frame and returns the detector's decision and, when
// an utterance ended, the finished segment.
func (g *Gate) Process(f audio.Frame) (vad.Decision, *Segment, error) {
	if f.SampleRate != feature.SampleRate || f.Channels != 1 {
		return vad.Decision{}, nil, fmt.Errorf("segment: frame format %s, want %dHz mono", f.Format, feature.SampleRate)
	}

	dec := g.det.Process(f)
	if tr := dec.Transition; tr != nil {
		if g.onTransition != nil {
			g.onTransition(*tr)
		}
		switch {
		case tr.To == vad.Trailing:
			// The frame that triggered Trailing is already below the
			// release threshold; speech ended before it.
			g.speechEnd = g.pushed
		case tr.From == vad.Trailing && tr.To == vad.SpeechActive:
			g.speechEnd = 0
		}
		if tr.To == vad.SpeechActive {
			g.held = false
		}
	}

	for _, fw := range dec.Forward {
		if g.held {
			break
		}
		if !g.open {
			g.open = true
			g.start = fw.Timestamp
		}
		g.ext.Push(fw.Samples)
		g.pushed += len(fw.Samples)
	}

	if dec.SegmentEnd {
		g.held = false
		if !g.open {
			return dec, nil, nil
		}
		return dec, g.cut(false), nil
	}
	if g.open && g.ext.Frames() >= g.maxFrames {
		seg := g.cut(true)
		// Cut during the release: what follows is silence unless the
		// detector re-activates.
		g.held = g.det.State() == vad.Trailing
		return dec, seg, nil
	}
	return dec, nil, nil
}

// Flush closes an open segment regardless of detector state and returns it,
// or nil when no speech was in progress. The detector is reset.
func (g *Gate) Flush() *Segment {
	defer g.det.Reset()
	g.held = false
	if !g.open {
		return nil
	}
	return g.cut(true)
}

// cut finishes the current segment. Trailing audio after the recorded
// speech end is excluded.
func (g *Gate) cut(forced bool) *Segment {
	g.ext.Flush()
	t := g.ext.Tensor()
	if g.speechEnd > 0 {
		keep := (g.speechEnd + feature.HopSize - 1) / feature.HopSize
		if keep < t.Frames() {
			t = t.Slice(0, keep)
		}
	}
	seg := &Segment{ID: uuid.New(), Tensor: t, Start: g.start, Forced: forced}

	g.ext.Reset()
	g.open = false
	g.pushed = 0
	g.speechEnd = 0
	return seg
}
