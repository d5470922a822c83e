// Package vad implements an energy-based voice activity detector with
// hysteresis and debounce.
//
// The detector is a three-state machine:
//
//	Silence ──(level ≥ activation for Attack)──▶ SpeechActive
//	SpeechActive ──(level < release)──▶ Trailing
//	Trailing ──(level ≥ activation)──▶ SpeechActive   (same segment)
//	Trailing ──(Release elapsed)──▶ Silence            (segment end)
//
// The level is an exponential moving average of each frame's RMS in dBFS.
// Frames seen in Silence are dropped, except for a short pre-roll kept so
// that the onset of an utterance, which the smoothed level lags behind, is
// not cut off.
package vad

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
)

// State is the detector state.
type State int

const (
	Silence State = iota
	SpeechActive
	Trailing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Silence:
		return "silence"
	case SpeechActive:
		return "speech_active"
	case Trailing:
		return "trailing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds detector thresholds. Zero values select the defaults.
type Config struct {
	// ActivationDB is the smoothed level (dBFS) speech must reach. Default: -40.
	ActivationDB float64

	// ReleaseDB is the lower threshold that ends active speech. Must be
	// ≤ ActivationDB. Default: -48.
	ReleaseDB float64

	// Attack is how long the level must stay at or above ActivationDB before
	// speech is declared. Default: 60ms.
	Attack time.Duration

	// Release is how long the detector stays in Trailing without
	// re-activation before the segment ends. Default: 400ms.
	Release time.Duration

	// Smoothing is the weight of the newest frame in the moving average,
	// in (0, 1]. Default: 0.6.
	Smoothing float64

	// Preroll is the number of frames preceding the attack window that are
	// kept and forwarded on activation. Default: 1.
	Preroll int
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.ActivationDB == 0 {
		c.ActivationDB = -40
	}
	if c.ReleaseDB == 0 {
		c.ReleaseDB = -48
	}
	if c.Attack <= 0 {
		c.Attack = 60 * time.Millisecond
	}
	if c.Release <= 0 {
		c.Release = 400 * time.Millisecond
	}
	if c.Smoothing <= 0 || c.Smoothing > 1 {
		c.Smoothing = 0.6
	}
	if c.Preroll <= 0 {
		c.Preroll = 1
	}
}

// Validate reports inconsistent thresholds.
func (c Config) Validate() error {
	c.applyDefaults()
	if c.ReleaseDB > c.ActivationDB {
		return errors.New("vad: release threshold above activation threshold")
	}
	return nil
}

// Transition records a state change.
type Transition struct {
	From, To State

	// At is the timestamp of the frame that caused the transition.
	At time.Duration
}

// Decision is the detector's verdict for one frame.
type Decision struct {
	// State is the state after the frame.
	State State

	// Transition is set when the frame changed the state.
	Transition *Transition

	// Forward lists the frames to hand downstream, oldest first. On
	// activation it includes the pre-roll and attack frames.
	Forward []audio.Frame

	// SegmentEnd is set on Trailing → Silence.
	SegmentEnd bool

	// Level is the smoothed level in dBFS.
	Level float64
}

// Detector is a streaming voice activity detector. Not safe for concurrent
// use.
type Detector struct {
	cfg     Config
	state   State
	level   float64
	attack  time.Duration
	trail   time.Duration
	backlog []audio.Frame
	preroll []audio.Frame
}

// New returns a detector in Silence.
func New(cfg Config) *Detector {
	cfg.applyDefaults()
	return &Detector{cfg: cfg, level: -100}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

// State returns the current state.
func (d *Detector) State() State { return d.state }

// Reset returns the detector to Silence and forgets the smoothed level.
func (d *Detector) Reset() {
	d.state = Silence
	d.level = -100
	d.attack, d.trail = 0, 0
	d.backlog = d.backlog[:0]
	d.preroll = d.preroll[:0]
}

// SetThresholds updates thresholds and durations in place without
// resetting the state.
func (d *Detector) SetThresholds(cfg Config) {
	cfg.applyDefaults()
	d.cfg = cfg
}

// Process consumes one frame.
func (d *Detector) Process(f audio.Frame) Decision {
	a := d.cfg.Smoothing
	d.level = a*audio.DBFS(audio.RMS(f.Samples)) + (1-a)*d.level
	dur := f.Duration()
	active := d.level >= d.cfg.ActivationDB

	dec := Decision{Level: d.level}
	switch d.state {
	case Silence:
		if !active {
			d.attack = 0
			if len(d.backlog) > 0 {
				d.preroll = append(d.preroll, d.backlog...)
				d.backlog = d.backlog[:0]
			}
			d.preroll = append(d.preroll, f)
			if n := len(d.preroll) - d.cfg.Preroll; n > 0 {
				d.preroll = append(d.preroll[:0], d.preroll[n:]...)
			}
			break
		}
		d.attack += dur
		d.backlog = append(d.backlog, f)
		if d.attack >= d.cfg.Attack {
			dec.Forward = make([]audio.Frame, 0, len(d.preroll)+len(d.backlog))
			dec.Forward = append(dec.Forward, d.preroll...)
			dec.Forward = append(dec.Forward, d.backlog...)
			d.preroll = d.preroll[:0]
			d.backlog = d.backlog[:0]
			d.attack = 0
			dec.Transition = d.move(SpeechActive, f)
		}

	case SpeechActive:
		dec.Forward = []audio.Frame{f}
		if d.level < d.cfg.ReleaseDB {
			d.trail = 0
			dec.Transition = d.move(Trailing, f)
		}

	case Trailing:
		dec.Forward = []audio.Frame{f}
		if active {
			dec.Transition = d.move(SpeechActive, f)
			break
		}
		d.trail += dur
		if d.trail >= d.cfg.Release {
			d.trail = 0
			dec.Transition = d.move(Silence, f)
			dec.SegmentEnd = true
		}
	}
	dec.State = d.state
	return dec
}

func (d *Detector) move(to State, f audio.Frame) *Transition {
	t := &Transition{From: d.state, To: to, At: f.Timestamp}
	d.state = to
	return t
}
