// Package modeltest builds synthetic model blobs and a ready in-memory model
// cache for tests.
package modeltest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/murmur/internal/feature"
	"github.com/MrWong99/murmur/internal/generate"
	"github.com/MrWong99/murmur/internal/loader"
	"github.com/MrWong99/murmur/internal/modelcache"
	"github.com/MrWong99/murmur/internal/prompt"
	"github.com/MrWong99/murmur/internal/stt"
	"github.com/MrWong99/murmur/pkg/model"
)

// Phrase is the transcript of [STTBlob] models.
const Phrase = "what time is it"

// BaseURL prefixes every descriptor URL served by an [Env].
const BaseURL = "http://modeltest.local/"

// ── blobs ───────────────────────────────────────────────────────────────────

// STTBlob returns a speech blob that transcribes every input as phrase.
func STTBlob(tb testing.TB, phrase string) []byte {
	tb.Helper()
	b, err := stt.BuildSynthetic(stt.SyntheticConfig{Phrase: phrase, Seed: 7})
	if err != nil {
		tb.Fatalf("modeltest: stt blob: %v", err)
	}
	return b
}

// Words transcribed by [LevelSTTBlob] models.
const (
	LevelAbove = "yes"
	LevelBelow = "no"
)

// LevelSTTBlob returns a speech blob that transcribes [LevelAbove] when the
// normalized mel frames of its input average above threshold and
// [LevelBelow] when they average below it.
func LevelSTTBlob(tb testing.TB, threshold float32) []byte {
	tb.Helper()
	b, err := stt.BuildSynthetic(stt.SyntheticConfig{Level: &stt.LevelGate{
		Threshold: threshold,
		Above:     LevelAbove,
		Below:     LevelBelow,
	}})
	if err != nil {
		tb.Fatalf("modeltest: level stt blob: %v", err)
	}
	return b
}

// NormalizationThreshold returns a level that every frame mean of
// raw.Normalized() lies below and every frame mean of a second
// normalization pass lies above. A [LevelSTTBlob] built with it transcribes
// [LevelBelow] for correctly scaled input and [LevelAbove] for input that
// was normalized twice.
func NormalizationThreshold(tb testing.TB, raw *feature.Tensor) float32 {
	tb.Helper()
	once := raw.Normalized()
	twice := once.Normalized()
	hi := slices.Max(frameMeans(once))
	lo := slices.Min(frameMeans(twice))
	if hi >= lo {
		tb.Fatalf("modeltest: frame means overlap after one (max %.3f) and two (min %.3f) normalizations", hi, lo)
	}
	return (hi + lo) / 2
}

func frameMeans(t *feature.Tensor) []float32 {
	out := make([]float32, t.Frames())
	row := make([]float32, t.Bins())
	for i := range out {
		var sum float32
		for _, v := range t.Row(row, i) {
			sum += v
		}
		out[i] = sum / float32(len(row))
	}
	return out
}

// LLMBlob returns a chat language-model blob that replays turns.
func LLMBlob(tb testing.TB, turns ...generate.ScriptTurn) []byte {
	tb.Helper()
	tokens, special := prompt.Vocabulary()
	b, err := generate.BuildScripted(generate.ScriptConfig{Tokens: tokens, Special: special, Turns: turns})
	if err != nil {
		tb.Fatalf("modeltest: llm blob: %v", err)
	}
	return b
}

// Reply is a single scripted assistant turn.
func Reply(text string) generate.ScriptTurn {
	return generate.ScriptTurn{Anchor: "<|assistant|>", Reply: text}
}

// ToolTurns scripts a tool call followed by the reply the model gives once
// the result is in its context.
func ToolTurns(call, after string) []generate.ScriptTurn {
	return []generate.ScriptTurn{
		{Anchor: "<|assistant|>", Reply: call},
		{Anchor: generate.ResultClose, Reply: after},
	}
}

// Descriptor describes data as version "1" of id.
func Descriptor(id string, role model.Role, data []byte) model.Descriptor {
	sum := sha256.Sum256(data)
	family := "whisper"
	if role == model.RoleLLM {
		family = "llama"
	}
	return model.Descriptor{
		ID:           id,
		Version:      "1",
		Family:       family,
		Variant:      "synthetic",
		Role:         role,
		Quantization: model.Q4_0,
		URL:          BaseURL + id,
		Size:         int64(len(data)),
		SHA256:       hex.EncodeToString(sum[:]),
	}
}

// ── source ──────────────────────────────────────────────────────────────────

// Source serves registered blobs from memory and counts fetches.
type Source struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	fetches map[string]int

	// Delay, when set, is waited before every fetch.
	Delay time.Duration
}

var _ modelcache.Source = (*Source)(nil)

// NewSource returns an empty source.
func NewSource() *Source {
	return &Source{blobs: make(map[string][]byte), fetches: make(map[string]int)}
}

// Serve registers data under url.
func (s *Source) Serve(url string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[url] = data
}

// Fetches returns how often url was fetched.
func (s *Source) Fetches(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[url]
}

// Fetch implements [modelcache.Source].
func (s *Source) Fetch(ctx context.Context, url string, offset int64) (io.ReadCloser, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches[url]++
	data, ok := s.blobs[url]
	if !ok {
		return nil, fmt.Errorf("modeltest: %s: %w", url, modelcache.ErrPermanent)
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[offset:])), nil
}

// ── environment ─────────────────────────────────────────────────────────────

// Env is an in-memory cache with a loader over it.
type Env struct {
	Store  *modelcache.BadgerStore
	Cache  *modelcache.Cache
	Loader *loader.Loader
	Source *Source
}

// NewEnv opens an in-memory badger store and a cache reading from a fresh
// [Source]. Everything is closed when the test ends.
func NewEnv(tb testing.TB, opts ...modelcache.Option) *Env {
	tb.Helper()
	store, err := modelcache.OpenBadger("", modelcache.WithInMemory(true), modelcache.WithChunkSize(4096))
	if err != nil {
		tb.Fatalf("modeltest: open store: %v", err)
	}
	src := NewSource()
	opts = append([]modelcache.Option{
		modelcache.WithSource(src),
		modelcache.WithReadSize(8192),
		modelcache.WithRetries(1, time.Millisecond),
	}, opts...)
	cache, err := modelcache.New(store, opts...)
	if err != nil {
		_ = store.Close()
		tb.Fatalf("modeltest: new cache: %v", err)
	}
	tb.Cleanup(func() {
		_ = cache.Close()
		_ = store.Close()
	})
	return &Env{Store: store, Cache: cache, Loader: loader.New(cache), Source: src}
}

// Add serves data and returns its descriptor. Nothing is downloaded yet.
func (e *Env) Add(id string, role model.Role, data []byte) model.Descriptor {
	desc := Descriptor(id, role, data)
	e.Source.Serve(desc.URL, data)
	return desc
}

// Ensure downloads desc into the cache.
func (e *Env) Ensure(tb testing.TB, desc model.Descriptor) modelcache.Entry {
	tb.Helper()
	entry, err := e.Cache.EnsureCached(context.Background(), desc, nil)
	if err != nil {
		tb.Fatalf("modeltest: ensure %s: %v", desc.Key(), err)
	}
	return entry
}

// Load caches and loads desc. The handle is unloaded when the test ends.
func (e *Env) Load(tb testing.TB, desc model.Descriptor) *loader.Handle {
	tb.Helper()
	e.Ensure(tb, desc)
	h, err := e.Loader.Load(context.Background(), desc.Key())
	if err != nil {
		tb.Fatalf("modeltest: load %s: %v", desc.Key(), err)
	}
	tb.Cleanup(func() { e.Loader.Unload(h) })
	return h
}

// LoadSTT adds, caches and loads a speech model transcribing [Phrase].
func (e *Env) LoadSTT(tb testing.TB) *loader.Handle {
	tb.Helper()
	return e.Load(tb, e.Add("whisper-synthetic", model.RoleSTT, STTBlob(tb, Phrase)))
}

// LoadLLM adds, caches and loads a scripted chat model.
func (e *Env) LoadLLM(tb testing.TB, turns ...generate.ScriptTurn) *loader.Handle {
	tb.Helper()
	return e.Load(tb, e.Add("llama-scripted", model.RoleLLM, LLMBlob(tb, turns...)))
}
