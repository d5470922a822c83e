package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/murmur/internal/modelcache"
	"github.com/MrWong99/murmur/internal/segment"
	"github.com/MrWong99/murmur/internal/stt"
	"github.com/MrWong99/murmur/internal/toolexec"
	"github.com/MrWong99/murmur/internal/vad"
	"github.com/MrWong99/murmur/pkg/model"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr   = "127.0.0.1:7777"
	DefaultBackend      = "mic"
	DefaultSampleRate   = 16000
	DefaultFrameMs      = 20
	DefaultRingCapacity = 500
	DefaultRetries      = 3
	DefaultRetryDelayMs = 500
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the config an empty file produces.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Audio
	if a.Backend == "" {
		a.Backend = DefaultBackend
	}
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.Channels == 0 {
		a.Channels = 1
	}
	if a.FrameMs == 0 {
		a.FrameMs = DefaultFrameMs
	}
	if a.RingCapacity == 0 {
		a.RingCapacity = DefaultRingCapacity
	}

	v := &cfg.VAD
	d := vad.DefaultConfig()
	if v.ActivationDB == 0 {
		v.ActivationDB = d.ActivationDB
	}
	if v.ReleaseDB == 0 {
		v.ReleaseDB = d.ReleaseDB
	}
	if v.AttackMs == 0 {
		v.AttackMs = int(d.Attack.Milliseconds())
	}
	if v.ReleaseMs == 0 {
		v.ReleaseMs = int(d.Release.Milliseconds())
	}
	if v.Smoothing == 0 {
		v.Smoothing = d.Smoothing
	}
	if v.Preroll == 0 {
		v.Preroll = d.Preroll
	}
	if v.MaxSegmentMs == 0 {
		v.MaxSegmentMs = int(segment.DefaultMaxDuration.Milliseconds())
	}

	c := &cfg.Cache
	if c.Dir == "" && !c.InMemory {
		c.Dir = defaultCacheDir()
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = modelcache.DefaultChunkSize
	}
	if c.Retries == 0 {
		c.Retries = DefaultRetries
	}
	if c.RetryDelayMs == 0 {
		c.RetryDelayMs = DefaultRetryDelayMs
	}

	if cfg.STT.MaxTokens == 0 {
		cfg.STT.MaxTokens = stt.DefaultMaxTokens
	}

	for i := range cfg.Tools.Servers {
		if cfg.Tools.Servers[i].Transport == "" {
			cfg.Tools.Servers[i].Transport = toolexec.TransportStdio
		}
	}
}

func defaultCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "murmur")
	}
	return filepath.Join(base, "murmur", "models")
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 192000]", a.SampleRate))
	}
	if a.Channels < 1 || a.Channels > 8 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 8]", a.Channels))
	}
	if a.FrameMs < 5 || a.FrameMs > 100 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is out of range [5, 100]", a.FrameMs))
	}
	if a.RingCapacity < 1 {
		errs = append(errs, fmt.Errorf("audio.ring_capacity %d must be positive", a.RingCapacity))
	}
	if a.Backend == "wav" && a.Device == "" {
		errs = append(errs, errors.New("audio.device is required when backend is wav"))
	}

	// VAD
	if err := cfg.VAD.Detector().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("vad: %w", err))
	}
	if cfg.VAD.MaxSegmentMs < 0 {
		errs = append(errs, fmt.Errorf("vad.max_segment_ms %d is negative", cfg.VAD.MaxSegmentMs))
	}

	// Cache
	if cfg.Cache.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("cache.max_bytes %d is negative", cfg.Cache.MaxBytes))
	}
	if cfg.Cache.KeepVersions < 0 {
		errs = append(errs, fmt.Errorf("cache.keep_versions %d is negative", cfg.Cache.KeepVersions))
	}

	// Models
	seen := make(map[model.Key]int, len(cfg.Models))
	roles := make(map[model.Role]int)
	var specs []model.Spec
	for i, desc := range cfg.Models {
		prefix := fmt.Sprintf("models[%d]", i)
		if err := desc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
			continue
		}
		if prev, ok := seen[desc.Key()]; ok {
			errs = append(errs, fmt.Errorf("%s: %s is a duplicate of models[%d]", prefix, desc.Key(), prev))
		}
		seen[desc.Key()] = i
		roles[desc.Role]++
		if spec, ok := model.Lookup(desc.ID); ok {
			specs = append(specs, spec)
		}
	}
	for role, n := range roles {
		if n > 1 {
			slog.Warn("config: several models for one role; the first is loaded at startup", "role", role, "count", n)
		}
	}
	if budget := cfg.Cache.MemoryBudgetMB; budget > 0 {
		if err := model.FitsBudget(budget, specs...); err != nil {
			errs = append(errs, fmt.Errorf("cache.memory_budget_mb: %w", err))
		}
	}

	// Generation
	if err := cfg.Generation.Sampling().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("generation: %w", err))
	}
	if cfg.STT.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("stt.max_tokens %d is negative", cfg.STT.MaxTokens))
	}

	// Tools
	names := make(map[string]int, len(cfg.Tools.Servers))
	for i, srv := range cfg.Tools.Servers {
		if err := srv.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tools.servers[%d]: %w", i, err))
		}
		if prev, ok := names[srv.Name]; ok && srv.Name != "" {
			errs = append(errs, fmt.Errorf("tools.servers[%d].name %q is a duplicate of tools.servers[%d]", i, srv.Name, prev))
		}
		names[srv.Name] = i
	}
	if cfg.Tools.CallTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("tools.call_timeout_ms %d is negative", cfg.Tools.CallTimeoutMs))
	}

	// Voice commands
	for i, p := range cfg.VoiceCommands.Phrases {
		if p.Text == "" {
			errs = append(errs, fmt.Errorf("voice_commands.phrases[%d].text is required", i))
		}
		if !p.Action.Valid() {
			errs = append(errs, fmt.Errorf("voice_commands.phrases[%d].action %q is invalid; valid values: cancel, stop_listening", i, p.Action))
		}
	}
	if s := cfg.VoiceCommands.Similarity; s < 0 || s > 1 {
		errs = append(errs, fmt.Errorf("voice_commands.similarity %v is out of range [0, 1]", s))
	}

	return errors.Join(errs...)
}
