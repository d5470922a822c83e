// Package config provides the configuration schema, loader, hot-reload
// watcher and capture backend registry for murmur.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/murmur/internal/generate"
	"github.com/MrWong99/murmur/internal/prompt"
	"github.com/MrWong99/murmur/internal/toolexec"
	"github.com/MrWong99/murmur/internal/vad"
	"github.com/MrWong99/murmur/internal/voicecmd"
	"github.com/MrWong99/murmur/pkg/model"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a slog level. Unknown values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Cache         CacheConfig         `yaml:"cache"`
	Models        []model.Descriptor  `yaml:"models"`
	STT           STTConfig           `yaml:"stt"`
	Generation    GenerationConfig    `yaml:"generation"`
	Assistant     AssistantConfig     `yaml:"assistant"`
	Tools         ToolsConfig         `yaml:"tools"`
	VoiceCommands VoiceCommandsConfig `yaml:"voice_commands"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr serves the websocket bridge, health probes and metrics.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists host patterns allowed to open the websocket from a
	// browser on another origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AudioConfig selects and shapes the capture device.
type AudioConfig struct {
	// Backend names a device factory in the [Registry] ("mic", "wav").
	Backend string `yaml:"backend"`

	// Device is a backend-specific argument, e.g. the file for "wav".
	Device string `yaml:"device"`

	// SampleRate and Channels are requested from the driver.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	FrameMs      int `yaml:"frame_ms"`
	RingCapacity int `yaml:"ring_capacity"`

	// HighQuality selects the band-limited resampler over linear
	// interpolation.
	HighQuality bool `yaml:"high_quality"`
}

// FrameDuration returns FrameMs as a duration.
func (a AudioConfig) FrameDuration() time.Duration {
	return time.Duration(a.FrameMs) * time.Millisecond
}

// VADConfig holds voice activity thresholds. Zero values take the detector
// defaults.
type VADConfig struct {
	ActivationDB float64 `yaml:"activation_db"`
	ReleaseDB    float64 `yaml:"release_db"`
	AttackMs     int     `yaml:"attack_ms"`
	ReleaseMs    int     `yaml:"release_ms"`
	Smoothing    float64 `yaml:"smoothing"`
	Preroll      int     `yaml:"preroll"`

	// MaxSegmentMs cuts utterances that run longer.
	MaxSegmentMs int `yaml:"max_segment_ms"`
}

// Detector converts the thresholds into a detector config.
func (v VADConfig) Detector() vad.Config {
	return vad.Config{
		ActivationDB: v.ActivationDB,
		ReleaseDB:    v.ReleaseDB,
		Attack:       time.Duration(v.AttackMs) * time.Millisecond,
		Release:      time.Duration(v.ReleaseMs) * time.Millisecond,
		Smoothing:    v.Smoothing,
		Preroll:      v.Preroll,
	}
}

// MaxSegment returns MaxSegmentMs as a duration.
func (v VADConfig) MaxSegment() time.Duration {
	return time.Duration(v.MaxSegmentMs) * time.Millisecond
}

// CacheConfig configures the on-disk model cache.
type CacheConfig struct {
	// Dir holds the badger store. Ignored when InMemory is set.
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"in_memory"`

	// MaxBytes is the eviction budget. 0 disables budget eviction.
	MaxBytes int64 `yaml:"max_bytes"`

	// KeepVersions prunes older versions of a model after a download.
	// 0 keeps all.
	KeepVersions int `yaml:"keep_versions"`

	ChunkSize    int `yaml:"chunk_size"`
	Retries      int `yaml:"retries"`
	RetryDelayMs int `yaml:"retry_delay_ms"`

	// MemoryBudgetMB rejects a model set whose catalog RAM estimate exceeds
	// it. 0 disables the check.
	MemoryBudgetMB int `yaml:"memory_budget_mb"`
}

// RetryDelay returns RetryDelayMs as a duration.
func (c CacheConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// STTConfig configures transcription.
type STTConfig struct {
	MaxTokens int `yaml:"max_tokens"`
}

// GenerationConfig holds the default sampling policy. Unset fields take
// [generate.DefaultSampling]; Temperature is a pointer so that 0 (greedy)
// can be chosen explicitly.
type GenerationConfig struct {
	Temperature       *float64 `yaml:"temperature"`
	TopK              int      `yaml:"top_k"`
	TopP              float64  `yaml:"top_p"`
	Seed              uint64   `yaml:"seed"`
	RepetitionPenalty float64  `yaml:"repetition_penalty"`
	MaxTokens         int      `yaml:"max_tokens"`
	StopStrings       []string `yaml:"stop_strings"`
}

// Sampling returns the effective sampling policy.
func (g GenerationConfig) Sampling() generate.Sampling {
	s := generate.DefaultSampling()
	if g.Temperature != nil {
		s.Temperature = *g.Temperature
	}
	if g.TopK != 0 {
		s.TopK = g.TopK
	}
	if g.TopP != 0 {
		s.TopP = g.TopP
	}
	if g.RepetitionPenalty != 0 {
		s.RepetitionPenalty = g.RepetitionPenalty
	}
	if g.MaxTokens != 0 {
		s.MaxTokens = g.MaxTokens
	}
	s.Seed = g.Seed
	s.StopStrings = append([]string(nil), g.StopStrings...)
	return s
}

// AssistantConfig describes the persona and the reply behaviour.
type AssistantConfig struct {
	Name    string `yaml:"name"`
	Persona string `yaml:"persona"`

	// Instructions replace the default instruction list when set.
	Instructions []string `yaml:"instructions"`

	EndKeyword string `yaml:"end_keyword"`

	// AutoRespond starts a generation for every final transcript.
	AutoRespond bool `yaml:"auto_respond"`
}

// Prompt builds the prompt persona offering tools.
func (a AssistantConfig) Prompt(tools []string) prompt.Assistant {
	return prompt.Assistant{
		Name:         a.Name,
		Persona:      a.Persona,
		Instructions: a.Instructions,
		EndKeyword:   a.EndKeyword,
		Tools:        tools,
	}
}

// ToolsConfig configures tool execution.
type ToolsConfig struct {
	// DisableBuiltins turns off the clock and dice tools.
	DisableBuiltins bool `yaml:"disable_builtins"`

	// CallTimeoutMs bounds a single tool call. 0 keeps the host default.
	CallTimeoutMs int `yaml:"call_timeout_ms"`

	// Servers are MCP tool servers connected at startup.
	Servers []toolexec.ServerConfig `yaml:"servers"`
}

// CallTimeout returns CallTimeoutMs as a duration.
func (t ToolsConfig) CallTimeout() time.Duration {
	return time.Duration(t.CallTimeoutMs) * time.Millisecond
}

// VoiceCommandsConfig configures spoken control phrases.
type VoiceCommandsConfig struct {
	Disabled bool `yaml:"disabled"`

	// Phrases replace the default phrase list when set.
	Phrases []voicecmd.Phrase `yaml:"phrases"`

	// Similarity is the Jaro-Winkler threshold for a fuzzy word match.
	Similarity float64 `yaml:"similarity"`
}

// EffectivePhrases returns Phrases or the defaults.
func (v VoiceCommandsConfig) EffectivePhrases() []voicecmd.Phrase {
	if v.Disabled {
		return nil
	}
	if len(v.Phrases) == 0 {
		return voicecmd.DefaultPhrases()
	}
	return v.Phrases
}
