package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/generate"
	"github.com/MrWong99/murmur/internal/segment"
	"github.com/MrWong99/murmur/internal/stt"
	"github.com/MrWong99/murmur/internal/toolexec"
	"github.com/MrWong99/murmur/internal/vad"
	"github.com/MrWong99/murmur/internal/voicecmd"
	"github.com/MrWong99/murmur/pkg/model"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sha = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
  allowed_origins: ["localhost:*"]

audio:
  backend: wav
  device: testdata/hello.wav
  sample_rate: 48000
  channels: 2
  high_quality: true

vad:
  activation_db: -35
  release_db: -45
  attack_ms: 40
  max_segment_ms: 15000

cache:
  dir: /var/cache/murmur
  max_bytes: 4000000000
  keep_versions: 2
  memory_budget_mb: 4096

models:
  - id: whisper-tiny.en
    version: "2024-01"
    family: whisper
    variant: tiny
    role: stt
    quantization: q4_0
    url: https://models.example.com/whisper-tiny.en.q4
    mirrors: [https://mirror.example.com/whisper-tiny.en.q4]
    size: 78000000
    sha256: ` + sha + `
  - id: phi-2
    version: "1"
    family: phi
    variant: 2.7b
    role: llm
    quantization: q4_0
    url: https://models.example.com/phi-2.q4
    size: 1600000000
    sha256: ` + sha + `

stt:
  max_tokens: 128

generation:
  temperature: 0
  max_tokens: 64
  stop_strings: ["\nUser:"]

assistant:
  name: Juniper
  instructions: ["Answer in one sentence."]
  auto_respond: true

tools:
  call_timeout_ms: 2000
  servers:
    - name: files
      command: mcp-files --root /tmp
    - name: weather
      transport: streamable-http
      url: http://localhost:9000/mcp

voice_commands:
  phrases:
    - text: halt
      action: cancel
  similarity: 0.9
`

func load(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg := load(t, sampleYAML)

	if cfg.Server.ListenAddr != ":8080" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Audio.Backend != "wav" || cfg.Audio.SampleRate != 48000 || cfg.Audio.Channels != 2 || !cfg.Audio.HighQuality {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Audio.FrameDuration() != 20*time.Millisecond {
		t.Errorf("frame duration = %v, want default 20ms", cfg.Audio.FrameDuration())
	}

	det := cfg.VAD.Detector()
	if det.ActivationDB != -35 || det.Attack != 40*time.Millisecond {
		t.Errorf("vad = %+v", det)
	}
	if det.Release != vad.DefaultConfig().Release {
		t.Errorf("release = %v, want the default", det.Release)
	}
	if cfg.VAD.MaxSegment() != 15*time.Second {
		t.Errorf("max segment = %v", cfg.VAD.MaxSegment())
	}

	if len(cfg.Models) != 2 || cfg.Models[0].Role != model.RoleSTT || cfg.Models[1].Role != model.RoleLLM {
		t.Fatalf("models = %+v", cfg.Models)
	}
	if cfg.Models[0].Quantization != model.Q4_0 || len(cfg.Models[0].Mirrors) != 1 {
		t.Errorf("stt model = %+v", cfg.Models[0])
	}

	s := cfg.Generation.Sampling()
	if s.Temperature != 0 || s.MaxTokens != 64 || s.TopK != generate.DefaultSampling().TopK {
		t.Errorf("sampling = %+v", s)
	}
	if len(s.StopStrings) != 1 || s.StopStrings[0] != "\nUser:" {
		t.Errorf("stop strings = %q", s.StopStrings)
	}

	if !cfg.Assistant.AutoRespond {
		t.Error("auto_respond not set")
	}
	a := cfg.Assistant.Prompt([]string{"clock"})
	if a.Name != "Juniper" || len(a.Tools) != 1 || a.Keyword() != "CONVERSATION_ENDED" {
		t.Errorf("assistant = %+v", a)
	}

	if got := cfg.Tools.Servers[0].Transport; got != toolexec.TransportStdio {
		t.Errorf("default transport = %q, want stdio", got)
	}
	if cfg.Tools.CallTimeout() != 2*time.Second {
		t.Errorf("call timeout = %v", cfg.Tools.CallTimeout())
	}

	phrases := cfg.VoiceCommands.EffectivePhrases()
	if len(phrases) != 1 || phrases[0].Action != voicecmd.ActionCancel {
		t.Errorf("phrases = %+v", phrases)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg := load(t, "")

	if cfg.Server.ListenAddr != config.DefaultListenAddr || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Audio.Backend != "mic" || cfg.Audio.SampleRate != 16000 || cfg.Audio.Channels != 1 || cfg.Audio.RingCapacity != 500 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.VAD.Detector() != vad.DefaultConfig() {
		t.Errorf("vad = %+v, want defaults", cfg.VAD.Detector())
	}
	if cfg.VAD.MaxSegment() != segment.DefaultMaxDuration {
		t.Errorf("max segment = %v", cfg.VAD.MaxSegment())
	}
	if cfg.Cache.Dir == "" {
		t.Error("cache dir not defaulted")
	}
	if cfg.STT.MaxTokens != stt.DefaultMaxTokens {
		t.Errorf("stt max tokens = %d", cfg.STT.MaxTokens)
	}
	if s := cfg.Generation.Sampling(); s.Temperature != generate.DefaultSampling().Temperature {
		t.Errorf("temperature = %v, want default", s.Temperature)
	}
	if len(cfg.VoiceCommands.EffectivePhrases()) != len(voicecmd.DefaultPhrases()) {
		t.Error("default stop phrases not used")
	}
}

func TestLoadFromReader_InMemoryCacheHasNoDir(t *testing.T) {
	t.Parallel()
	cfg := load(t, "cache:\n  in_memory: true\n")
	if cfg.Cache.Dir != "" {
		t.Errorf("dir = %q, want empty for in-memory cache", cfg.Cache.Dir)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen: 1\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name:    "bad log level",
			yaml:    "server:\n  log_level: loud\n",
			wantErr: []string{"server.log_level"},
		},
		{
			name:    "tls without key",
			yaml:    "server:\n  tls:\n    cert_file: a.pem\n",
			wantErr: []string{"server.tls"},
		},
		{
			name:    "audio ranges",
			yaml:    "audio:\n  sample_rate: 100\n  channels: 9\n  frame_ms: 500\n",
			wantErr: []string{"audio.sample_rate", "audio.channels", "audio.frame_ms"},
		},
		{
			name:    "wav without file",
			yaml:    "audio:\n  backend: wav\n",
			wantErr: []string{"audio.device"},
		},
		{
			name:    "release above activation",
			yaml:    "vad:\n  activation_db: -50\n  release_db: -30\n",
			wantErr: []string{"vad:"},
		},
		{
			name:    "invalid model",
			yaml:    "models:\n  - id: x\n",
			wantErr: []string{"models[0]", "version is required", "role", "sha256"},
		},
		{
			name: "memory budget",
			yaml: `
cache:
  memory_budget_mb: 100
models:
  - {id: phi-2, version: "1", role: llm, quantization: q4_0, url: "https://x/phi", size: 1, sha256: ` + sha + `}
`,
			wantErr: []string{"cache.memory_budget_mb"},
		},
		{
			name: "duplicate model",
			yaml: `
models:
  - {id: phi-2, version: "1", role: llm, quantization: q4_0, url: "https://x/a", size: 1, sha256: ` + sha + `}
  - {id: phi-2, version: "1", role: llm, quantization: q4_0, url: "https://x/b", size: 1, sha256: ` + sha + `}
`,
			wantErr: []string{"duplicate of models[0]"},
		},
		{
			name:    "sampling",
			yaml:    "generation:\n  top_p: 2\n  temperature: -1\n",
			wantErr: []string{"generation:", "top_p", "temperature"},
		},
		{
			name:    "tool server",
			yaml:    "tools:\n  servers:\n    - name: web\n      transport: streamable-http\n    - name: web\n      command: x\n",
			wantErr: []string{"tools.servers[0]", "requires a url", "duplicate of tools.servers[0]"},
		},
		{
			name:    "voice phrase",
			yaml:    "voice_commands:\n  phrases:\n    - text: ''\n      action: explode\n  similarity: 3\n",
			wantErr: []string{"phrases[0].text", "phrases[0].action", "voice_commands.similarity"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected a validation error")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not mention %q", err, want)
				}
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/murmur.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
