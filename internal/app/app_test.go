package app_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/murmur/internal/app"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/modeltest"
	"github.com/MrWong99/murmur/internal/prompt"
	"github.com/MrWong99/murmur/internal/voicecmd"
	"github.com/MrWong99/murmur/internal/worker"
	"github.com/MrWong99/murmur/pkg/model"
)

// testConfig returns an in-memory config with the tone capture backend and
// greedy sampling.
func testConfig(descs ...model.Descriptor) *config.Config {
	cfg := config.Default()
	cfg.Cache.InMemory = true
	cfg.Cache.Dir = ""
	cfg.Cache.RetryDelayMs = 1
	cfg.Audio.Backend = app.BackendTone
	zero := 0.0
	cfg.Generation.Temperature = &zero
	cfg.Generation.MaxTokens = 128
	cfg.Models = descs
	return cfg
}

func blobs(t *testing.T, reply string) (*modeltest.Source, model.Descriptor, model.Descriptor) {
	t.Helper()
	src := modeltest.NewSource()
	sttData := modeltest.STTBlob(t, modeltest.Phrase)
	llmData := modeltest.LLMBlob(t, modeltest.Reply(reply))
	sttDesc := modeltest.Descriptor("whisper-synthetic", model.RoleSTT, sttData)
	llmDesc := modeltest.Descriptor("llama-scripted", model.RoleLLM, llmData)
	src.Serve(sttDesc.URL, sttData)
	src.Serve(llmDesc.URL, llmData)
	return src, sttDesc, llmDesc
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return a
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()

	src, sttDesc, _ := blobs(t, "hi")
	a := newApp(t, testConfig(sttDesc), app.WithSource(src))
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/healthz", http.StatusOK, `"ok"`},
		{"/readyz", http.StatusServiceUnavailable, "stt idle"},
		{"/status", http.StatusOK, `"listening":false`},
		{"/metrics", http.StatusOK, ""},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			code, body := get(t, srv.URL+tc.path)
			if code != tc.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", code, tc.wantStatus, body)
			}
			if !strings.Contains(body, tc.wantBody) {
				t.Errorf("body = %s, want it to contain %s", body, tc.wantBody)
			}
		})
	}
}

func TestNewFailsOnUnknownBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Audio.Backend = "carrier-pigeon"
	_, err := app.New(context.Background(), cfg)
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Fatalf("New = %v, want ErrBackendNotRegistered", err)
	}
}

func TestNewRegistersBuiltinTools(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	if got := a.Tools().Names(); len(got) == 0 {
		t.Fatal("no built-in tools registered")
	}

	cfg := testConfig()
	cfg.Tools.DisableBuiltins = true
	b := newApp(t, cfg)
	if got := b.Tools().Names(); len(got) != 0 {
		t.Errorf("tools = %v, want none", got)
	}
}

func TestDriveTranscribeThenGenerate(t *testing.T) {
	t.Parallel()

	src, sttDesc, llmDesc := blobs(t, "It is noon.")
	a := newApp(t, testConfig(sttDesc, llmDesc), app.WithSource(src))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var finals []string
	var reply worker.GenerationComplete
	err := a.Drive(ctx, func(ctx context.Context, d *app.Driver) error {
		progress := 0
		if err := d.Load(ctx, sttDesc, func(worker.ModelLoadProgress) { progress++ }); err != nil {
			return err
		}
		if progress == 0 {
			t.Error("no progress reported while loading")
		}
		if err := d.Load(ctx, llmDesc, nil); err != nil {
			return err
		}
		if err := d.Transcribe(ctx, func(f worker.TranscriptFinal) { finals = append(finals, f.Text) }); err != nil {
			return err
		}
		var err error
		var deltas strings.Builder
		reply, err = d.Generate(ctx, []prompt.Message{{Role: prompt.RoleUser, Content: finals[0]}},
			func(td worker.TokenDelta) { deltas.WriteString(td.Text) }, nil)
		if err != nil {
			return err
		}
		if deltas.String() != reply.Text {
			t.Errorf("deltas %q != reply %q", deltas.String(), reply.Text)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if len(finals) != 1 || finals[0] != modeltest.Phrase {
		t.Errorf("finals = %q, want [%q]", finals, modeltest.Phrase)
	}
	if reply.Text != "It is noon." {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestDriveLoadFailure(t *testing.T) {
	t.Parallel()

	_, sttDesc, _ := blobs(t, "hi")
	a := newApp(t, testConfig(), app.WithSource(modeltest.NewSource()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.Drive(ctx, func(ctx context.Context, d *app.Driver) error {
		return d.Load(ctx, sttDesc, nil)
	})
	var le worker.ModelLoadError
	if !errors.As(err, &le) {
		t.Fatalf("Drive = %v, want ModelLoadError", err)
	}
}

func TestRunLoadsStartupModels(t *testing.T) {
	t.Parallel()

	src, sttDesc, llmDesc := blobs(t, "hi")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a := newApp(t, testConfig(sttDesc, llmDesc), app.WithSource(src), app.WithListener(ln))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	url := "http://" + ln.Addr().String() + "/readyz"
	deadline := time.Now().Add(10 * time.Second)
	for {
		code, body := get(t, url)
		if code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never ready: %s", body)
		}
		time.Sleep(20 * time.Millisecond)
	}

	st := a.Coordinator().Status()
	for _, role := range []model.Role{model.RoleSTT, model.RoleLLM} {
		if st.Models[role].State != worker.ModelReady {
			t.Errorf("%s state = %s, want ready", role, st.Models[role].State)
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestApplyHotReload(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	old := testConfig()
	a := newApp(t, old, app.WithLogLevel(&level))

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.VoiceCommands.Phrases = []voicecmd.Phrase{{Text: "halt", Action: voicecmd.ActionCancel}}
	next.Cache.MaxBytes = 1 << 30

	diff := config.Diff(old, next)
	a.Apply(old, next, diff)

	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("level = %v, want debug", got)
	}
	phrases := a.Coordinator().Voice().Phrases()
	if len(phrases) != 1 || phrases[0].Text != "halt" {
		t.Errorf("phrases = %+v", phrases)
	}
	if len(diff.RestartRequired) != 1 || diff.RestartRequired[0] != "cache" {
		t.Errorf("restart required = %v, want [cache]", diff.RestartRequired)
	}
}

func TestStartupModelsFirstPerRole(t *testing.T) {
	t.Parallel()

	descs := []model.Descriptor{
		{ID: "a", Version: "1", Role: model.RoleSTT},
		{ID: "b", Version: "1", Role: model.RoleLLM},
		{ID: "c", Version: "1", Role: model.RoleSTT},
	}
	got := app.StartupModels(descs)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("StartupModels = %+v", got)
	}
}
