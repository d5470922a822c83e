package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/murmur/internal/app"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/modelcache"
	"github.com/MrWong99/murmur/internal/modeltest"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/model"
)

func openModels(t *testing.T, cfg config.CacheConfig, src modelcache.Source) *app.Models {
	t.Helper()
	cfg.InMemory = true
	cfg.Dir = ""
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 4096
	}
	m, err := app.OpenModels(cfg, modelcache.WithSource(src))
	if err != nil {
		t.Fatalf("OpenModels: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestFetchReportsProgressAndLists(t *testing.T) {
	t.Parallel()

	src, sttDesc, llmDesc := blobs(t, "hi")
	m := openModels(t, config.CacheConfig{}, src)

	last := map[model.Key]int64{}
	err := m.Fetch(context.Background(), []model.Descriptor{sttDesc}, func(d model.Descriptor, p modelcache.Progress) {
		if p.Received < last[d.Key()] {
			t.Errorf("%s progress went backwards", d.Key())
		}
		last[d.Key()] = p.Received
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if last[sttDesc.Key()] != sttDesc.Size {
		t.Errorf("final progress = %d, want %d", last[sttDesc.Key()], sttDesc.Size)
	}

	rows, err := m.List([]model.Descriptor{sttDesc, llmDesc})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("List returned %d rows, want 2", len(rows))
	}
	want := map[model.Key]modelcache.Status{
		sttDesc.Key(): modelcache.StatusCached,
		llmDesc.Key(): modelcache.StatusNotCached,
	}
	for _, r := range rows {
		if r.Status != want[r.Descriptor.Key()] {
			t.Errorf("%s status = %s, want %s", r.Descriptor.Key(), r.Status, want[r.Descriptor.Key()])
		}
		if r.Known {
			t.Errorf("%s should not be in the catalog", r.Descriptor.ID)
		}
	}
}

func TestFetchJoinsFailures(t *testing.T) {
	t.Parallel()

	src, sttDesc, _ := blobs(t, "hi")
	m := openModels(t, config.CacheConfig{Retries: 1, RetryDelayMs: 1}, src)

	ghost := modeltest.Descriptor("ghost", model.RoleLLM, []byte("never served"))
	err := m.Fetch(context.Background(), []model.Descriptor{ghost, sttDesc}, nil)
	if err == nil {
		t.Fatal("Fetch succeeded with an unserved model")
	}
	if e, _ := m.Cache.Entry(sttDesc.Key()); e.Status != modelcache.StatusCached {
		t.Errorf("served model status = %s, want cached", e.Status)
	}
}

func TestMaintainPrunesAndEvicts(t *testing.T) {
	t.Parallel()

	src := modeltest.NewSource()
	v1 := modeltest.Descriptor("whisper-synthetic", model.RoleSTT, modeltest.STTBlob(t, "one"))
	v2data := modeltest.STTBlob(t, "two")
	v2 := modeltest.Descriptor("whisper-synthetic", model.RoleSTT, v2data)
	v2.Version = "2"
	v2.URL += "-v2"
	src.Serve(v1.URL, modeltest.STTBlob(t, "one"))
	src.Serve(v2.URL, v2data)
	other := modeltest.Descriptor("llama-scripted", model.RoleLLM, modeltest.LLMBlob(t, modeltest.Reply("x")))
	src.Serve(other.URL, modeltest.LLMBlob(t, modeltest.Reply("x")))

	m := openModels(t, config.CacheConfig{KeepVersions: 1}, src)
	ctx := context.Background()
	for _, d := range []model.Descriptor{v1, other} {
		if _, err := m.Cache.EnsureCached(ctx, d, nil); err != nil {
			t.Fatalf("EnsureCached %s: %v", d.Key(), err)
		}
	}
	// Versions orders by cache time.
	time.Sleep(5 * time.Millisecond)
	if _, err := m.Cache.EnsureCached(ctx, v2, nil); err != nil {
		t.Fatalf("EnsureCached v2: %v", err)
	}

	evicted, err := m.Maintain([]model.Descriptor{v2, other})
	if err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != v1.Key() {
		t.Errorf("evicted = %v, want [%s]", evicted, v1.Key())
	}
	if e, _ := m.Cache.Entry(v2.Key()); e.Status != modelcache.StatusCached {
		t.Errorf("v2 status = %s, want cached", e.Status)
	}
}

func TestMaintainEvictsToBudget(t *testing.T) {
	t.Parallel()

	src, sttDesc, llmDesc := blobs(t, "hi")
	m := openModels(t, config.CacheConfig{MaxBytes: 1}, src)
	if err := m.Fetch(context.Background(), []model.Descriptor{sttDesc, llmDesc}, nil); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	total, err := m.Cache.TotalBytes()
	if err != nil {
		t.Fatalf("TotalBytes: %v", err)
	}
	if total != 0 {
		t.Errorf("total after budget eviction = %d, want 0", total)
	}
}

func TestNewRegistryBackends(t *testing.T) {
	t.Parallel()

	reg := app.NewRegistry()
	got := reg.Backends()
	want := []string{app.BackendMic, app.BackendTone, app.BackendWAV}
	if len(got) != len(want) {
		t.Fatalf("Backends = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Backends[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if _, err := reg.CreateDevice(config.AudioConfig{Backend: app.BackendWAV}); err == nil {
		t.Error("wav backend without a device should fail")
	}

	d, err := reg.CreateDevice(config.AudioConfig{Backend: app.BackendTone, SampleRate: 16000, Channels: 1, FrameMs: 20})
	if err != nil {
		t.Fatalf("CreateDevice(tone): %v", err)
	}
	src, err := d.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()
	if f := src.Format(); f != (audio.Format{SampleRate: 16000, Channels: 1}) {
		t.Errorf("format = %v", f)
	}
}
