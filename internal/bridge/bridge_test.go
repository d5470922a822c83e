package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/murmur/internal/bridge"
	"github.com/MrWong99/murmur/internal/generate"
	"github.com/MrWong99/murmur/internal/prompt"
	"github.com/MrWong99/murmur/internal/worker"
	"github.com/MrWong99/murmur/pkg/fault"
	"github.com/MrWong99/murmur/pkg/model"
)

// ── Helpers ─────────────────────────────────────────────────────────────────

type fakeController struct {
	events  chan worker.Event
	sendErr error

	mu   sync.Mutex
	sent []worker.Command
}

func newFakeController() *fakeController {
	return &fakeController{events: make(chan worker.Event, 16)}
}

func (f *fakeController) Send(_ context.Context, cmd worker.Command) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeController) Events() <-chan worker.Event { return f.events }

func (f *fakeController) Status() worker.Status {
	return worker.Status{
		Listening: true,
		Models: map[model.Role]worker.RoleStatus{
			model.RoleLLM: {State: worker.ModelReady, Key: model.Key{ID: "phi-2", Version: "1"}},
		},
	}
}

func (f *fakeController) commands() []worker.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]worker.Command(nil), f.sent...)
}

func startBridge(t *testing.T, ctl *fakeController) (*bridge.Server, *httptest.Server) {
	t.Helper()
	srv := bridge.New(ctl)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		<-done
		hs.Close()
	})
	return srv, hs
}

func dial(t *testing.T, srv *bridge.Server, hs *httptest.Server) *websocket.Conn {
	t.Helper()
	before := srv.Clients()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	deadline := time.Now().Add(3 * time.Second)
	for srv.Clients() <= before {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) bridge.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env bridge.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return env
}

// ── Codec ───────────────────────────────────────────────────────────────────

func TestDecodeCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		env     bridge.Envelope
		want    worker.Command
		wantErr bool
	}{
		{name: "start", env: bridge.Envelope{Type: "start_listening"}, want: worker.StartListening{}},
		{name: "stop", env: bridge.Envelope{Type: "stop_listening"}, want: worker.StopListening{}},
		{name: "cancel", env: bridge.Envelope{Type: "cancel_generation"}, want: worker.CancelGeneration{}},
		{
			name: "unload",
			env:  bridge.Envelope{Type: "unload_model", Data: json.RawMessage(`{"role":"llm"}`)},
			want: worker.UnloadModel{Role: model.RoleLLM},
		},
		{name: "unknown type", env: bridge.Envelope{Type: "reboot"}, wantErr: true},
		{name: "missing data", env: bridge.Envelope{Type: "unload_model"}, wantErr: true},
		{name: "bad role", env: bridge.Envelope{Type: "unload_model", Data: json.RawMessage(`{"role":"tts"}`)}, wantErr: true},
		{name: "unknown field", env: bridge.Envelope{Type: "unload_model", Data: json.RawMessage(`{"role":"llm","x":1}`)}, wantErr: true},
		{name: "empty generate", env: bridge.Envelope{Type: "generate", Data: json.RawMessage(`{"id":"g"}`)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := bridge.DecodeCommand(tt.env)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeGenerate(t *testing.T) {
	t.Parallel()

	env := bridge.Envelope{Type: "generate", Data: json.RawMessage(
		`{"id":"g1","messages":[{"role":"user","content":"hello"}],"sampling":{"temperature":0,"max_tokens":16}}`)}
	cmd, err := bridge.DecodeCommand(env)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	g, ok := cmd.(worker.Generate)
	if !ok {
		t.Fatalf("got %T", cmd)
	}
	if g.ID != "g1" || len(g.Messages) != 1 || g.Messages[0].Role != prompt.RoleUser || g.Messages[0].Content != "hello" {
		t.Errorf("generate = %+v", g)
	}
	if g.Sampling == nil || g.Sampling.MaxTokens != 16 {
		t.Errorf("sampling = %+v", g.Sampling)
	}
}

func TestEncodeErrorEventCarriesMessage(t *testing.T) {
	t.Parallel()

	env, err := bridge.EncodeEvent(worker.Error{
		Kind:    fault.KindBusy,
		Command: "generate",
		Err:     generate.ErrBusy,
	})
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	var got struct {
		Kind    string `json:"kind"`
		Command string `json:"command"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatal(err)
	}
	if env.Type != "error" || got.Kind != "busy" || got.Command != "generate" || got.Message != generate.ErrBusy.Error() {
		t.Errorf("envelope %s %s", env.Type, env.Data)
	}
}

func TestEncodeModelLoaded(t *testing.T) {
	t.Parallel()

	env, err := bridge.EncodeEvent(worker.ModelUnloaded{Role: model.RoleSTT, Key: model.Key{ID: "whisper-tiny.en", Version: "1"}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"role":"stt","key":{"id":"whisper-tiny.en","version":"1"}}`
	if env.Type != "model_unloaded" || string(env.Data) != want {
		t.Errorf("got %s %s, want %s", env.Type, env.Data, want)
	}
}

// ── Server ──────────────────────────────────────────────────────────────────

func TestCommandIsForwardedAndAcked(t *testing.T) {
	t.Parallel()

	ctl := newFakeController()
	srv, hs := startBridge(t, ctl)
	conn := dial(t, srv, hs)

	writeJSON(t, conn, bridge.Envelope{
		Type: "generate",
		ID:   "req-1",
		Data: json.RawMessage(`{"messages":[{"role":"user","content":"hi"}]}`),
	})
	ack := readEnvelope(t, conn)
	if ack.Type != bridge.TypeAck || ack.ID != "req-1" {
		t.Fatalf("reply = %+v", ack)
	}
	cmds := ctl.commands()
	if len(cmds) != 1 || cmds[0].CommandType() != "generate" {
		t.Errorf("forwarded %v", cmds)
	}
}

func TestInvalidFrameIsRejected(t *testing.T) {
	t.Parallel()

	ctl := newFakeController()
	srv, hs := startBridge(t, ctl)
	conn := dial(t, srv, hs)

	writeJSON(t, conn, bridge.Envelope{Type: "self_destruct", ID: "x"})
	rej := readEnvelope(t, conn)
	if rej.Type != bridge.TypeReject || rej.ID != "x" {
		t.Fatalf("reply = %+v", rej)
	}
	if len(ctl.commands()) != 0 {
		t.Error("rejected frame reached the coordinator")
	}
}

func TestSendFailureIsRejectedWithKind(t *testing.T) {
	t.Parallel()

	ctl := newFakeController()
	ctl.sendErr = errors.Join(worker.ErrStopped, fault.ErrInference)
	srv, hs := startBridge(t, ctl)
	conn := dial(t, srv, hs)

	writeJSON(t, conn, bridge.Envelope{Type: "cancel_generation"})
	env := readEnvelope(t, conn)
	var rej bridge.Reject
	if err := json.Unmarshal(env.Data, &rej); err != nil {
		t.Fatal(err)
	}
	if env.Type != bridge.TypeReject || rej.Kind != fault.KindInference {
		t.Errorf("reply %s %s", env.Type, env.Data)
	}
}

func TestEventsBroadcastToAllClients(t *testing.T) {
	t.Parallel()

	ctl := newFakeController()
	srv, hs := startBridge(t, ctl)
	a := dial(t, srv, hs)
	b := dial(t, srv, hs)

	ctl.events <- worker.TokenDelta{ID: "g1", Text: "hel", Index: 0}
	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		env := readEnvelope(t, conn)
		var d worker.TokenDelta
		if err := json.Unmarshal(env.Data, &d); err != nil {
			t.Fatal(err)
		}
		if env.Type != "token_delta" || d.Text != "hel" || d.ID != "g1" {
			t.Errorf("client %s got %s %s", name, env.Type, env.Data)
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	_, hs := startBridge(t, newFakeController())
	resp, err := http.Get(hs.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code %d", resp.StatusCode)
	}
	var st struct {
		Listening bool `json:"listening"`
		Models    map[string]struct {
			State string `json:"state"`
			Key   struct {
				ID string `json:"id"`
			} `json:"key"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if !st.Listening || st.Models["llm"].State != "ready" || st.Models["llm"].Key.ID != "phi-2" {
		t.Errorf("status = %+v", st)
	}
}

func TestShutdownClosesClients(t *testing.T) {
	t.Parallel()

	ctl := newFakeController()
	srv := bridge.New(ctl)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()
	conn := dial(t, srv, hs)

	cancel()
	<-done
	rctx, rcancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer rcancel()
	_, _, err := conn.Read(rctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
		t.Errorf("close status = %v (%v), want going away", status, err)
	}
}
