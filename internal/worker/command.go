package worker

import (
	"time"

	"github.com/MrWong99/murmur/internal/generate"
	"github.com/MrWong99/murmur/internal/prompt"
	"github.com/MrWong99/murmur/internal/voicecmd"
	"github.com/MrWong99/murmur/pkg/fault"
	"github.com/MrWong99/murmur/pkg/model"
)

// ── Commands ────────────────────────────────────────────────────────────────

// Command is a request to the coordinator. The concrete types below are the
// only implementations.
type Command interface {
	// CommandType returns the stable wire name of the command.
	CommandType() string
}

// StartListening opens the capture device and begins VAD-gated
// transcription.
type StartListening struct{}

// StopListening closes the capture device. An utterance in progress is cut
// and still transcribed.
type StopListening struct{}

// Generate starts a generation turn. Tokens, when set, are used verbatim;
// otherwise Messages are rendered with the chat template after the system
// prompt. A nil Sampling uses the configured defaults.
type Generate struct {
	ID       string             `json:"id,omitempty"`
	Messages []prompt.Message   `json:"messages,omitempty"`
	Tokens   []int              `json:"tokens,omitempty"`
	Sampling *generate.Sampling `json:"sampling,omitempty"`
}

// CancelGeneration cancels the running generation, if any.
type CancelGeneration struct{}

// LoadModel downloads (if needed) and loads a model into the slot of its
// role, replacing the resident one.
type LoadModel struct {
	Descriptor model.Descriptor `json:"descriptor"`
}

// UnloadModel empties the slot of a role.
type UnloadModel struct {
	Role model.Role `json:"role"`
}

func (StartListening) CommandType() string   { return "start_listening" }
func (StopListening) CommandType() string    { return "stop_listening" }
func (Generate) CommandType() string         { return "generate" }
func (CancelGeneration) CommandType() string { return "cancel_generation" }
func (LoadModel) CommandType() string        { return "load_model" }
func (UnloadModel) CommandType() string      { return "unload_model" }

// ── Events ──────────────────────────────────────────────────────────────────

// Event is a notification from the coordinator.
type Event interface {
	// EventType returns the stable wire name of the event.
	EventType() string
}

// ListeningChanged reports that capture started or stopped.
type ListeningChanged struct {
	Listening bool `json:"listening"`
}

// SpeechActivity reports a voice activity transition.
type SpeechActivity struct {
	State string        `json:"state"`
	At    time.Duration `json:"at"`
}

// TranscriptPartial carries one decoded token of a segment.
type TranscriptPartial struct {
	SegmentID string `json:"segment_id"`
	Delta     string `json:"delta"`
	Index     int    `json:"index"`
}

// TranscriptFinal carries the full transcript of a segment.
type TranscriptFinal struct {
	SegmentID string        `json:"segment_id"`
	Text      string        `json:"text"`
	Duration  time.Duration `json:"duration"`
}

// VoiceCommand reports a transcript recognised as a control phrase. It
// replaces the automatic reply for that transcript.
type VoiceCommand struct {
	SegmentID string          `json:"segment_id"`
	Text      string          `json:"text"`
	Action    voicecmd.Action `json:"action"`
}

// TokenDelta carries visible generated text.
type TokenDelta struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Index int    `json:"index"`
}

// ToolCallStarted reports that the model requested a tool.
type ToolCallStarted struct {
	ID      string                   `json:"id"`
	Request generate.ToolCallRequest `json:"request"`
}

// ToolCallFinished reports the result injected back into the generation.
type ToolCallFinished struct {
	ID     string                  `json:"id"`
	Result generate.ToolCallResult `json:"result"`
}

// GenerationComplete ends a generation turn.
type GenerationComplete struct {
	ID     string                `json:"id"`
	Reason generate.FinishReason `json:"reason"`
	Text   string                `json:"text"`
	Tokens int                   `json:"tokens"`

	// ConversationEnded is set when the reply carried the assistant's
	// end-of-conversation keyword. Text has it stripped.
	ConversationEnded bool `json:"conversation_ended"`
}

// ModelLoadProgress reports download progress. Received never decreases
// for one load.
type ModelLoadProgress struct {
	Role     model.Role `json:"role"`
	Key      model.Key  `json:"key"`
	Received int64      `json:"received"`
	Total    int64      `json:"total"`
	Percent  float64    `json:"percent"`
}

// ModelLoaded reports a resident model.
type ModelLoaded struct {
	Descriptor model.Descriptor `json:"descriptor"`
	Bytes      int64            `json:"bytes"`
}

// ModelUnloaded reports an emptied slot. Key is zero when the slot was
// already empty.
type ModelUnloaded struct {
	Role model.Role `json:"role"`
	Key  model.Key  `json:"key"`
}

// ModelLoadError reports a failed LoadModel.
type ModelLoadError struct {
	Role model.Role `json:"role"`
	Key  model.Key  `json:"key"`
	Kind fault.Kind `json:"kind"`
	Err  error      `json:"-"`
}

// Error reports a failure outside model loading. Command names the command
// type that failed, if any.
type Error struct {
	Kind    fault.Kind `json:"kind"`
	Command string     `json:"command,omitempty"`
	Err     error      `json:"-"`
}

func (ListeningChanged) EventType() string   { return "listening_changed" }
func (SpeechActivity) EventType() string     { return "speech_activity" }
func (TranscriptPartial) EventType() string  { return "transcript_partial" }
func (TranscriptFinal) EventType() string    { return "transcript_final" }
func (VoiceCommand) EventType() string       { return "voice_command" }
func (TokenDelta) EventType() string         { return "token_delta" }
func (ToolCallStarted) EventType() string    { return "tool_call_started" }
func (ToolCallFinished) EventType() string   { return "tool_call_finished" }
func (GenerationComplete) EventType() string { return "generation_complete" }
func (ModelLoadProgress) EventType() string  { return "model_load_progress" }
func (ModelLoaded) EventType() string        { return "model_loaded" }
func (ModelUnloaded) EventType() string      { return "model_unloaded" }
func (ModelLoadError) EventType() string     { return "model_load_error" }
func (Error) EventType() string              { return "error" }

func (e ModelLoadError) Error() string { return e.Err.Error() }
func (e Error) Error() string          { return e.Err.Error() }

// Unwrap returns the cause.
func (e ModelLoadError) Unwrap() error { return e.Err }

// Unwrap returns the cause.
func (e Error) Unwrap() error { return e.Err }

// ── Status ──────────────────────────────────────────────────────────────────

// ModelState is the lifecycle state of one role's slot.
type ModelState string

const (
	ModelIdle    ModelState = "idle"
	ModelLoading ModelState = "loading"
	ModelReady   ModelState = "ready"
)

// RoleStatus describes one slot.
type RoleStatus struct {
	State ModelState `json:"state"`

	// Key is the resident model, or the one being loaded.
	Key model.Key `json:"key"`
}

// Status is a snapshot of the coordinator.
type Status struct {
	Listening    bool                      `json:"listening"`
	Transcribing bool                      `json:"transcribing"`
	Generating   bool                      `json:"generating"`
	Pending      int                       `json:"pending_segments"`
	Models       map[model.Role]RoleStatus `json:"models"`
	Dropped      uint64                    `json:"dropped_frames"`
}
