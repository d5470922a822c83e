package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/murmur/internal/worker"
	"github.com/MrWong99/murmur/pkg/fault"
)

// ErrUnknownCommand is returned by [DecodeCommand] for an unrecognised type.
var ErrUnknownCommand = errors.New("bridge: unknown command type")

// Envelope is the JSON frame exchanged with clients in both directions.
// ID is an optional client correlation id echoed in the ack.
type Envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Frame types the bridge itself sends.
const (
	TypeAck    = "ack"
	TypeReject = "reject"
)

// Ack confirms that a command was queued.
type Ack struct {
	Command string `json:"command"`
}

// Reject reports a frame the bridge could not queue.
type Reject struct {
	Kind    fault.Kind `json:"kind"`
	Message string     `json:"message"`
}

// DecodeCommand converts a client envelope into a coordinator command.
func DecodeCommand(env Envelope) (worker.Command, error) {
	var cmd worker.Command
	switch env.Type {
	case worker.StartListening{}.CommandType():
		cmd = worker.StartListening{}
	case worker.StopListening{}.CommandType():
		cmd = worker.StopListening{}
	case worker.CancelGeneration{}.CommandType():
		cmd = worker.CancelGeneration{}
	case worker.Generate{}.CommandType():
		var g worker.Generate
		if err := unmarshalData(env, &g); err != nil {
			return nil, err
		}
		if len(g.Messages) == 0 && len(g.Tokens) == 0 {
			return nil, errors.New("bridge: generate: messages or tokens required")
		}
		cmd = g
	case worker.LoadModel{}.CommandType():
		var l worker.LoadModel
		if err := unmarshalData(env, &l); err != nil {
			return nil, err
		}
		cmd = l
	case worker.UnloadModel{}.CommandType():
		var u worker.UnloadModel
		if err := unmarshalData(env, &u); err != nil {
			return nil, err
		}
		cmd = u
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownCommand, env.Type)
	}
	return cmd, nil
}

func unmarshalData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("bridge: %s: missing data", env.Type)
	}
	dec := json.NewDecoder(bytes.NewReader(env.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("bridge: %s: %w", env.Type, err)
	}
	return nil
}

// errorFrame adds the cause text that error events do not serialise.
type errorFrame struct {
	worker.Error
	Message string `json:"message"`
}

type loadErrorFrame struct {
	worker.ModelLoadError
	Message string `json:"message"`
}

// EncodeEvent converts a coordinator event into an envelope.
func EncodeEvent(e worker.Event) (Envelope, error) {
	var payload any = e
	switch v := e.(type) {
	case worker.Error:
		payload = errorFrame{Error: v, Message: errText(v.Err)}
	case worker.ModelLoadError:
		payload = loadErrorFrame{ModelLoadError: v, Message: errText(v.Err)}
	}
	return newEnvelope(e.EventType(), "", payload)
}

func newEnvelope(typ, id string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("bridge: encode %s: %w", typ, err)
	}
	return Envelope{Type: typ, ID: id, Data: data}, nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
