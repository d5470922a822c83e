package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/murmur/internal/prompt"
	"github.com/MrWong99/murmur/internal/worker"
	"github.com/MrWong99/murmur/pkg/model"
)

// idlePoll is how often a [Driver] checks the coordinator status while it
// waits for queued segments to finish.
const idlePoll = 20 * time.Millisecond

// Driver runs one command at a time against a coordinator and waits for its
// outcome. It reads the coordinator's events itself, so it must not be used
// together with the bridge.
type Driver struct {
	coord *worker.Coordinator
}

// Drive runs the coordinator without the bridge or the HTTP server, calls fn
// and stops the coordinator when fn returns.
func (a *App) Drive(ctx context.Context, fn func(context.Context, *Driver) error) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.coord.Run(ctx) }()

	err := fn(ctx, &Driver{coord: a.coord})
	cancel()
	if runErr := <-done; err == nil {
		err = runErr
	}
	return err
}

// Load loads desc and waits until it is resident. onProgress, when set,
// receives every progress event.
func (d *Driver) Load(ctx context.Context, desc model.Descriptor, onProgress func(worker.ModelLoadProgress)) error {
	if err := d.coord.Send(ctx, worker.LoadModel{Descriptor: desc}); err != nil {
		return err
	}
	for {
		ev, err := d.next(ctx)
		if err != nil {
			return err
		}
		switch ev := ev.(type) {
		case worker.ModelLoadProgress:
			if onProgress != nil && ev.Key == desc.Key() {
				onProgress(ev)
			}
		case worker.ModelLoaded:
			if ev.Descriptor.Key() == desc.Key() {
				return nil
			}
		case worker.ModelLoadError:
			if ev.Key == desc.Key() {
				return ev
			}
		}
	}
}

// Transcribe captures from the configured device until the source ends (or
// a voice command stops it) and every queued segment is transcribed. onFinal
// receives each transcript in order.
func (d *Driver) Transcribe(ctx context.Context, onFinal func(worker.TranscriptFinal)) error {
	if err := d.coord.Send(ctx, worker.StartListening{}); err != nil {
		return err
	}
	var errs []error
	started := false
	tick := time.NewTicker(idlePoll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-d.coord.Events():
			switch ev := ev.(type) {
			case worker.ListeningChanged:
				started = started || ev.Listening
			case worker.TranscriptFinal:
				if onFinal != nil {
					onFinal(ev)
				}
			case worker.Error:
				if ev.Command == (worker.StartListening{}).CommandType() && !started {
					return ev
				}
				errs = append(errs, ev)
			}
		case <-tick.C:
			if started && idle(d.coord.Status()) {
				d.drain(onFinal)
				return errors.Join(errs...)
			}
		}
	}
}

// drain delivers the events already queued when the coordinator went idle.
func (d *Driver) drain(onFinal func(worker.TranscriptFinal)) {
	for {
		select {
		case ev := <-d.coord.Events():
			if f, ok := ev.(worker.TranscriptFinal); ok && onFinal != nil {
				onFinal(f)
			}
		default:
			return
		}
	}
}

func idle(st worker.Status) bool {
	return !st.Listening && !st.Transcribing && st.Pending == 0
}

// Generate answers msgs and returns the completed turn. onDelta, when set,
// receives the visible text as it is generated; onTool receives tool calls
// and their results.
func (d *Driver) Generate(ctx context.Context, msgs []prompt.Message, onDelta func(worker.TokenDelta), onTool func(worker.Event)) (worker.GenerationComplete, error) {
	id := uuid.NewString()
	if err := d.coord.Send(ctx, worker.Generate{ID: id, Messages: msgs}); err != nil {
		return worker.GenerationComplete{}, err
	}
	for {
		ev, err := d.next(ctx)
		if err != nil {
			return worker.GenerationComplete{}, err
		}
		switch ev := ev.(type) {
		case worker.TokenDelta:
			if onDelta != nil && ev.ID == id {
				onDelta(ev)
			}
		case worker.ToolCallStarted, worker.ToolCallFinished:
			if onTool != nil {
				onTool(ev)
			}
		case worker.GenerationComplete:
			if ev.ID == id {
				return ev, nil
			}
		case worker.Error:
			if ev.Command == (worker.Generate{}).CommandType() {
				return worker.GenerationComplete{}, ev
			}
		}
	}
}

func (d *Driver) next(ctx context.Context) (worker.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev := <-d.coord.Events():
		return ev, nil
	}
}
