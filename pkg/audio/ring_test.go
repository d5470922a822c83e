package audio_test

import (
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
)

func frameAt(i int) audio.Frame {
	return audio.Frame{
		Samples:   []float32{float32(i)},
		Format:    audio.Format{SampleRate: 16000, Channels: 1},
		Timestamp: time.Duration(i) * time.Millisecond,
	}
}

func TestRingBuffer_FIFO(t *testing.T) {
	t.Parallel()

	rb := audio.NewRingBuffer(4)
	for i := range 3 {
		rb.Write(frameAt(i))
	}
	for i := range 3 {
		f, ok := rb.Read()
		if !ok {
			t.Fatalf("Read %d: empty", i)
		}
		if f.Samples[0] != float32(i) {
			t.Errorf("Read %d: got %v", i, f.Samples[0])
		}
	}
	if _, ok := rb.Read(); ok {
		t.Error("expected empty buffer")
	}
}

func TestRingBuffer_OverwritesOldest(t *testing.T) {
	t.Parallel()

	rb := audio.NewRingBuffer(3)
	for i := range 5 {
		rb.Write(frameAt(i))
	}
	if got := rb.Dropped(); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
	frames := rb.Drain(nil, 0)
	if len(frames) != 3 {
		t.Fatalf("Drain len = %d, want 3", len(frames))
	}
	for i, f := range frames {
		if want := float32(i + 2); f.Samples[0] != want {
			t.Errorf("frame %d: got %v, want %v", i, f.Samples[0], want)
		}
	}
}

func TestRingBuffer_DrainLimit(t *testing.T) {
	t.Parallel()

	rb := audio.NewRingBuffer(8)
	for i := range 6 {
		rb.Write(frameAt(i))
	}
	got := rb.Drain(nil, 4)
	if len(got) != 4 || rb.Len() != 2 {
		t.Errorf("drained %d, remaining %d", len(got), rb.Len())
	}
}

func TestRingBuffer_ClosedRejectsWrites(t *testing.T) {
	t.Parallel()

	rb := audio.NewRingBuffer(2)
	rb.Write(frameAt(0))
	rb.Close()
	if rb.Write(frameAt(1)) {
		t.Error("write after close accepted")
	}
	if _, ok := rb.Read(); !ok {
		t.Error("unread frame lost on close")
	}
}

func TestRingBuffer_ConcurrentWriterNeverBlocks(t *testing.T) {
	t.Parallel()

	rb := audio.NewRingBuffer(16)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 10000 {
			rb.Write(frameAt(i))
		}
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer blocked with no consumer")
	}

	if got := uint64(rb.Len()) + rb.Dropped(); got != 10000 {
		t.Errorf("len+dropped = %d, want 10000", got)
	}
	select {
	case <-rb.Notify():
	default:
		t.Error("expected pending notification")
	}
}
