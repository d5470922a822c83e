package generate_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/murmur/internal/generate"
	"github.com/MrWong99/murmur/pkg/fault"
	"github.com/MrWong99/murmur/pkg/model/vocab"
)

// rampLM returns the same logits for every token: logit(id) = id/10, with an
// optional override on one id.
type rampLM struct {
	n        int
	boost    int
	boostVal float32
	forwards int
}

func (m *rampLM) Reset()         {}
func (m *rampLM) VocabSize() int { return m.n }
func (m *rampLM) Forward(int) ([]float32, error) {
	m.forwards++
	out := make([]float32, m.n)
	for i := range out {
		out[i] = float32(i%17) / 10
	}
	if m.boost >= 0 {
		out[m.boost] = m.boostVal
	}
	return out, nil
}

func smallVocab(t *testing.T) *vocab.Vocab {
	t.Helper()
	v, err := vocab.New(vocab.Build([]string{vocab.BOS, vocab.EOS}, []string{"a", "b", "c", " "}))
	if err != nil {
		t.Fatalf("vocab.New: %v", err)
	}
	return v
}

func newRampEngine(t *testing.T, boost int, val float32) (*generate.Engine, *vocab.Vocab) {
	t.Helper()
	v := smallVocab(t)
	eng, err := generate.NewWithModel(&rampLM{n: v.Size(), boost: boost, boostVal: val}, v)
	if err != nil {
		t.Fatalf("NewWithModel: %v", err)
	}
	return eng, v
}

func sampleIDs(t *testing.T, eng *generate.Engine, s generate.Sampling) []int {
	t.Helper()
	sess, err := eng.NewSession([]int{0}, s)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()
	var ids []int
	for {
		step, err := sess.Step()
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if step.Sampled {
			ids = append(ids, step.Token.ID)
		}
		if step.State.Terminal() {
			return ids
		}
	}
}

func TestSamplingValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*generate.Sampling)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*generate.Sampling) {}},
		{name: "greedy", mutate: func(s *generate.Sampling) { *s = generate.Greedy(8) }},
		{name: "negative temperature", mutate: func(s *generate.Sampling) { s.Temperature = -0.1 }, wantErr: true},
		{name: "negative top k", mutate: func(s *generate.Sampling) { s.TopK = -1 }, wantErr: true},
		{name: "top p above one", mutate: func(s *generate.Sampling) { s.TopP = 1.5 }, wantErr: true},
		{name: "zero max tokens", mutate: func(s *generate.Sampling) { s.MaxTokens = 0 }, wantErr: true},
		{name: "empty stop string", mutate: func(s *generate.Sampling) { s.StopStrings = []string{"x", ""} }, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := generate.DefaultSampling()
			tc.mutate(&s)
			if err := s.Validate(); (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestSamplingDeterministicForSeed(t *testing.T) {
	t.Parallel()

	s := generate.DefaultSampling()
	s.Temperature = 1.5
	s.TopK = 0
	s.TopP = 0
	s.MaxTokens = 32
	s.Seed = 42

	eng, _ := newRampEngine(t, -1, 0)
	first := sampleIDs(t, eng, s)
	second := sampleIDs(t, eng, s)
	if !slices.Equal(first, second) {
		t.Errorf("same seed sampled different sequences:\n%v\n%v", first, second)
	}
}

func TestGreedyNeverPicksSpecials(t *testing.T) {
	t.Parallel()

	v := smallVocab(t)
	bos, _ := v.Special(vocab.BOS)
	eng, _ := newRampEngine(t, bos, 100)
	ids := sampleIDs(t, eng, generate.Greedy(5))
	for _, id := range ids {
		if v.IsSpecial(id) {
			t.Fatalf("sampled special token %d", id)
		}
	}
	if len(ids) != 5 {
		t.Errorf("sampled %d tokens, want 5", len(ids))
	}
}

func TestTopKOneIsGreedy(t *testing.T) {
	t.Parallel()

	v := smallVocab(t)
	b, _ := v.ID("b")
	eng, _ := newRampEngine(t, b, 50)

	s := generate.DefaultSampling()
	s.TopK = 1
	s.MaxTokens = 6
	for _, seed := range []uint64{1, 2, 3} {
		s.Seed = seed
		for _, id := range sampleIDs(t, eng, s) {
			if id != b {
				t.Fatalf("seed %d: top_k=1 sampled %d, want %d", seed, id, b)
			}
		}
	}
}

func TestEndOfSequenceStops(t *testing.T) {
	t.Parallel()

	v := smallVocab(t)
	eos, _ := v.Special(vocab.EOS)
	eng, _ := newRampEngine(t, eos, 100)
	sess, err := eng.NewSession([]int{0}, generate.Greedy(10))
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()
	step, err := sess.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if step.Sampled || step.State != generate.StateCompleted || sess.Reason() != generate.ReasonStop {
		t.Errorf("step = %+v, reason %s; want completed by stop token", step, sess.Reason())
	}
	if _, err := sess.Step(); !errors.Is(err, generate.ErrFinished) {
		t.Errorf("Step after completion: got %v, want ErrFinished", err)
	}
}

func TestNewSessionErrors(t *testing.T) {
	t.Parallel()

	eng, v := newRampEngine(t, -1, 0)

	if _, err := eng.NewSession(nil, generate.Greedy(4)); err == nil {
		t.Error("empty context accepted")
	}
	if _, err := eng.NewSession([]int{v.Size()}, generate.Greedy(4)); !errors.Is(err, fault.ErrInference) {
		t.Errorf("out-of-range context: got %v, want ErrInference", err)
	}
	bad := generate.Greedy(4)
	bad.TopP = 2
	if _, err := eng.NewSession([]int{0}, bad); err == nil {
		t.Error("invalid sampling accepted")
	}

	first, err := eng.NewSession([]int{0}, generate.Greedy(4))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if !eng.Busy() {
		t.Error("engine not busy with an open session")
	}
	if _, err := eng.NewSession([]int{0}, generate.Greedy(4)); !errors.Is(err, generate.ErrBusy) || !errors.Is(err, fault.ErrBusy) {
		t.Errorf("second session: got %v, want ErrBusy", err)
	}
	first.Close()
	first.Close()
	if first.State() != generate.StateCancelled {
		t.Errorf("closed running session state = %s, want cancelled", first.State())
	}
	second, err := eng.NewSession([]int{0}, generate.Greedy(4))
	if err != nil {
		t.Fatalf("NewSession after Close: %v", err)
	}
	second.Close()
}

func TestNewWithModelVocabMismatch(t *testing.T) {
	t.Parallel()

	v := smallVocab(t)
	if _, err := generate.NewWithModel(&rampLM{n: v.Size() + 1, boost: -1}, v); !errors.Is(err, fault.ErrInference) {
		t.Errorf("got %v, want ErrInference", err)
	}
}
