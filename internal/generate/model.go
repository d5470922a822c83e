package generate

import (
	"fmt"
	"math"

	"github.com/MrWong99/murmur/internal/loader"
	"github.com/MrWong99/murmur/pkg/fault"
	"github.com/MrWong99/murmur/pkg/model"
	"github.com/MrWong99/murmur/pkg/model/weights"
)

// LanguageModel computes next-token logits one token at a time.
type LanguageModel interface {
	// Reset clears the recurrent state.
	Reset()

	// Forward consumes token and returns the logits of the next token. The
	// returned slice is only valid until the next call.
	Forward(token int) ([]float32, error)

	// VocabSize returns the number of logits.
	VocabSize() int
}

// Tensor names and hyper-parameters of a language-model blob.
const (
	TensorEmbed  = "lm.embed" // vocab × d_embed
	TensorW      = "lm.w"     // d_model × d_model
	TensorU      = "lm.u"     // d_model × d_embed
	TensorBias   = "lm.b"     // 1 × d_model
	TensorOutput = "lm.out"   // vocab × d_model

	HyperModel = "d_model"
	HyperEmbed = "d_embed"
)

// RecurrentLM is the default [LanguageModel] over a loaded handle:
//
//	h' = tanh(W·h + U·E[tok] + b),  logits = O·h'
//
// Quantized matrices are dequantized block by block inside each product.
// Forward reads the weights through the handle, so the caller must hold an
// Acquire lease for the duration of the call.
type RecurrentLM struct {
	h      *loader.Handle
	d, e   int
	vocab  int
	state  []float32
	next   []float32
	emb    []float32
	u      []float32
	logits []float32
}

var _ LanguageModel = (*RecurrentLM)(nil)

// NewRecurrentLM validates the tensor shapes of h.
func NewRecurrentLM(h *loader.Handle) (*RecurrentLM, error) {
	release, err := h.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	if h.Role() != model.RoleLLM {
		return nil, fmt.Errorf("generate: %s: %w: model role is %s", h.Descriptor().Key(), fault.ErrInference, h.Role())
	}

	w := h.Weights()
	d, err := w.Hyper(HyperModel)
	if err != nil {
		return nil, shapeErr(h, err)
	}
	e, err := w.Hyper(HyperEmbed)
	if err != nil {
		return nil, shapeErr(h, err)
	}
	n := len(w.Header.Vocab)
	want := []struct {
		name       string
		rows, cols int
	}{
		{TensorEmbed, n, e},
		{TensorW, d, d},
		{TensorU, d, e},
		{TensorBias, 1, d},
		{TensorOutput, n, d},
	}
	for _, tw := range want {
		t, err := w.Tensor(tw.name)
		if err != nil {
			return nil, shapeErr(h, err)
		}
		if t.Rows != tw.rows || t.Cols != tw.cols {
			return nil, shapeErr(h, fmt.Errorf("tensor %s is %dx%d, want %dx%d", tw.name, t.Rows, t.Cols, tw.rows, tw.cols))
		}
	}
	return &RecurrentLM{h: h, d: d, e: e, vocab: n, state: make([]float32, d)}, nil
}

func shapeErr(h *loader.Handle, err error) error {
	return fmt.Errorf("generate: %s: %w: %w", h.Descriptor().Key(), fault.ErrInference, err)
}

// Reset implements [LanguageModel].
func (m *RecurrentLM) Reset() { clear(m.state) }

// VocabSize implements [LanguageModel].
func (m *RecurrentLM) VocabSize() int { return m.vocab }

// Forward implements [LanguageModel].
func (m *RecurrentLM) Forward(token int) ([]float32, error) {
	if token < 0 || token >= m.vocab {
		return nil, fmt.Errorf("generate: %w: token %d outside vocabulary of %d", fault.ErrInference, token, m.vocab)
	}
	w := m.h.Weights()
	if w == nil {
		return nil, fmt.Errorf("generate: %s: %w: model is unloaded", m.h.Descriptor().Key(), fault.ErrInference)
	}
	tensors, err := lookup(w, TensorEmbed, TensorW, TensorU, TensorBias, TensorOutput)
	if err != nil {
		return nil, shapeErr(m.h, err)
	}
	embed, wm, um, bias, out := tensors[0], tensors[1], tensors[2], tensors[3], tensors[4]

	m.emb = embed.Row(m.emb, token)
	if m.next, err = wm.MatVec(m.next, m.state); err != nil {
		return nil, shapeErr(m.h, err)
	}
	if m.u, err = um.MatVec(m.u, m.emb); err != nil {
		return nil, shapeErr(m.h, err)
	}
	b := bias.Row(nil, 0)
	for i := range m.next {
		m.next[i] = float32(math.Tanh(float64(m.next[i] + m.u[i] + b[i])))
	}
	m.state, m.next = m.next, m.state
	if m.logits, err = out.MatVec(m.logits, m.state); err != nil {
		return nil, shapeErr(m.h, err)
	}
	return m.logits, nil
}

func lookup(w *weights.File, names ...string) ([]*weights.Tensor, error) {
	out := make([]*weights.Tensor, len(names))
	for i, n := range names {
		t, err := w.Tensor(n)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}
