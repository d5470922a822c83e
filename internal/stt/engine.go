// Package stt transcribes log-mel feature tensors with a resident speech
// model.
//
// The model is an encoder/decoder pair over the handle's weights. The encoder
// projects every normalized mel frame once:
//
//	h_t = tanh(W_enc · x_t + b_enc),  c = mean_t h_t
//
// The decoder starts from the start-of-transcript token with state s = c and
// runs one greedy step per token:
//
//	q  = tanh(s + E[prev])
//	a  = Σ_t softmax_t(h_t · q / √d) h_t
//	s' = tanh(q + a)
//	logits = W_out · s'
//
// End-of-transcript is suppressed on the first step and every other special
// token on every step.
package stt

import (
	"context"
	"fmt"
	"iter"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/murmur/internal/feature"
	"github.com/MrWong99/murmur/internal/loader"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/fault"
	"github.com/MrWong99/murmur/pkg/model"
	"github.com/MrWong99/murmur/pkg/model/vocab"
)

// Tensor names and hyper-parameters of a speech blob.
const (
	TensorEncoderWeight = "encoder.weight" // d_model × padded n_mels
	TensorEncoderBias   = "encoder.bias"   // 1 × d_model
	TensorEmbed         = "decoder.embed"  // vocab × d_model
	TensorOut           = "decoder.out"    // vocab × d_model

	HyperMels  = "n_mels"
	HyperModel = "d_model"
)

// DefaultMaxTokens bounds one transcription.
const DefaultMaxTokens = 224

// Delta is one transcription increment. The final delta carries the whole
// transcript.
type Delta struct {
	Text  string
	Token int
	Index int
	Final bool
}

// Engine runs transcriptions. It holds no per-transcription state and is
// safe for concurrent use.
type Engine struct {
	maxTokens int
	metrics   *observe.Metrics
}

// Option configures an [Engine].
type Option func(*Engine)

// WithMaxTokens bounds the decoded tokens per transcription.
func WithMaxTokens(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// WithMetrics records durations and token counts on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New returns an engine.
func New(opts ...Option) *Engine {
	e := &Engine{maxTokens: DefaultMaxTokens}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Transcribe decodes tensor with the speech model in h. tensor is the raw
// log-mel output of a [feature.Extractor]; the encoder applies
// [feature.Tensor.Normalized] itself, so callers must not. Each decoded token
// yields a [Delta]; the sequence ends with one Final delta holding the full
// transcript. Errors are yielded once and end the sequence: handle and
// dimension problems wrap fault.ErrInference, cancellation wraps ctx.Err().
//
// The handle is acquired separately for the encoder pass and for every
// decoder step, so an unload between steps ends the transcription.
func (e *Engine) Transcribe(ctx context.Context, tensor *feature.Tensor, h *loader.Handle) iter.Seq2[Delta, error] {
	return func(yield func(Delta, error) bool) {
		ctx, span := observe.StartSpan(ctx, "stt.transcribe")
		start := time.Now()
		var err error
		tokens := 0
		defer func() {
			observe.EndSpan(span, err)
			e.metrics.STTDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(observe.Attr("status", status(err))))
			e.metrics.RecordTokens(ctx, "stt", tokens)
		}()

		dec, err := e.encode(h, tensor)
		if err != nil {
			yield(Delta{}, err)
			return
		}
		if dec == nil {
			yield(Delta{Final: true}, nil)
			return
		}

		sd := dec.vocab.NewStreamDecoder()
		var full strings.Builder
		for i := range e.maxTokens {
			if cerr := ctx.Err(); cerr != nil {
				err = fmt.Errorf("stt: %w", cerr)
				yield(Delta{}, err)
				return
			}
			var tok int
			tok, err = dec.step(h, i == 0)
			if err != nil {
				yield(Delta{}, err)
				return
			}
			if tok == dec.eos {
				break
			}
			tokens++
			text := sd.Next(tok)
			full.WriteString(text)
			if !yield(Delta{Text: text, Token: tok, Index: i}, nil) {
				return
			}
		}
		full.WriteString(sd.Flush())
		yield(Delta{Final: true, Text: strings.TrimSpace(full.String())}, nil)
	}
}

func status(err error) string {
	if err == nil {
		return "ok"
	}
	return fault.KindOf(err).String()
}

// ── model ───────────────────────────────────────────────────────────────────

// decoder is the per-transcription state. Weights are looked up again on
// every step because the handle is only held for one step.
type decoder struct {
	vocab *vocab.Vocab
	sot   int
	eos   int
	d     int

	enc   [][]float32 // encoder states, frames × d
	state []float32
	prev  int

	q, next, logits, row []float32
}

func inferenceErr(h *loader.Handle, format string, args ...any) error {
	return fmt.Errorf("stt: %s: %w: %s", h.Descriptor().Key(), fault.ErrInference, fmt.Sprintf(format, args...))
}

// encode runs the encoder. A tensor without frames returns a nil decoder.
func (e *Engine) encode(h *loader.Handle, tensor *feature.Tensor) (*decoder, error) {
	if h == nil {
		return nil, fmt.Errorf("stt: %w: no speech model", fault.ErrInference)
	}
	release, err := h.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	if h.Role() != model.RoleSTT {
		return nil, inferenceErr(h, "model role is %s", h.Role())
	}
	w := h.Weights()
	mels, err := w.Hyper(HyperMels)
	if err != nil {
		return nil, inferenceErr(h, "%v", err)
	}
	if tensor.Bins() != mels {
		return nil, inferenceErr(h, "tensor has %d mel bins, model expects %d", tensor.Bins(), mels)
	}
	d, err := w.Hyper(HyperModel)
	if err != nil {
		return nil, inferenceErr(h, "%v", err)
	}
	v, err := vocab.New(w.Header.Vocab, w.Header.Special)
	if err != nil {
		return nil, inferenceErr(h, "%v", err)
	}
	sot, err := w.Special(vocab.SOT)
	if err != nil {
		return nil, inferenceErr(h, "%v", err)
	}
	eos, err := w.Special(vocab.EOS)
	if err != nil {
		return nil, inferenceErr(h, "%v", err)
	}
	if tensor.Frames() == 0 {
		return nil, nil
	}

	wEnc, err := w.Tensor(TensorEncoderWeight)
	if err != nil {
		return nil, inferenceErr(h, "%v", err)
	}
	bEnc, err := w.Tensor(TensorEncoderBias)
	if err != nil {
		return nil, inferenceErr(h, "%v", err)
	}
	if wEnc.Rows != d || wEnc.Cols < mels || bEnc.Cols != d {
		return nil, inferenceErr(h, "encoder shape %dx%d does not match d_model %d", wEnc.Rows, wEnc.Cols, d)
	}
	bias := bEnc.Row(nil, 0)

	norm := tensor.Normalized()
	x := make([]float32, wEnc.Cols) // zero padding past mels
	dec := &decoder{
		vocab: v, sot: sot, eos: eos, d: d, prev: sot,
		enc:   make([][]float32, norm.Frames()),
		state: make([]float32, d),
	}
	for t := range norm.Frames() {
		norm.Row(x[:mels], t)
		ht, err := wEnc.MatVec(nil, x)
		if err != nil {
			return nil, inferenceErr(h, "%v", err)
		}
		for i := range ht {
			ht[i] = tanh(ht[i] + bias[i])
			dec.state[i] += ht[i]
		}
		dec.enc[t] = ht
	}
	inv := 1 / float32(len(dec.enc))
	for i := range dec.state {
		dec.state[i] *= inv
	}
	return dec, nil
}

// step decodes one token.
func (dec *decoder) step(h *loader.Handle, first bool) (int, error) {
	release, err := h.Acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	w := h.Weights()
	embed, err := w.Tensor(TensorEmbed)
	if err != nil {
		return 0, inferenceErr(h, "%v", err)
	}
	out, err := w.Tensor(TensorOut)
	if err != nil {
		return 0, inferenceErr(h, "%v", err)
	}
	if embed.Cols != dec.d || out.Cols != dec.d || embed.Rows != dec.vocab.Size() || out.Rows != dec.vocab.Size() {
		return 0, inferenceErr(h, "decoder shape does not match d_model %d and vocabulary %d", dec.d, dec.vocab.Size())
	}

	dec.row = embed.Row(dec.row, dec.prev)
	dec.q = resize(dec.q, dec.d)
	for i := range dec.q {
		dec.q[i] = tanh(dec.state[i] + dec.row[i])
	}

	// Scaled dot-product attention over the encoder states.
	scale := 1 / float32(math.Sqrt(float64(dec.d)))
	scores := make([]float32, len(dec.enc))
	maxScore := float32(math.Inf(-1))
	for t, ht := range dec.enc {
		scores[t] = dot(ht, dec.q) * scale
		maxScore = max(maxScore, scores[t])
	}
	var sum float32
	for t := range scores {
		scores[t] = float32(math.Exp(float64(scores[t] - maxScore)))
		sum += scores[t]
	}
	dec.next = resize(dec.next, dec.d)
	clear(dec.next)
	for t, ht := range dec.enc {
		a := scores[t] / sum
		for i, v := range ht {
			dec.next[i] += a * v
		}
	}
	for i := range dec.next {
		dec.next[i] = tanh(dec.q[i] + dec.next[i])
	}

	dec.logits, err = out.MatVec(dec.logits, dec.next)
	if err != nil {
		return 0, inferenceErr(h, "%v", err)
	}
	best, bestVal := -1, float32(math.Inf(-1))
	for id, l := range dec.logits {
		if dec.vocab.IsSpecial(id) && (id != dec.eos || first) {
			continue
		}
		if l > bestVal {
			best, bestVal = id, l
		}
	}
	if best < 0 {
		return 0, inferenceErr(h, "vocabulary has no decodable token")
	}
	dec.state, dec.next = dec.next, dec.state
	dec.prev = best
	return best, nil
}

func resize(s []float32, n int) []float32 {
	if cap(s) < n {
		return make([]float32, n)
	}
	return s[:n]
}

func tanh(x float32) float32 { return float32(math.Tanh(float64(x))) }

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
