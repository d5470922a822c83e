package generate

import (
	"errors"
	"fmt"

	"github.com/MrWong99/murmur/pkg/model"
	"github.com/MrWong99/murmur/pkg/model/vocab"
	"github.com/MrWong99/murmur/pkg/model/weights"
)

// ScriptTurn is one scripted reply: after the model consumes Anchor it
// greedily emits Reply followed by end-of-sequence.
type ScriptTurn struct {
	// Anchor is an exact vocabulary token, e.g. "<|assistant|>" or
	// "</tool_result>".
	Anchor string
	Reply  string
}

// ScriptConfig describes a small recurrent LM blob that replays fixed
// replies. It exercises the full [RecurrentLM] path and is used by tests,
// demos and the mkmodel command.
type ScriptConfig struct {
	Tokens  []string
	Special map[string]int
	Turns   []ScriptTurn

	// Variant is recorded in the header. Default "scripted".
	Variant string

	// Quantization of the weight matrices. Default Q4_0.
	Quantization model.Quantization
}

// BuildScripted encodes a language-model blob for cfg.
//
// The hidden state is a position code: dimension p is +1 and every other
// position dimension -1, plus one constant dimension held at +1 by the
// bias. W shifts the code by one position per token; an anchor embedding
// overrides it and jumps to the first position of its turn. The output row
// of a token adds (position + constant) for every position where the script
// emits it, so the scripted token scores about 8 and every other token about
// 0.
func BuildScripted(cfg ScriptConfig) ([]byte, error) {
	if len(cfg.Turns) == 0 {
		return nil, errors.New("generate: script has no turns")
	}
	if cfg.Variant == "" {
		cfg.Variant = "scripted"
	}
	if cfg.Quantization == "" {
		cfg.Quantization = model.Q4_0
	}
	v, err := vocab.New(cfg.Tokens, cfg.Special)
	if err != nil {
		return nil, fmt.Errorf("generate: script vocabulary: %w", err)
	}
	eos, ok := v.Special(vocab.EOS)
	if !ok {
		return nil, errors.New("generate: script vocabulary has no end-of-sequence token")
	}

	type turn struct {
		anchor int
		start  int
		reply  []int
	}
	var turns []turn
	positions := 0
	seen := make(map[int]bool)
	for _, t := range cfg.Turns {
		anchor, ok := v.ID(t.Anchor)
		if !ok {
			return nil, fmt.Errorf("generate: script anchor %q is not a token", t.Anchor)
		}
		if seen[anchor] {
			return nil, fmt.Errorf("generate: script anchor %q used twice", t.Anchor)
		}
		seen[anchor] = true
		reply, err := v.Encode(t.Reply)
		if err != nil {
			return nil, fmt.Errorf("generate: script reply: %w", err)
		}
		reply = append(reply, eos)
		turns = append(turns, turn{anchor: anchor, start: positions, reply: reply})
		positions += len(reply)
	}

	constDim := positions
	d := roundUp(positions+1, weights.BlockSize)
	n := v.Size()

	embed := make([]float32, n*d)
	wm := make([]float32, d*d)
	um := make([]float32, d*d)
	bias := make([]float32, d)
	out := make([]float32, n*d)

	for p := range positions {
		wm[((p+1)%positions)*d+p] = 3
		um[p*d+p] = 12
	}
	bias[constDim] = 5
	for _, t := range turns {
		row := embed[t.anchor*d : (t.anchor+1)*d]
		for p := range positions {
			row[p] = -1
		}
		row[t.start] = 1
		for j, tok := range t.reply {
			out[tok*d+t.start+j] = 4
			out[tok*d+constDim] += 4
		}
	}

	b := weights.NewBuilder("llama", cfg.Variant, model.RoleLLM, cfg.Quantization).
		SetHyper(HyperModel, d).
		SetHyper(HyperEmbed, d).
		SetVocab(cfg.Tokens, cfg.Special)
	if err := errors.Join(
		b.AddTensor(TensorEmbed, n, d, embed),
		b.AddTensor(TensorW, d, d, wm),
		b.AddTensor(TensorU, d, d, um),
		b.AddTensorAs(TensorBias, model.F32, 1, d, bias),
		// A repeated token weights the constant dimension by its repeat
		// count, which a 4-bit block cannot hold next to the position
		// weights.
		b.AddTensorAs(TensorOutput, model.F32, n, d, out),
	); err != nil {
		return nil, fmt.Errorf("generate: script blob: %w", err)
	}
	return b.Bytes()
}

func roundUp(n, m int) int { return (n + m - 1) / m * m }
