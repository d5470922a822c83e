package stt

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/MrWong99/murmur/internal/feature"
	"github.com/MrWong99/murmur/pkg/model"
	"github.com/MrWong99/murmur/pkg/model/vocab"
	"github.com/MrWong99/murmur/pkg/model/weights"
)

// SyntheticConfig describes a small speech blob whose decoder always spells
// Phrase. It exercises the full encoder/decoder path and is used by tests,
// demos and the mkmodel command.
type SyntheticConfig struct {
	// Phrase is the transcript. Its tokens must be pairwise distinct.
	Phrase string

	// Level, when set, replaces Phrase with a one-word transcript that
	// depends on the input features.
	Level *LevelGate

	// Variant is recorded in the header. Default "synthetic".
	Variant string

	// Quantization of the weight matrices. Default Q4_0.
	Quantization model.Quantization

	// Seed drives the encoder weights.
	Seed uint64
}

// BuildSynthetic encodes a speech blob for cfg.
//
// Every chain token (start-of-transcript, then the phrase tokens) owns one
// state dimension. Its embedding is +3 on that dimension and -3 elsewhere,
// which pins the decoder state to a ± pattern dominated by the previous
// token, and the output row of the token that follows it reads that
// dimension. Encoder weights are small so attention only perturbs the state.
func BuildSynthetic(cfg SyntheticConfig) ([]byte, error) {
	if cfg.Level != nil {
		return buildLevel(cfg)
	}
	if cfg.Phrase == "" {
		return nil, errors.New("stt: synthetic phrase is empty")
	}
	if cfg.Variant == "" {
		cfg.Variant = "synthetic"
	}
	if cfg.Quantization == "" {
		cfg.Quantization = model.Q4_0
	}
	tokens, special := vocab.Build([]string{vocab.SOT, vocab.EOS}, vocab.EnglishPieces())
	v, err := vocab.New(tokens, special)
	if err != nil {
		return nil, fmt.Errorf("stt: synthetic vocabulary: %w", err)
	}
	phrase, err := v.Encode(cfg.Phrase)
	if err != nil {
		return nil, fmt.Errorf("stt: synthetic phrase: %w", err)
	}
	sot, _ := v.Special(vocab.SOT)
	eos, _ := v.Special(vocab.EOS)
	chain := append([]int{sot}, phrase...)
	if len(slices.Compact(slices.Sorted(slices.Values(chain)))) != len(chain) {
		return nil, fmt.Errorf("stt: synthetic phrase %q repeats a token", cfg.Phrase)
	}

	const mels = feature.MelBins
	padded := roundUp(mels, weights.BlockSize)
	d := roundUp(len(chain), weights.BlockSize)
	n := v.Size()
	rng := rand.New(rand.NewPCG(cfg.Seed, 0x5717))

	wEnc := make([]float32, d*padded)
	for r := range d {
		for c := range mels {
			wEnc[r*padded+c] = float32(rng.NormFloat64() * 0.02)
		}
	}
	embed := make([]float32, n*d)
	out := make([]float32, n*d)
	for k, tok := range chain {
		row := embed[tok*d : (tok+1)*d]
		for i := range row {
			row[i] = -3
		}
		row[k] = 3

		next := eos
		if k+1 < len(chain) {
			next = chain[k+1]
		}
		out[next*d+k] = 4
	}

	b := weights.NewBuilder("whisper", cfg.Variant, model.RoleSTT, cfg.Quantization).
		SetHyper(HyperMels, mels).
		SetHyper(HyperModel, d).
		SetVocab(tokens, special)
	if err := errors.Join(
		b.AddTensor(TensorEncoderWeight, d, padded, wEnc),
		b.AddTensorAs(TensorEncoderBias, model.F32, 1, d, make([]float32, d)),
		b.AddTensor(TensorEmbed, n, d, embed),
		b.AddTensor(TensorOut, n, d, out),
	); err != nil {
		return nil, fmt.Errorf("stt: synthetic blob: %w", err)
	}
	return b.Bytes()
}

func roundUp(n, m int) int { return (n + m - 1) / m * m }

// LevelGate selects between two words by the encoder input. Each normalized
// mel frame is averaged over its bins; the transcript is Above when those
// frame means lie above Threshold and Below when they lie under it.
type LevelGate struct {
	Threshold float32

	// Above and Below must each be a single vocabulary token.
	Above, Below string
}

// levelGain scales the distance of a frame mean from the threshold before
// the encoder nonlinearity.
const levelGain = 8

// buildLevel encodes a level-gate blob. State dimension 0 carries
// tanh(levelGain·(mean(x_t) - Threshold)), dimension 1 is set by the
// start-of-transcript embedding and dimension 2 by either word. The first
// step reads dimensions 0 and 1, so the sign of the level picks the word;
// the second step reads dimension 2 and ends the transcript.
func buildLevel(cfg SyntheticConfig) ([]byte, error) {
	g := cfg.Level
	if cfg.Variant == "" {
		cfg.Variant = "synthetic-level"
	}
	if cfg.Quantization == "" {
		cfg.Quantization = model.Q4_0
	}
	tokens, special := vocab.Build([]string{vocab.SOT, vocab.EOS}, vocab.EnglishPieces())
	v, err := vocab.New(tokens, special)
	if err != nil {
		return nil, fmt.Errorf("stt: synthetic vocabulary: %w", err)
	}
	word := func(w string) (int, error) {
		ids, err := v.Encode(w)
		if err != nil {
			return 0, err
		}
		if len(ids) != 1 {
			return 0, fmt.Errorf("stt: level word %q is %d tokens, want 1", w, len(ids))
		}
		return ids[0], nil
	}
	above, err := word(g.Above)
	if err != nil {
		return nil, err
	}
	below, err := word(g.Below)
	if err != nil {
		return nil, err
	}
	if above == below {
		return nil, fmt.Errorf("stt: level words are both %q", g.Above)
	}
	sot, _ := v.Special(vocab.SOT)
	eos, _ := v.Special(vocab.EOS)

	const (
		mels = feature.MelBins
		d    = weights.BlockSize
	)
	padded := roundUp(mels, weights.BlockSize)
	n := v.Size()

	wEnc := make([]float32, d*padded)
	for c := range mels {
		wEnc[c] = levelGain / float32(mels)
	}
	bias := make([]float32, d)
	bias[0] = -levelGain * g.Threshold

	embed := make([]float32, n*d)
	embed[sot*d+1], embed[sot*d+2] = 3, -3
	for _, w := range []int{above, below} {
		embed[w*d+1], embed[w*d+2] = -3, 3
	}
	out := make([]float32, n*d)
	out[above*d+0], out[above*d+1] = 4, 2
	out[below*d+0], out[below*d+1] = -4, 2
	out[eos*d+2] = 6

	b := weights.NewBuilder("whisper", cfg.Variant, model.RoleSTT, cfg.Quantization).
		SetHyper(HyperMels, mels).
		SetHyper(HyperModel, d).
		SetVocab(tokens, special)
	if err := errors.Join(
		b.AddTensorAs(TensorEncoderWeight, model.F32, d, padded, wEnc),
		b.AddTensorAs(TensorEncoderBias, model.F32, 1, d, bias),
		b.AddTensor(TensorEmbed, n, d, embed),
		b.AddTensor(TensorOut, n, d, out),
	); err != nil {
		return nil, fmt.Errorf("stt: synthetic blob: %w", err)
	}
	return b.Bytes()
}
