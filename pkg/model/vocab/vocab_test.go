package vocab_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/murmur/pkg/model/vocab"
)

func newTestVocab(t *testing.T) *vocab.Vocab {
	t.Helper()
	tokens, special := vocab.Build([]string{vocab.BOS, vocab.EOS}, vocab.EnglishPieces())
	v, err := vocab.New(tokens, special)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	v := newTestVocab(t)

	tests := []string{
		"hello",
		"what time is it?",
		"roll the dice, please!",
		"Grüße aus Köln",
		"日本語",
		"",
	}
	for _, text := range tests {
		t.Run(text, func(t *testing.T) {
			t.Parallel()
			ids, err := v.Encode(text)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if got := v.Decode(ids); got != text {
				t.Errorf("Decode = %q, want %q", got, text)
			}
		})
	}
}

func TestEncodePrefersLongestPiece(t *testing.T) {
	t.Parallel()
	v := newTestVocab(t)

	ids, err := v.Encode(" hello")
	if err != nil {
		t.Fatal(err)
	}
	want, _ := v.ID(" hello")
	if !slices.Equal(ids, []int{want}) {
		t.Errorf("Encode(\" hello\") = %v, want [%d]", ids, want)
	}
}

func TestEncodeNeverEmitsSpecial(t *testing.T) {
	t.Parallel()
	v := newTestVocab(t)

	ids, err := v.Encode("<|eos|>")
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		if v.IsSpecial(id) {
			t.Fatalf("Encode produced special token %d", id)
		}
	}
	eos, _ := v.Special(vocab.EOS)
	if got := v.Decode([]int{eos}); got != "" {
		t.Errorf("Decode(eos) = %q, want empty", got)
	}
}

func TestEncodeWithoutByteFallback(t *testing.T) {
	t.Parallel()
	v, err := vocab.New([]string{"a", "b"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Encode("abc"); !errors.Is(err, vocab.ErrUnencodable) {
		t.Errorf("err = %v, want ErrUnencodable", err)
	}
}

func TestNewRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		tokens  []string
		special map[string]int
	}{
		{name: "duplicate", tokens: []string{"a", "a"}},
		{name: "empty token", tokens: []string{"a", ""}},
		{name: "special out of range", tokens: []string{"a"}, special: map[string]int{"eos": 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := vocab.New(tt.tokens, tt.special); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestStreamDecoderHoldsPartialRunes(t *testing.T) {
	t.Parallel()
	v := newTestVocab(t)

	ids, err := v.Encode("ö!")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected two byte tokens and one piece, got %v", ids)
	}
	d := v.NewStreamDecoder()
	if got := d.Next(ids[0]); got != "" {
		t.Errorf("first byte: got %q, want held back", got)
	}
	if got := d.Next(ids[1]); got != "ö" {
		t.Errorf("second byte: got %q, want %q", got, "ö")
	}
	if got := d.Next(ids[2]); got != "!" {
		t.Errorf("piece: got %q", got)
	}
	if got := d.Flush(); got != "" {
		t.Errorf("Flush = %q, want empty", got)
	}
}
