// Package vocab maps between text and model token IDs.
//
// A vocabulary is an ordered list of token strings. Special tokens (control
// markers such as end-of-text) are addressed by name and never produced by
// [Vocab.Encode]. Byte tokens of the form "<0xNN>" give every input a valid
// encoding; text pieces are matched greedily, longest first.
package vocab

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Names of the special tokens used by murmur's engines.
const (
	BOS = "bos" // beginning of sequence
	EOS = "eos" // end of sequence (LLM) / end of transcript (STT)
	SOT = "sot" // start of transcript
)

// ErrUnencodable is returned by [Vocab.Encode] when a byte has no token.
var ErrUnencodable = errors.New("vocab: byte has no token")

// Vocab is an immutable vocabulary. Safe for concurrent use.
type Vocab struct {
	tokens    []string
	index     map[string]int
	special   map[string]int
	isSpecial []bool
	byteID    [256]int
	byteOf    map[int]byte
	maxLen    int
}

// New builds a vocabulary from tokens (index = ID) and the named special IDs.
func New(tokens []string, special map[string]int) (*Vocab, error) {
	v := &Vocab{
		tokens:    tokens,
		index:     make(map[string]int, len(tokens)),
		special:   make(map[string]int, len(special)),
		isSpecial: make([]bool, len(tokens)),
		byteOf:    make(map[int]byte),
	}
	for i := range v.byteID {
		v.byteID[i] = -1
	}
	for name, id := range special {
		if id < 0 || id >= len(tokens) {
			return nil, fmt.Errorf("vocab: special token %q: id %d out of range", name, id)
		}
		v.special[name] = id
		v.isSpecial[id] = true
	}
	for id, tok := range tokens {
		if tok == "" {
			return nil, fmt.Errorf("vocab: token %d is empty", id)
		}
		if _, dup := v.index[tok]; dup {
			return nil, fmt.Errorf("vocab: duplicate token %q", tok)
		}
		v.index[tok] = id
		if v.isSpecial[id] {
			continue
		}
		if b, ok := parseByteToken(tok); ok {
			v.byteID[b] = id
			v.byteOf[id] = b
			continue
		}
		v.maxLen = max(v.maxLen, len(tok))
	}
	return v, nil
}

// Size returns the number of tokens.
func (v *Vocab) Size() int { return len(v.tokens) }

// Special returns the ID of a named special token.
func (v *Vocab) Special(name string) (int, bool) {
	id, ok := v.special[name]
	return id, ok
}

// IsSpecial reports whether id is a special token.
func (v *Vocab) IsSpecial(id int) bool {
	return id >= 0 && id < len(v.isSpecial) && v.isSpecial[id]
}

// Token returns the raw token string for id.
func (v *Vocab) Token(id int) string {
	if id < 0 || id >= len(v.tokens) {
		return ""
	}
	return v.tokens[id]
}

// ID returns the ID of an exact token string, special tokens included.
func (v *Vocab) ID(tok string) (int, bool) {
	id, ok := v.index[tok]
	return id, ok
}

// Encode splits text into token IDs, longest piece first, falling back to
// byte tokens.
func (v *Vocab) Encode(text string) ([]int, error) {
	var out []int
	for i := 0; i < len(text); {
		matched := false
		for n := min(v.maxLen, len(text)-i); n > 0; n-- {
			if id, ok := v.index[text[i:i+n]]; ok && !v.isSpecial[id] {
				if _, isByte := v.byteOf[id]; isByte {
					continue
				}
				out = append(out, id)
				i += n
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		id := v.byteID[text[i]]
		if id < 0 {
			return out, fmt.Errorf("%w: 0x%02X at offset %d", ErrUnencodable, text[i], i)
		}
		out = append(out, id)
		i++
	}
	return out, nil
}

// Decode renders ids as text, skipping special tokens.
func (v *Vocab) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.Write(v.bytes(id))
	}
	return sb.String()
}

func (v *Vocab) bytes(id int) []byte {
	if id < 0 || id >= len(v.tokens) || v.isSpecial[id] {
		return nil
	}
	if b, ok := v.byteOf[id]; ok {
		return []byte{b}
	}
	return []byte(v.tokens[id])
}

// StreamDecoder decodes one token at a time, holding back incomplete UTF-8
// sequences produced by byte tokens.
type StreamDecoder struct {
	v       *Vocab
	pending []byte
}

// NewStreamDecoder returns a decoder over v.
func (v *Vocab) NewStreamDecoder() *StreamDecoder { return &StreamDecoder{v: v} }

// Next appends id and returns the text that became complete.
func (d *StreamDecoder) Next(id int) string {
	d.pending = append(d.pending, d.v.bytes(id)...)
	n := len(d.pending)
	// Keep a trailing partial rune (at most 3 bytes) for the next call.
	for back := 1; back <= 3 && back <= n; back++ {
		c := d.pending[n-back]
		if c < utf8.RuneSelf {
			break
		}
		if utf8.RuneStart(c) {
			if !utf8.FullRune(d.pending[n-back:]) {
				n -= back
			}
			break
		}
	}
	out := string(d.pending[:n])
	d.pending = append(d.pending[:0], d.pending[n:]...)
	return out
}

// Flush returns whatever is still held back.
func (d *StreamDecoder) Flush() string {
	out := string(d.pending)
	d.pending = d.pending[:0]
	return out
}

func parseByteToken(tok string) (byte, bool) {
	if len(tok) != 6 || !strings.HasPrefix(tok, "<0x") || tok[5] != '>' {
		return 0, false
	}
	var b byte
	for _, c := range tok[3:5] {
		b <<= 4
		switch {
		case c >= '0' && c <= '9':
			b |= byte(c - '0')
		case c >= 'A' && c <= 'F':
			b |= byte(c-'A') + 10
		default:
			return 0, false
		}
	}
	return b, true
}

// ByteToken returns the token string for raw byte b.
func ByteToken(b byte) string { return fmt.Sprintf("<0x%02X>", b) }
