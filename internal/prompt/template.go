package prompt

import (
	"errors"
	"fmt"
	"slices"

	"github.com/MrWong99/murmur/internal/generate"
	"github.com/MrWong99/murmur/pkg/model/vocab"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// SpecialEnd closes every message.
const SpecialEnd = "end"

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// Specials returns the special token names a chat vocabulary carries, in
// vocabulary order.
func Specials() []string {
	return []string{vocab.BOS, vocab.EOS,
		string(RoleSystem), string(RoleUser), string(RoleAssistant), string(RoleTool),
		SpecialEnd}
}

// Vocabulary lays out the chat vocabulary used by murmur language models:
// the chat specials, byte tokens, English pieces and the tool-call markers.
func Vocabulary() (tokens []string, special map[string]int) {
	return vocab.Build(Specials(), append(vocab.EnglishPieces(), generate.MarkerPieces()...))
}

// Template renders messages as
//
//	<|bos|> <|role|> content <|end|> ... <|assistant|>
//
// Special tokens are inserted by ID; content is encoded as plain text and can
// never produce one.
type Template struct {
	v        *vocab.Vocab
	bos, end int
	roles    map[Role]int
}

// NewTemplate returns a template over v, which must carry every chat special.
func NewTemplate(v *vocab.Vocab) (*Template, error) {
	t := &Template{v: v, roles: make(map[Role]int, 4)}
	var errs []error
	lookup := func(name string) int {
		id, ok := v.Special(name)
		if !ok {
			errs = append(errs, fmt.Errorf("prompt: vocabulary has no %q special", name))
		}
		return id
	}
	t.bos = lookup(vocab.BOS)
	t.end = lookup(SpecialEnd)
	for _, r := range []Role{RoleSystem, RoleUser, RoleAssistant, RoleTool} {
		t.roles[r] = lookup(string(r))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return t, nil
}

// Render encodes msgs. With generation set the result ends with the
// assistant special so the model continues as the assistant.
func (t *Template) Render(msgs []Message, generation bool) ([]int, error) {
	out := []int{t.bos}
	for i, m := range msgs {
		id, ok := t.roles[m.Role]
		if !ok {
			return nil, fmt.Errorf("prompt: message %d: unknown role %q", i, m.Role)
		}
		body, err := t.v.Encode(m.Content)
		if err != nil {
			return nil, fmt.Errorf("prompt: message %d: %w", i, err)
		}
		out = append(out, id)
		out = append(out, body...)
		out = append(out, t.end)
	}
	if generation {
		out = append(out, t.roles[RoleAssistant])
	}
	return out, nil
}

// StopTokens returns the tokens that end an assistant turn besides
// end-of-sequence.
func (t *Template) StopTokens() []int {
	return []int{t.end, t.roles[RoleUser]}
}

// Conversation prepends the assistant system prompt to msgs unless they
// already start with a system message.
func Conversation(a Assistant, msgs ...Message) []Message {
	if len(msgs) > 0 && msgs[0].Role == RoleSystem {
		return slices.Clone(msgs)
	}
	return append([]Message{{Role: RoleSystem, Content: a.SystemPrompt()}}, msgs...)
}
