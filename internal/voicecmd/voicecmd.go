// Package voicecmd recognises short spoken control phrases ("stop",
// "never mind", "stop listening") in final transcripts so they can act on the
// assistant instead of reaching the language model.
//
// Transcripts of short utterances are noisy, so phrases are matched
// phonetically: every word of the phrase must have a Double Metaphone code in
// common with the corresponding transcript word, or be close by Jaro-Winkler
// similarity. Both come from github.com/antzucaro/matchr.
package voicecmd

import (
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"github.com/antzucaro/matchr"
)

// Action is what a recognised phrase asks for.
type Action string

const (
	// ActionCancel cancels the running generation.
	ActionCancel Action = "cancel"

	// ActionStopListening stops capture.
	ActionStopListening Action = "stop_listening"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool { return a == ActionCancel || a == ActionStopListening }

// Phrase binds spoken words to an action.
type Phrase struct {
	Text   string `yaml:"text"`
	Action Action `yaml:"action"`
}

// DefaultPhrases returns the built-in control phrases.
func DefaultPhrases() []Phrase {
	return []Phrase{
		{Text: "stop listening", Action: ActionStopListening},
		{Text: "stop", Action: ActionCancel},
		{Text: "cancel", Action: ActionCancel},
		{Text: "never mind", Action: ActionCancel},
	}
}

const (
	defaultSimilarity = 0.85

	// maxExtraWords is how many filler words ("please", "ok") an utterance
	// may carry around a phrase.
	maxExtraWords = 2
)

// Match is a recognised phrase.
type Match struct {
	Phrase Phrase
	Score  float64
}

// Matcher matches transcripts against control phrases. It is safe for
// concurrent use; [Matcher.SetPhrases] swaps the set atomically.
type Matcher struct {
	mu         sync.RWMutex
	phrases    []compiled
	similarity float64
}

type compiled struct {
	phrase Phrase
	words  []word
}

type word struct {
	text      string
	primary   string
	secondary string
}

// Option configures a [Matcher].
type Option func(*Matcher)

// WithSimilarity sets the Jaro-Winkler score that accepts a word without a
// phonetic match. Default 0.85; values outside (0, 1] keep the default.
func WithSimilarity(s float64) Option {
	return func(m *Matcher) {
		if s > 0 && s <= 1 {
			m.similarity = s
		}
	}
}

// New returns a matcher over phrases. Phrases with no words or an unknown
// action are skipped with a warning.
func New(phrases []Phrase, opts ...Option) *Matcher {
	m := &Matcher{similarity: defaultSimilarity}
	for _, o := range opts {
		o(m)
	}
	m.SetPhrases(phrases)
	return m
}

// SetPhrases replaces the phrase set.
func (m *Matcher) SetPhrases(phrases []Phrase) {
	out := make([]compiled, 0, len(phrases))
	for _, p := range phrases {
		words := split(p.Text)
		if len(words) == 0 || !p.Action.Valid() {
			slog.Warn("voicecmd: ignoring phrase", "text", p.Text, "action", p.Action)
			continue
		}
		out = append(out, compiled{phrase: p, words: words})
	}
	m.mu.Lock()
	m.phrases = out
	m.mu.Unlock()
}

// Phrases returns the active phrases.
func (m *Matcher) Phrases() []Phrase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Phrase, len(m.phrases))
	for i, c := range m.phrases {
		out[i] = c.phrase
	}
	return out
}

// Match reports the phrase that text consists of. The longest matching
// phrase wins, so "stop listening" beats "stop". Utterances with more than a
// couple of words beyond the phrase never match: "stop the music in the
// kitchen" is a request, not a command.
func (m *Matcher) Match(text string) (Match, bool) {
	words := split(text)
	if len(words) == 0 {
		return Match{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best Match
	bestLen := 0
	for _, c := range m.phrases {
		if len(words) > len(c.words)+maxExtraWords || len(c.words) < bestLen {
			continue
		}
		score, ok := m.find(words, c.words)
		if !ok {
			continue
		}
		if len(c.words) > bestLen || score > best.Score {
			best = Match{Phrase: c.phrase, Score: score}
			bestLen = len(c.words)
		}
	}
	return best, bestLen > 0
}

// find looks for phrase as a contiguous run of words and returns the mean
// word score of the best run.
func (m *Matcher) find(words, phrase []word) (float64, bool) {
	best, found := 0.0, false
	for start := 0; start+len(phrase) <= len(words); start++ {
		total := 0.0
		ok := true
		for i, pw := range phrase {
			s, hit := m.similar(words[start+i], pw)
			if !hit {
				ok = false
				break
			}
			total += s
		}
		if ok {
			if s := total / float64(len(phrase)); !found || s > best {
				best, found = s, true
			}
		}
	}
	return best, found
}

func (m *Matcher) similar(a, b word) (float64, bool) {
	if a.text == b.text {
		return 1, true
	}
	jw := matchr.JaroWinkler(a.text, b.text, false)
	if jw >= m.similarity {
		return jw, true
	}
	if a.primary != "" && (a.primary == b.primary || a.primary == b.secondary ||
		(a.secondary != "" && (a.secondary == b.primary || a.secondary == b.secondary))) {
		// Same sound, different spelling.
		return max(jw, m.similarity), jw >= 0.6
	}
	return jw, false
}

// split lower-cases s, drops punctuation and computes phonetic codes.
func split(s string) []word {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := make([]word, 0, len(fields))
	for _, f := range fields {
		p, sec := matchr.DoubleMetaphone(f)
		out = append(out, word{text: f, primary: p, secondary: sec})
	}
	return out
}
