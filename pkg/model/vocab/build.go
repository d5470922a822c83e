package vocab

// Build lays out a vocabulary as the named special tokens (rendered as
// "<|name|>"), the 256 byte tokens, then pieces in order. Duplicate pieces
// are skipped.
func Build(specials []string, pieces []string) (tokens []string, special map[string]int) {
	special = make(map[string]int, len(specials))
	seen := make(map[string]bool, len(specials)+256+len(pieces))
	for _, name := range specials {
		special[name] = len(tokens)
		tok := "<|" + name + "|>"
		seen[tok] = true
		tokens = append(tokens, tok)
	}
	for b := range 256 {
		tok := ByteToken(byte(b))
		seen[tok] = true
		tokens = append(tokens, tok)
	}
	for _, p := range pieces {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		tokens = append(tokens, p)
	}
	return tokens, special
}

// EnglishPieces is a small English piece set used by synthetic models:
// letters, space-prefixed letters, punctuation and common words.
func EnglishPieces() []string {
	var out []string
	for c := 'a'; c <= 'z'; c++ {
		out = append(out, string(c), " "+string(c))
	}
	out = append(out, " ", ".", ",", "?", "!", "'", "\n", ":", "\"", "{", "}", "<", ">", "/", "_")
	for _, w := range commonWords {
		out = append(out, w, " "+w)
	}
	return out
}

var commonWords = []string{
	"the", "and", "you", "that", "what", "time", "is", "it", "to", "of",
	"in", "for", "on", "with", "hello", "please", "can", "how", "are",
	"roll", "dice", "weather", "today", "now", "tell", "me", "about",
	"stop", "thanks", "goodbye", "yes", "no", "tool", "call", "result",
	"name", "arguments", "sides", "count", "user", "assistant", "system",
}
