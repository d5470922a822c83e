package generate

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

// Sampling configures token selection and stop criteria for one session.
type Sampling struct {
	// Temperature scales logits before sampling. 0 selects greedily.
	Temperature float64 `yaml:"temperature" json:"temperature"`

	// TopK keeps the K most likely tokens. 0 keeps all.
	TopK int `yaml:"top_k" json:"top_k"`

	// TopP keeps the smallest set of tokens whose probability mass reaches
	// TopP. 0 or 1 keeps all.
	TopP float64 `yaml:"top_p" json:"top_p"`

	// Seed makes sampling deterministic for a fixed model and context.
	Seed uint64 `yaml:"seed" json:"seed"`

	// RepetitionPenalty divides positive (multiplies negative) logits of
	// tokens already in the history. 1 disables it.
	RepetitionPenalty float64 `yaml:"repetition_penalty" json:"repetition_penalty"`

	// MaxTokens bounds the sampled tokens of the session.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`

	// StopStrings end the session when they appear in the output. They are
	// not part of the delivered text.
	StopStrings []string `yaml:"stop_strings" json:"stop_strings,omitempty"`

	// StopTokens end the session when sampled, in addition to the
	// vocabulary's end-of-sequence token.
	StopTokens []int `yaml:"-" json:"stop_tokens,omitempty"`
}

// DefaultSampling returns murmur's default policy.
func DefaultSampling() Sampling {
	return Sampling{
		Temperature:       0.7,
		TopK:              40,
		TopP:              0.95,
		RepetitionPenalty: 1.0,
		MaxTokens:         256,
	}
}

// Greedy returns a deterministic argmax policy.
func Greedy(maxTokens int) Sampling {
	return Sampling{RepetitionPenalty: 1, MaxTokens: maxTokens}
}

// Validate reports every invalid field.
func (s Sampling) Validate() error {
	var errs []error
	if s.Temperature < 0 || math.IsNaN(s.Temperature) {
		errs = append(errs, fmt.Errorf("temperature %v is negative", s.Temperature))
	}
	if s.TopK < 0 {
		errs = append(errs, fmt.Errorf("top_k %d is negative", s.TopK))
	}
	if s.TopP < 0 || s.TopP > 1 {
		errs = append(errs, fmt.Errorf("top_p %v outside [0, 1]", s.TopP))
	}
	if s.RepetitionPenalty < 0 {
		errs = append(errs, fmt.Errorf("repetition_penalty %v is negative", s.RepetitionPenalty))
	}
	if s.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("max_tokens %d must be positive", s.MaxTokens))
	}
	if slices.Contains(s.StopStrings, "") {
		errs = append(errs, errors.New("stop strings must not be empty"))
	}
	return errors.Join(errs...)
}

// sampler selects tokens for one session.
type sampler struct {
	cfg  Sampling
	rng  *rand.Rand
	work []candidate
}

type candidate struct {
	id    int
	logit float64
	p     float64
}

func newSampler(cfg Sampling) *sampler {
	return &sampler{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// sample picks a token from logits. banned tokens are never selected;
// history receives the repetition penalty.
func (s *sampler) sample(logits []float32, banned func(int) bool, history []int) (int, error) {
	s.work = s.work[:0]
	for id, l := range logits {
		if banned(id) || math.IsNaN(float64(l)) {
			continue
		}
		s.work = append(s.work, candidate{id: id, logit: float64(l)})
	}
	if len(s.work) == 0 {
		return 0, errors.New("no selectable token")
	}

	if p := s.cfg.RepetitionPenalty; p > 0 && p != 1 {
		seen := make(map[int]bool, len(history))
		for _, id := range history {
			seen[id] = true
		}
		for i := range s.work {
			if !seen[s.work[i].id] {
				continue
			}
			if s.work[i].logit > 0 {
				s.work[i].logit /= p
			} else {
				s.work[i].logit *= p
			}
		}
	}

	// Highest logit first; lower ID wins ties so greedy is stable.
	slices.SortFunc(s.work, func(a, b candidate) int {
		return cmp.Or(cmp.Compare(b.logit, a.logit), cmp.Compare(a.id, b.id))
	})
	if s.cfg.Temperature <= 0 {
		return s.work[0].id, nil
	}

	cands := s.work
	if k := s.cfg.TopK; k > 0 && k < len(cands) {
		cands = cands[:k]
	}
	top := cands[0].logit / s.cfg.Temperature
	var sum float64
	for i := range cands {
		cands[i].p = math.Exp(cands[i].logit/s.cfg.Temperature - top)
		sum += cands[i].p
	}
	for i := range cands {
		cands[i].p /= sum
	}
	if p := s.cfg.TopP; p > 0 && p < 1 {
		var cum float64
		for i := range cands {
			cum += cands[i].p
			if cum >= p {
				cands = cands[:i+1]
				break
			}
		}
		sum = cum
	} else {
		sum = 1
	}

	r := s.rng.Float64() * sum
	for _, c := range cands {
		r -= c.p
		if r < 0 {
			return c.id, nil
		}
	}
	return cands[len(cands)-1].id, nil
}
