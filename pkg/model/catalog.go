package model

import (
	"fmt"
	"slices"
)

// Spec describes a known model architecture and its resource footprint.
type Spec struct {
	ID      string
	Family  string
	Variant string
	Role    Role

	// Repo is the upstream weight repository.
	Repo string

	// DiskMB and RAMMB are the approximate on-disk blob size and resident
	// memory of the 4-bit build.
	DiskMB int
	RAMMB  int

	Vocab  int
	Hidden int
	Layers int
	Heads  int

	// Mels is the expected input width for speech models.
	Mels int
}

// Catalog is the list of model architectures murmur knows how to run.
var Catalog = []Spec{
	{ID: "whisper-tiny.en", Family: "whisper", Variant: "tiny", Role: RoleSTT, Repo: "openai/whisper-tiny.en",
		DiskMB: 75, RAMMB: 390, Vocab: 51864, Hidden: 384, Layers: 4, Heads: 6, Mels: 80},
	{ID: "whisper-base", Family: "whisper", Variant: "base", Role: RoleSTT, Repo: "openai/whisper-base",
		DiskMB: 142, RAMMB: 500, Vocab: 51865, Hidden: 512, Layers: 6, Heads: 8, Mels: 80},
	{ID: "whisper-small", Family: "whisper", Variant: "small", Role: RoleSTT, Repo: "openai/whisper-small",
		DiskMB: 466, RAMMB: 1000, Vocab: 51865, Hidden: 768, Layers: 12, Heads: 12, Mels: 80},
	{ID: "phi-2", Family: "phi", Variant: "2.7b", Role: RoleLLM, Repo: "microsoft/phi-2",
		DiskMB: 1500, RAMMB: 2000, Vocab: 50257, Hidden: 2560, Layers: 32, Heads: 32},
	{ID: "tinyllama-1.1b-chat", Family: "llama", Variant: "1.1b", Role: RoleLLM, Repo: "TinyLlama/TinyLlama-1.1B-Chat-v1.0",
		DiskMB: 600, RAMMB: 800, Vocab: 32000, Hidden: 2048, Layers: 22, Heads: 32},
}

// Lookup returns the catalog spec with the given ID.
func Lookup(id string) (Spec, bool) {
	i := slices.IndexFunc(Catalog, func(s Spec) bool { return s.ID == id })
	if i < 0 {
		return Spec{}, false
	}
	return Catalog[i], true
}

// ByRole returns the catalog specs serving role, smallest first.
func ByRole(role Role) []Spec {
	var out []Spec
	for _, s := range Catalog {
		if s.Role == role {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b Spec) int { return a.RAMMB - b.RAMMB })
	return out
}

// FitsBudget reports whether the given specs can be resident together within
// budgetMB of memory. It returns the total on failure.
func FitsBudget(budgetMB int, specs ...Spec) error {
	var total int
	for _, s := range specs {
		total += s.RAMMB
	}
	if total > budgetMB {
		return fmt.Errorf("model: %d MB needed, budget is %d MB", total, budgetMB)
	}
	return nil
}
