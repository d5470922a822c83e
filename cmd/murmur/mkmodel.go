package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/murmur/internal/generate"
	"github.com/MrWong99/murmur/internal/prompt"
	"github.com/MrWong99/murmur/internal/stt"
	"github.com/MrWong99/murmur/pkg/model"
)

func newMkmodelCmd() *cobra.Command {
	var (
		role     string
		id       string
		version  string
		quant    string
		phrase   string
		reply    string
		toolCall string
		output   string
		seed     uint64
	)
	cmd := &cobra.Command{
		Use:   "mkmodel",
		Short: "Write a synthetic model blob and print its descriptor",
		Long: `Write a small self-contained model blob and print a YAML descriptor that
can be pasted into the models section of the config.

  stt: transcribes every utterance as --phrase.
  llm: answers every turn with --reply. With --tool-call the first reply is
       that tool call markup and --reply is given once the result is in.

Examples:
  murmur mkmodel --role stt --phrase "what time is it" -o stt.bin
  murmur mkmodel --role llm --tool-call '<tool_call>{"name":"clock","arguments":{}}</tool_call>' \
      --reply "Here you go." -o llm.bin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := model.ParseRole(role)
			if err != nil {
				return err
			}
			q := model.Quantization(quant)
			if !q.Valid() {
				return fmt.Errorf("--quant %q is invalid", quant)
			}
			if output == "" {
				return errors.New("--output is required")
			}

			var data []byte
			switch r {
			case model.RoleSTT:
				data, err = stt.BuildSynthetic(stt.SyntheticConfig{Phrase: phrase, Quantization: q, Seed: seed})
			case model.RoleLLM:
				tokens, special := prompt.Vocabulary()
				turns := []generate.ScriptTurn{{Anchor: "<|assistant|>", Reply: reply}}
				if toolCall != "" {
					turns = []generate.ScriptTurn{
						{Anchor: "<|assistant|>", Reply: toolCall},
						{Anchor: generate.ResultClose, Reply: reply},
					}
				}
				data, err = generate.BuildScripted(generate.ScriptConfig{
					Tokens: tokens, Special: special, Turns: turns, Quantization: q,
				})
			}
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			abs, err := filepath.Abs(output)
			if err != nil {
				return err
			}

			sum := sha256.Sum256(data)
			desc := model.Descriptor{
				ID:           id,
				Version:      version,
				Family:       map[model.Role]string{model.RoleSTT: "whisper", model.RoleLLM: "llama"}[r],
				Variant:      "synthetic",
				Role:         r,
				Quantization: q,
				URL:          "file://" + filepath.ToSlash(abs),
				Size:         int64(len(data)),
				SHA256:       hex.EncodeToString(sum[:]),
			}
			if desc.ID == "" {
				desc.ID = desc.Family + "-synthetic"
			}
			if err := desc.Validate(); err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode([]model.Descriptor{desc}); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	f := cmd.Flags()
	f.StringVar(&role, "role", "stt", "model role (stt or llm)")
	f.StringVar(&id, "id", "", "model ID (default: <family>-synthetic)")
	f.StringVar(&version, "version", "1", "model version")
	f.StringVar(&quant, "quant", string(model.Q4_0), "weight quantization (f32, q8_0 or q4_0)")
	f.StringVar(&phrase, "phrase", "what time is it", "transcript of the speech model")
	f.StringVar(&reply, "reply", "I am listening.", "reply of the language model")
	f.StringVar(&toolCall, "tool-call", "", "tool call markup the language model emits first")
	f.StringVarP(&output, "output", "o", "", "blob output path")
	f.Uint64Var(&seed, "seed", 7, "weight seed of the speech model")
	return cmd
}
