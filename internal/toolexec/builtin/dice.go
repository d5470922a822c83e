package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/MrWong99/murmur/internal/toolexec"
)

// maxDice bounds a single expression.
const maxDice = 100

func randIntN(n int) int { return rand.IntN(n) }

type rollArgs struct {
	Expression string `json:"expression"`
}

type rollResult struct {
	Expression string `json:"expression"`
	Rolls      []int  `json:"rolls"`
	Total      int    `json:"total"`
}

// parseExpression parses NdS, NdS+M or NdS-M. N defaults to 1.
func parseExpression(expr string) (count, sides, modifier int, err error) {
	expr = strings.ToLower(strings.ReplaceAll(expr, " ", ""))
	d := strings.IndexByte(expr, 'd')
	if d < 0 {
		return 0, 0, 0, fmt.Errorf("roll: invalid expression %q: missing 'd'", expr)
	}
	count = 1
	if d > 0 {
		if count, err = strconv.Atoi(expr[:d]); err != nil {
			return 0, 0, 0, fmt.Errorf("roll: invalid dice count in %q", expr)
		}
	}
	if count < 1 || count > maxDice {
		return 0, 0, 0, fmt.Errorf("roll: dice count must be between 1 and %d, got %d", maxDice, count)
	}

	rest := expr[d+1:]
	sidesStr := rest
	if i := strings.IndexAny(rest, "+-"); i >= 0 {
		sidesStr = rest[:i]
		if modifier, err = strconv.Atoi(rest[i:]); err != nil {
			return 0, 0, 0, fmt.Errorf("roll: invalid modifier in %q", expr)
		}
	}
	if sides, err = strconv.Atoi(sidesStr); err != nil {
		return 0, 0, 0, fmt.Errorf("roll: invalid sides in %q", expr)
	}
	if sides < 1 {
		return 0, 0, 0, fmt.Errorf("roll: sides must be at least 1, got %d", sides)
	}
	return count, sides, modifier, nil
}

func rollTool(c *config) toolexec.BuiltinTool {
	return toolexec.BuiltinTool{
		Definition: toolexec.Definition{
			Name:        "roll",
			Description: "Rolls dice. Takes an expression like 1d6, 2d20+3 or d8-1.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []string{"expression"},
				"properties": map[string]any{
					"expression": map[string]any{"type": "string"},
				},
			},
			EstimatedDurationMs: 1,
		},
		Handler: func(_ context.Context, args json.RawMessage) (string, error) {
			var a rollArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return "", fmt.Errorf("roll: parse arguments: %w", err)
			}
			if a.Expression == "" {
				return "", errors.New("roll: expression must not be empty")
			}
			count, sides, modifier, err := parseExpression(a.Expression)
			if err != nil {
				return "", err
			}
			res := rollResult{Expression: a.Expression, Rolls: make([]int, count), Total: modifier}
			for i := range count {
				r := c.roll(sides) + 1
				res.Rolls[i] = r
				res.Total += r
			}
			b, err := json.Marshal(res)
			if err != nil {
				return "", fmt.Errorf("roll: encode result: %w", err)
			}
			return string(b), nil
		},
	}
}
