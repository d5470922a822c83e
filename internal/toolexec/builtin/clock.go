package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MrWong99/murmur/internal/toolexec"
)

type clockArgs struct {
	Zone string `json:"zone"`
}

type clockResult struct {
	Time    string `json:"time"`
	Weekday string `json:"weekday"`
	Zone    string `json:"zone"`
}

func clockTool(c *config) toolexec.BuiltinTool {
	return toolexec.BuiltinTool{
		Definition: toolexec.Definition{
			Name:        "clock",
			Description: "Returns the current date and time.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"zone": map[string]any{
						"type":        "string",
						"description": "IANA time zone, e.g. Europe/Berlin. Defaults to local time.",
					},
				},
			},
			EstimatedDurationMs: 1,
		},
		Handler: func(_ context.Context, args json.RawMessage) (string, error) {
			var a clockArgs
			if len(args) > 0 {
				if err := json.Unmarshal(args, &a); err != nil {
					return "", fmt.Errorf("clock: parse arguments: %w", err)
				}
			}
			now := c.now()
			if a.Zone != "" {
				loc, err := time.LoadLocation(a.Zone)
				if err != nil {
					return "", fmt.Errorf("clock: unknown zone %q", a.Zone)
				}
				now = now.In(loc)
			}
			b, err := json.Marshal(clockResult{
				Time:    now.Format("15:04"),
				Weekday: now.Weekday().String(),
				Zone:    now.Location().String(),
			})
			if err != nil {
				return "", fmt.Errorf("clock: encode result: %w", err)
			}
			return string(b), nil
		},
	}
}
