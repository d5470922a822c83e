package builtin_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/MrWong99/murmur/internal/toolexec"
	"github.com/MrWong99/murmur/internal/toolexec/builtin"
)

func handler(t *testing.T, name string, opts ...builtin.Option) func(context.Context, json.RawMessage) (string, error) {
	t.Helper()
	for _, tool := range builtin.Tools(opts...) {
		if tool.Definition.Name == name {
			return tool.Handler
		}
	}
	t.Fatalf("no builtin tool %q", name)
	return nil
}

func TestParseExpression(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr                  string
		count, sides, modifer int
		wantErr               bool
	}{
		{expr: "2d6+3", count: 2, sides: 6, modifer: 3},
		{expr: "d20", count: 1, sides: 20},
		{expr: "1D8 - 1", count: 1, sides: 8, modifer: -1},
		{expr: "3d4-2", count: 3, sides: 4, modifer: -2},
		{expr: "6", wantErr: true},
		{expr: "0d6", wantErr: true},
		{expr: "101d6", wantErr: true},
		{expr: "2d0", wantErr: true},
		{expr: "2dx", wantErr: true},
		{expr: "2d6+x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()
			count, sides, mod, err := builtin.ParseExpression(tt.expr)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseExpression(%q) succeeded, want error", tt.expr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseExpression(%q): %v", tt.expr, err)
			}
			if count != tt.count || sides != tt.sides || mod != tt.modifer {
				t.Errorf("ParseExpression(%q) = %d, %d, %d; want %d, %d, %d", tt.expr, count, sides, mod, tt.count, tt.sides, tt.modifer)
			}
		})
	}
}

func TestRoll(t *testing.T) {
	t.Parallel()

	// Always the highest face.
	roll := handler(t, "roll", builtin.WithRand(func(n int) int { return n - 1 }))
	out, err := roll(context.Background(), json.RawMessage(`{"expression":"2d6+3"}`))
	if err != nil {
		t.Fatalf("roll: %v", err)
	}
	var res struct {
		Rolls []int `json:"rolls"`
		Total int   `json:"total"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if res.Total != 15 || len(res.Rolls) != 2 {
		t.Errorf("roll result = %+v, want two sixes totalling 15", res)
	}

	if _, err := roll(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Error("roll without expression succeeded")
	}
}

func TestClock(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 3, 2, 11, 30, 0, 0, time.UTC)
	clock := handler(t, "clock", builtin.WithClock(func() time.Time { return fixed }))

	out, err := clock(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("clock: %v", err)
	}
	var res struct {
		Time    string `json:"time"`
		Weekday string `json:"weekday"`
		Zone    string `json:"zone"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if res.Time != "11:30" || res.Weekday != "Monday" || res.Zone != "UTC" {
		t.Errorf("clock = %+v", res)
	}

	if _, err := clock(context.Background(), json.RawMessage(`{"zone":"Nowhere/Special"}`)); err == nil {
		t.Error("clock with unknown zone succeeded")
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()

	h := toolexec.New()
	t.Cleanup(func() { _ = h.Close() })
	if err := builtin.Register(h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	names := h.Names()
	if len(names) != 2 || names[0] != "clock" || names[1] != "roll" {
		t.Errorf("Names() = %v, want [clock roll]", names)
	}
}
