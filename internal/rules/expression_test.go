package rules

import (
	"testing"

	"github.com/gyaneshwarpardhi/fluxwatch/internal/config"
)

func TestCompile(t *testing.T) {
	w := Window{InboundTotal: 0, OutboundTotal: 900, NetChange: -900, Ratio: 0, EventCount: 1}

	cases := []struct {
		name string
		expr string
		w    Window
		want bool
	}{
		{name: "gt true", expr: "outbound_total > 500", w: w, want: true},
		{name: "gt false", expr: "outbound_total > 1000", w: w, want: false},
		{name: "gte equal", expr: "outbound_total >= 900", w: w, want: true},
		{name: "lte", expr: "event_count <= 1", w: w, want: true},
		{name: "eq zero", expr: "inbound_total == 0", w: w, want: true},
		{name: "neq", expr: "inbound_total != 0", w: w, want: false},
		{name: "negative literal", expr: "net_change < -500", w: w, want: true},
		{name: "decimal literal", expr: "ratio >= 0.8", w: Window{Ratio: 0.8}, want: true},
		{name: "field on both sides", expr: "outbound_total > inbound_total", w: w, want: true},
		{name: "AND both true", expr: "inbound_total == 0 AND outbound_total >= 500", w: w, want: true},
		{name: "AND one false", expr: "inbound_total == 0 AND outbound_total >= 5000", w: w, want: false},
		{name: "OR one true", expr: "ratio > 1 OR event_count == 1", w: w, want: true},
		{name: "lowercase keywords", expr: "ratio > 1 or event_count == 1", w: w, want: true},
		{name: "NOT", expr: "NOT ratio > 0.5", w: w, want: true},
		{name: "precedence AND over OR", expr: "ratio > 1 OR event_count == 1 AND inbound_total > 0", w: w, want: false},
		{name: "parentheses", expr: "(ratio > 1 OR event_count == 1) AND outbound_total > 0", w: w, want: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pred, err := Compile(tc.expr)
			if err != nil {
				t.Fatalf("Compile(%q) error: %v", tc.expr, err)
			}
			if got := pred(tc.w); got != tc.want {
				t.Errorf("Compile(%q)(%+v) = %v, want %v", tc.expr, tc.w, got, tc.want)
			}
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	cases := []string{
		``,
		`outbound_total 1000`,
		`balance > 10`,
		`ratio = 1`,
		`(ratio > 1`,
		`ratio > 1 extra`,
		`ratio > "high"`,
		`ratio > 1 AND`,
		`1.2.3 > ratio`,
	}
	for _, expr := range cases {
		t.Run(expr, func(t *testing.T) {
			if _, err := Compile(expr); err == nil {
				t.Errorf("expected compile error for %q, got nil", expr)
			}
		})
	}
}

func TestBuild(t *testing.T) {
	defs := []config.RuleDef{
		{ID: "unfunded_outflow", Enabled: true, Expression: "inbound_total == 0 AND outbound_total >= 500"},
		{ID: "disabled", Enabled: false, Expression: "not even parsed >"},
		{ID: "busy", Enabled: true, Expression: "event_count >= 10"},
	}
	s, err := Build(defs)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 enabled rules, got %d", s.Len())
	}

	got := s.Match(Window{OutboundTotal: 900, EventCount: 1})
	if len(got) != 1 || got[0].ID != "unfunded_outflow" {
		t.Errorf("expected [unfunded_outflow], got %v", got)
	}
}

func TestBuild_InvalidExpression(t *testing.T) {
	_, err := Build([]config.RuleDef{{ID: "bad", Enabled: true, Expression: "ratio >>"}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestSet_NilIsEmpty(t *testing.T) {
	var s *Set
	if s.Len() != 0 || s.Match(Window{}) != nil {
		t.Error("nil set should match nothing")
	}
}
