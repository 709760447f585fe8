// Package reconcile compares computed net pay against externally reported
// paid amounts under a tolerance and classifies the resulting mismatches.
// Severity comes from an ordered rule table evaluated with CEL so that
// operations can tune the ladder without a code change; a built-in ladder
// applies when no rules are configured.
package reconcile

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"
)

type Severity string

const (
	SeverityNotice   Severity = "NOTICE"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

type Mismatch struct {
	Computed  decimal.Decimal
	Paid      decimal.Decimal
	Delta     decimal.Decimal
	Tolerance decimal.Decimal
	Severity  Severity
}

// Rule selects a severity when its CEL expression evaluates true. Rules are
// tried in ascending Priority order; the first match wins. Expressions see
// three double variables: delta (absolute), tolerance, and ratio
// (delta/tolerance, 0 when tolerance is 0).
type Rule struct {
	Name     string
	Priority int
	Expr     string
	Severity Severity
}

type compiledRule struct {
	rule    Rule
	program cel.Program
}

type Classifier struct {
	rules []compiledRule
}

func NewClassifier(rules []Rule) (*Classifier, error) {
	if len(rules) == 0 {
		return &Classifier{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("delta", cel.DoubleType),
		cel.Variable("tolerance", cel.DoubleType),
		cel.Variable("ratio", cel.DoubleType),
	)
	if err != nil {
		return nil, err
	}

	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	out := make([]compiledRule, 0, len(ordered))
	for _, r := range ordered {
		switch r.Severity {
		case SeverityNotice, SeverityWarning, SeverityCritical:
		default:
			return nil, fmt.Errorf("reconcile: rule %q has unknown severity %q", r.Name, r.Severity)
		}
		ast, iss := env.Compile(r.Expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("reconcile: rule %q: %w", r.Name, iss.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("reconcile: rule %q: %w", r.Name, err)
		}
		out = append(out, compiledRule{rule: r, program: prg})
	}
	return &Classifier{rules: out}, nil
}

// Compare returns (mismatch, true) when |computed-paid| exceeds the
// tolerance, (zero, false) otherwise. Mismatches are advisory.
func (c *Classifier) Compare(computed, paid, tolerance decimal.Decimal) (Mismatch, bool) {
	if tolerance.IsNegative() {
		tolerance = decimal.Zero
	}
	delta := computed.Sub(paid).Abs()
	if delta.Cmp(tolerance) <= 0 {
		return Mismatch{}, false
	}
	m := Mismatch{
		Computed:  computed,
		Paid:      paid,
		Delta:     delta,
		Tolerance: tolerance,
		Severity:  c.severityFor(delta, tolerance),
	}
	return m, true
}

func (c *Classifier) severityFor(delta, tolerance decimal.Decimal) Severity {
	ratio := 0.0
	if tolerance.IsPositive() {
		ratio, _ = delta.Div(tolerance).Float64()
	}
	deltaF, _ := delta.Float64()
	toleranceF, _ := tolerance.Float64()

	for _, cr := range c.rules {
		out, _, err := cr.program.Eval(map[string]any{
			"delta":     deltaF,
			"tolerance": toleranceF,
			"ratio":     ratio,
		})
		if err != nil {
			continue
		}
		if matched, ok := out.Value().(bool); ok && matched {
			return cr.rule.Severity
		}
	}
	return defaultSeverity(ratio, tolerance)
}

func defaultSeverity(ratio float64, tolerance decimal.Decimal) Severity {
	if tolerance.IsZero() {
		return SeverityCritical
	}
	switch {
	case ratio <= 2:
		return SeverityNotice
	case ratio <= 5:
		return SeverityWarning
	default:
		return SeverityCritical
	}
}
