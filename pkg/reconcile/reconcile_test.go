package reconcile

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestCompareWithinTolerance(t *testing.T) {
	c, err := NewClassifier(nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if _, ok := c.Compare(d("1000.00"), d("1000.00"), d("0.01")); ok {
		t.Fatalf("exact match flagged")
	}
	if _, ok := c.Compare(d("1000.00"), d("999.99"), d("0.01")); ok {
		t.Fatalf("delta at tolerance flagged")
	}
}

func TestCompareDefaultLadder(t *testing.T) {
	c, err := NewClassifier(nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	cases := []struct {
		name string
		paid string
		want Severity
	}{
		{"just above tolerance", "998.50", SeverityNotice},
		{"several times tolerance", "996.00", SeverityWarning},
		{"way off", "900.00", SeverityCritical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, ok := c.Compare(d("1000.00"), d(tc.paid), d("1.00"))
			if !ok {
				t.Fatalf("expected mismatch")
			}
			if m.Severity != tc.want {
				t.Fatalf("severity=%s want=%s (delta=%s)", m.Severity, tc.want, m.Delta)
			}
		})
	}
}

func TestCompareSeverityScalesWithDelta(t *testing.T) {
	c, _ := NewClassifier(nil)
	small, ok1 := c.Compare(d("1000"), d("998"), d("1"))
	large, ok2 := c.Compare(d("1000"), d("200"), d("1"))
	if !ok1 || !ok2 {
		t.Fatalf("expected mismatches")
	}
	if small.Severity != SeverityNotice || large.Severity != SeverityCritical {
		t.Fatalf("small=%s large=%s", small.Severity, large.Severity)
	}
}

func TestCompareZeroTolerance(t *testing.T) {
	c, _ := NewClassifier(nil)
	m, ok := c.Compare(d("100.00"), d("99.99"), d("0"))
	if !ok {
		t.Fatalf("expected mismatch")
	}
	if m.Severity != SeverityCritical {
		t.Fatalf("severity=%s", m.Severity)
	}
}

func TestClassifierRules(t *testing.T) {
	rules := []Rule{
		{Name: "tiny", Priority: 10, Expr: `ratio <= 1.5`, Severity: SeverityNotice},
		{Name: "payday-cap", Priority: 20, Expr: `delta > 10000.0`, Severity: SeverityCritical},
		{Name: "rest", Priority: 30, Expr: `true`, Severity: SeverityWarning},
	}
	c, err := NewClassifier(rules)
	if err != nil {
		t.Fatalf("err=%v", err)
	}

	m, ok := c.Compare(d("50000"), d("30000"), d("100"))
	if !ok || m.Severity != SeverityCritical {
		t.Fatalf("ok=%v severity=%s", ok, m.Severity)
	}

	m, ok = c.Compare(d("1000"), d("850"), d("100"))
	if !ok || m.Severity != SeverityNotice {
		t.Fatalf("ok=%v severity=%s", ok, m.Severity)
	}

	m, ok = c.Compare(d("1000"), d("500"), d("100"))
	if !ok || m.Severity != SeverityWarning {
		t.Fatalf("ok=%v severity=%s", ok, m.Severity)
	}
}

func TestClassifierRejectsBadRules(t *testing.T) {
	if _, err := NewClassifier([]Rule{{Name: "broken", Expr: `ratio >`, Severity: SeverityNotice}}); err == nil {
		t.Fatalf("expected compile error")
	}
	if _, err := NewClassifier([]Rule{{Name: "bad-severity", Expr: `true`, Severity: "SHRUG"}}); err == nil {
		t.Fatalf("expected severity error")
	}
}
