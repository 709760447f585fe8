package travelband

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func tiers() []Tier {
	to := date("2023-06-30")
	return []Tier{
		{Mode: "car", MinKM: d("0"), MaxKM: dp("10"), MonthlyRate: d("5000"), EffectiveFrom: date("2022-01-01"), Active: true},
		{Mode: "car", MinKM: d("10.01"), MaxKM: dp("30"), MonthlyRate: d("9000"), EffectiveFrom: date("2022-01-01"), Active: true},
		{Mode: "car", MinKM: d("30.01"), MaxKM: nil, MonthlyRate: d("15000"), EffectiveFrom: date("2022-01-01"), Active: true},
		{Mode: "bike", MinKM: d("0"), MaxKM: nil, MonthlyRate: d("2500"), EffectiveFrom: date("2022-01-01"), EffectiveTo: &to, Active: true},
		{Mode: "bike", MinKM: d("0"), MaxKM: nil, MonthlyRate: d("3000"), EffectiveFrom: date("2023-07-01"), Active: true},
		{Mode: "car", MinKM: d("0"), MaxKM: nil, MonthlyRate: d("1"), EffectiveFrom: date("2021-01-01"), Active: false},
	}
}

func TestResolveDistanceBands(t *testing.T) {
	on := date("2023-03-01")
	cases := []struct {
		name     string
		mode     string
		distance string
		wantRate string
		wantOK   bool
	}{
		{"inside first band", "car", "7", "5000", true},
		{"band upper bound inclusive", "car", "10", "5000", true},
		{"second band", "car", "15", "9000", true},
		{"unbounded top band", "car", "250", "15000", true},
		{"mode case-insensitive", "CAR", "7", "5000", true},
		{"unknown mode", "boat", "7", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tier, ok := Resolve(tiers(), tc.mode, d(tc.distance), on)
			if ok != tc.wantOK {
				t.Fatalf("ok=%v", ok)
			}
			if ok && !tier.MonthlyRate.Equal(d(tc.wantRate)) {
				t.Fatalf("rate=%s want=%s", tier.MonthlyRate, tc.wantRate)
			}
		})
	}
}

func TestResolveEffectiveWindow(t *testing.T) {
	tier, ok := Resolve(tiers(), "bike", d("5"), date("2023-03-01"))
	if !ok || !tier.MonthlyRate.Equal(d("2500")) {
		t.Fatalf("ok=%v rate=%s", ok, tier.MonthlyRate)
	}

	tier, ok = Resolve(tiers(), "bike", d("5"), date("2023-08-01"))
	if !ok || !tier.MonthlyRate.Equal(d("3000")) {
		t.Fatalf("ok=%v rate=%s", ok, tier.MonthlyRate)
	}

	// gap between the two bike windows
	if _, ok := Resolve(tiers(), "bike", d("5"), date("2021-01-01")); ok {
		t.Fatalf("expected no tier before any window")
	}
}

func TestResolveSkipsInactive(t *testing.T) {
	only := []Tier{{Mode: "car", MinKM: d("0"), MonthlyRate: d("1"), EffectiveFrom: date("2021-01-01"), Active: false}}
	if _, ok := Resolve(only, "car", d("5"), date("2023-01-01")); ok {
		t.Fatalf("inactive tier resolved")
	}
}
