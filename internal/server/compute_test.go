package server

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meadowhr/payrollcore/pkg/reconcile"
	"github.com/meadowhr/payrollcore/pkg/taxtable"
	"github.com/meadowhr/payrollcore/pkg/travelband"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func testSchedules() []taxtable.Schedule {
	return []taxtable.Schedule{
		{
			Name:          "fy2026",
			EffectiveFrom: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
			Brackets: []taxtable.Bracket{
				{Lower: dec("0"), Upper: decp("600000"), Fixed: dec("0"), Rate: dec("0")},
				{Lower: dec("600000"), Upper: decp("1200000"), Fixed: dec("0"), Rate: dec("0.01")},
				{Lower: dec("1200000"), Fixed: dec("6000"), Rate: dec("0.025")},
			},
		},
	}
}

type engineFixture struct {
	engine  *Engine
	periods PeriodStore
	ids     IdentityStore
	md      MasterDataStore
	period  Period
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	periods := NewMemoryPeriodStore()
	ids := NewMemoryIdentityStore()
	md := NewMemoryMasterDataStore()
	if err := md.PutTaxSchedules(context.Background(), testSchedules()); err != nil {
		t.Fatalf("err=%v", err)
	}
	p := newDraftPeriod(t, periods, "02/2026", "2026-02-01", "2026-02-28")
	return &engineFixture{
		engine:  &Engine{Periods: periods, Identities: ids, MasterData: md, Tolerance: DefaultTolerance()},
		periods: periods,
		ids:     ids,
		md:      md,
		period:  p,
	}
}

func (fx *engineFixture) setInput(t *testing.T, nameKey, component, amount string) {
	t.Helper()
	if err := fx.periods.SetInputValue(context.Background(), fx.period.ID, ManualInputParams{
		NameKey: nameKey, Component: component, Amount: dec(amount),
	}); err != nil {
		t.Fatalf("err=%v", err)
	}
}

func (fx *engineFixture) metric(t *testing.T, nameKey, metric string) decimal.Decimal {
	t.Helper()
	values, err := fx.periods.ListComputedValues(context.Background(), fx.period.ID)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	for _, cv := range values {
		if cv.NameKey == nameKey && cv.Metric == metric {
			return cv.Amount
		}
	}
	t.Fatalf("metric %s/%s missing in %+v", nameKey, metric, values)
	return decimal.Decimal{}
}

func TestRecalculateProgressiveTax(t *testing.T) {
	fx := newEngineFixture(t)
	// Annualized 1,000,000 lands in the 600k-1.2M bracket at 1 percent.
	fx.setInput(t, "ali raza", "BASIC_SALARY", "83333.33")

	period, out, err := fx.engine.Recalculate(context.Background(), fx.period.ID)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if period.Status != StatusCalculated {
		t.Fatalf("status=%s failures=%+v", period.Status, out.Failures)
	}
	if tax := fx.metric(t, "ali raza", MetricIncomeTax); !tax.Equal(dec("333.33")) {
		t.Fatalf("tax=%s", tax)
	}
	if net := fx.metric(t, "ali raza", MetricNetSalary); !net.Equal(dec("83000.00")) {
		t.Fatalf("net=%s", net)
	}
	if !period.Summary.TotalNet.Equal(dec("83000.00")) {
		t.Fatalf("total net=%s", period.Summary.TotalNet)
	}
}

func TestRecalculateBelowThresholdPaysNoTax(t *testing.T) {
	fx := newEngineFixture(t)
	fx.setInput(t, "sara khan", "BASIC_SALARY", "40000")
	fx.setInput(t, "sara khan", "MEDICAL_ALLOWANCE", "5000")
	fx.setInput(t, "sara khan", "LOAN_DEDUCTION", "2000")

	if _, _, err := fx.engine.Recalculate(context.Background(), fx.period.ID); err != nil {
		t.Fatalf("err=%v", err)
	}
	if tax := fx.metric(t, "sara khan", MetricIncomeTax); !tax.IsZero() {
		t.Fatalf("tax=%s", tax)
	}
	// 40000 + 5000 - 2000
	if net := fx.metric(t, "sara khan", MetricNetSalary); !net.Equal(dec("43000.00")) {
		t.Fatalf("net=%s", net)
	}
}

func TestRecalculateProratesByAttendance(t *testing.T) {
	fx := newEngineFixture(t)
	fx.setInput(t, "ali raza", "BASIC_SALARY", "52000")

	// February 2026 has 20 weekdays. 10 present days halves the salary.
	ctx := context.Background()
	day := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	marked := 0
	for marked < 10 {
		if day.Weekday() != time.Saturday && day.Weekday() != time.Sunday {
			if err := fx.periods.SetAttendance(ctx, fx.period.ID, "ali raza", day.Format(dateLayout), AttendancePresent); err != nil {
				t.Fatalf("err=%v", err)
			}
			marked++
		}
		day = day.AddDate(0, 0, 1)
	}

	if _, _, err := fx.engine.Recalculate(ctx, fx.period.ID); err != nil {
		t.Fatalf("err=%v", err)
	}
	if got := fx.metric(t, "ali raza", MetricWorkingDays); !got.Equal(dec("20")) {
		t.Fatalf("working days=%s", got)
	}
	if got := fx.metric(t, "ali raza", MetricPresentDays); !got.Equal(dec("10")) {
		t.Fatalf("present days=%s", got)
	}
	if got := fx.metric(t, "ali raza", MetricNetSalary); !got.Equal(dec("26000.00")) {
		t.Fatalf("net=%s", got)
	}
}

func TestRecalculateHolidaysShrinkWorkingDays(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	if err := fx.md.PutHolidays(ctx, []string{"2026-02-05"}); err != nil {
		t.Fatalf("err=%v", err)
	}
	fx.setInput(t, "ali raza", "BASIC_SALARY", "52000")
	if err := fx.periods.SetAttendance(ctx, fx.period.ID, "ali raza", "2026-02-02", AttendancePresent); err != nil {
		t.Fatalf("err=%v", err)
	}

	if _, _, err := fx.engine.Recalculate(ctx, fx.period.ID); err != nil {
		t.Fatalf("err=%v", err)
	}
	if got := fx.metric(t, "ali raza", MetricWorkingDays); !got.Equal(dec("19")) {
		t.Fatalf("working days=%s", got)
	}
}

func TestRecalculateTravelAllowanceFromTier(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	emp := Employee{ID: newID(), FullName: "Ali Raza", Email: "ali@example.com", CommuteMode: "car", CommuteKM: dec("18"), Active: true}
	if err := fx.ids.PutEmployees(ctx, []Employee{emp}); err != nil {
		t.Fatalf("err=%v", err)
	}
	if _, err := fx.ids.BindMapping(ctx, "ali raza", emp.ID); err != nil {
		t.Fatalf("err=%v", err)
	}
	if err := fx.md.PutTravelTiers(ctx, []travelband.Tier{
		{Mode: "car", MinKM: dec("0"), MaxKM: decp("10"), MonthlyRate: dec("3000"), EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Active: true},
		{Mode: "car", MinKM: dec("10.01"), MaxKM: decp("30"), MonthlyRate: dec("6500"), EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Active: true},
	}); err != nil {
		t.Fatalf("err=%v", err)
	}
	fx.setInput(t, "ali raza", "BASIC_SALARY", "40000")

	if _, _, err := fx.engine.Recalculate(ctx, fx.period.ID); err != nil {
		t.Fatalf("err=%v", err)
	}
	if got := fx.metric(t, "ali raza", MetricTravelAllowance); !got.Equal(dec("6500")) {
		t.Fatalf("travel=%s", got)
	}
	if got := fx.metric(t, "ali raza", MetricNetSalary); !got.Equal(dec("46500.00")) {
		t.Fatalf("net=%s", got)
	}
}

func TestRecalculatePartialOnIdentityFailure(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	// Bound employee commutes by bike but no bike tier exists; that one
	// identity fails, the other computes.
	emp := Employee{ID: newID(), FullName: "Ali Raza", CommuteMode: "bike", CommuteKM: dec("5"), Active: true}
	if err := fx.ids.PutEmployees(ctx, []Employee{emp}); err != nil {
		t.Fatalf("err=%v", err)
	}
	if _, err := fx.ids.BindMapping(ctx, "ali raza", emp.ID); err != nil {
		t.Fatalf("err=%v", err)
	}
	fx.setInput(t, "ali raza", "BASIC_SALARY", "40000")
	fx.setInput(t, "sara khan", "BASIC_SALARY", "45000")

	period, out, err := fx.engine.Recalculate(ctx, fx.period.ID)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if period.Status != StatusPartial {
		t.Fatalf("status=%s", period.Status)
	}
	if len(out.Failures) != 1 || out.Failures[0].NameKey != "ali raza" {
		t.Fatalf("failures=%+v", out.Failures)
	}
	if out.Summary.Succeeded != 1 || out.Summary.Failed != 1 {
		t.Fatalf("summary=%+v", out.Summary)
	}
	fx.metric(t, "sara khan", MetricNetSalary)
}

func TestRecalculateReconciliationSeverity(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	fx.engine.Tolerance = dec("50")

	fx.setInput(t, "ali raza", "BASIC_SALARY", "50000")
	fx.setInput(t, "ali raza", componentPaidNet, "49900")

	_, out, err := fx.engine.Recalculate(ctx, fx.period.ID)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(out.Mismatches) != 1 {
		t.Fatalf("mismatches=%+v", out.Mismatches)
	}
	m := out.Mismatches[0]
	if !m.Delta.Equal(dec("100")) || m.Severity != reconcile.SeverityNotice {
		t.Fatalf("mismatch=%+v", m)
	}

	// Within tolerance is clean.
	fx.engine.Tolerance = dec("150")
	_, out, err = fx.engine.Recalculate(ctx, fx.period.ID)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(out.Mismatches) != 0 {
		t.Fatalf("mismatches=%+v", out.Mismatches)
	}
}

func TestRecalculateCustomSeverityRules(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	if err := fx.md.PutSeverityRules(ctx, []reconcile.Rule{
		{Name: "all-critical", Priority: 1, Expr: "delta > 0.0", Severity: reconcile.SeverityCritical},
	}); err != nil {
		t.Fatalf("err=%v", err)
	}
	fx.engine.Tolerance = dec("50")
	fx.setInput(t, "ali raza", "BASIC_SALARY", "50000")
	fx.setInput(t, "ali raza", componentPaidNet, "49900")

	_, out, err := fx.engine.Recalculate(ctx, fx.period.ID)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(out.Mismatches) != 1 || out.Mismatches[0].Severity != reconcile.SeverityCritical {
		t.Fatalf("mismatches=%+v", out.Mismatches)
	}
}

func TestRecalculateRequiresInputs(t *testing.T) {
	fx := newEngineFixture(t)
	if _, _, err := fx.engine.Recalculate(context.Background(), fx.period.ID); err == nil {
		t.Fatalf("expected error")
	}
}
