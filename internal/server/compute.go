package server

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meadowhr/payrollcore/pkg/httperr"
	"github.com/meadowhr/payrollcore/pkg/reconcile"
	"github.com/meadowhr/payrollcore/pkg/taxtable"
	"github.com/meadowhr/payrollcore/pkg/travelband"
)

// Pay component identifiers with engine-level meaning. Every other
// component falls back to the catalog default (non-taxable earning).
const (
	componentBasicSalary = "BASIC_SALARY"
	componentOvertime    = "OVERTIME"
	componentBonus       = "BONUS"
	componentMedical     = "MEDICAL_ALLOWANCE"
	componentTravel      = "TRAVEL_ALLOWANCE"
	componentLoanDeduct  = "LOAN_DEDUCTION"
	componentAdvance     = "ADVANCE_DEDUCTION"
	componentPaidNet     = "PAID_NET"
)

// Computed metric names.
const (
	MetricTaxableEarnings = "TAXABLE_EARNINGS"
	MetricAllowances      = "ALLOWANCES"
	MetricTravelAllowance = "TRAVEL_ALLOWANCE"
	MetricGrossEarnings   = "GROSS_EARNINGS"
	MetricIncomeTax       = "INCOME_TAX"
	MetricDeductions      = "DEDUCTIONS"
	MetricNetSalary       = "NET_SALARY"
	MetricPresentDays     = "PRESENT_DAYS"
	MetricWorkingDays     = "WORKING_DAYS"
)

type componentKind int

const (
	kindTaxableEarning componentKind = iota
	kindAllowance
	kindDeduction
	kindReference // reconciliation input, never part of pay
)

type componentSpec struct {
	kind     componentKind
	prorated bool
}

// componentCatalog maps components to how they aggregate. Unknown
// components are treated as flat allowances so a new workbook column shows
// up in pay instead of silently vanishing.
var componentCatalog = map[string]componentSpec{
	componentBasicSalary: {kind: kindTaxableEarning, prorated: true},
	componentOvertime:    {kind: kindTaxableEarning},
	componentBonus:       {kind: kindTaxableEarning},
	componentMedical:     {kind: kindAllowance},
	componentTravel:      {kind: kindAllowance},
	componentLoanDeduct:  {kind: kindDeduction},
	componentAdvance:     {kind: kindDeduction},
	componentPaidNet:     {kind: kindReference},
}

func specFor(component string) componentSpec {
	if spec, ok := componentCatalog[component]; ok {
		return spec
	}
	return componentSpec{kind: kindAllowance}
}

type Engine struct {
	Periods    PeriodStore
	Identities IdentityStore
	MasterData MasterDataStore

	// Tolerance is the reconciliation band; a zero value means exact match
	// required and every difference is CRITICAL.
	Tolerance decimal.Decimal
}

const defaultToleranceStr = "0.01"

func DefaultTolerance() decimal.Decimal {
	d, _ := decimal.NewFromString(defaultToleranceStr)
	return d
}

// Recalculate runs the full computation for one period: aggregate inputs
// per identity, prorate by attendance, resolve travel allowance, apply the
// tax schedule in force, and reconcile against reported payouts. One
// identity failing never aborts the run; the period lands in CALCULATED,
// PARTIAL, or FAILED according to how many survived.
func (e *Engine) Recalculate(ctx context.Context, periodID string) (Period, RecalcOutcome, error) {
	period, err := e.Periods.BeginRecalculation(ctx, periodID)
	if err != nil {
		return Period{}, RecalcOutcome{}, err
	}

	inputs, err := e.Periods.ListInputValues(ctx, periodID)
	if err != nil {
		return Period{}, RecalcOutcome{}, err
	}
	if len(inputs) == 0 {
		return Period{}, RecalcOutcome{}, httperr.NewBadRequest("period has no input values")
	}
	attendance, err := e.Periods.ListAttendance(ctx, periodID)
	if err != nil {
		return Period{}, RecalcOutcome{}, err
	}

	schedules, err := e.MasterData.TaxSchedules(ctx)
	if err != nil {
		return Period{}, RecalcOutcome{}, err
	}
	if len(schedules) == 0 {
		return Period{}, RecalcOutcome{}, httperr.NewConflict("no tax schedules configured")
	}
	table, err := taxtable.NewTable(schedules)
	if err != nil {
		return Period{}, RecalcOutcome{}, err
	}
	tiers, err := e.MasterData.TravelTiers(ctx)
	if err != nil {
		return Period{}, RecalcOutcome{}, err
	}
	holidays, err := e.MasterData.Holidays(ctx)
	if err != nil {
		return Period{}, RecalcOutcome{}, err
	}
	rules, err := e.MasterData.SeverityRules(ctx)
	if err != nil {
		return Period{}, RecalcOutcome{}, err
	}
	classifier, err := reconcile.NewClassifier(rules)
	if err != nil {
		return Period{}, RecalcOutcome{}, err
	}

	start, err := parseDate(period.StartDate)
	if err != nil {
		return Period{}, RecalcOutcome{}, err
	}
	end, err := parseDate(period.EndDate)
	if err != nil {
		return Period{}, RecalcOutcome{}, err
	}

	byIdentity := map[string][]InputValue{}
	for _, v := range inputs {
		byIdentity[v.NameKey] = append(byIdentity[v.NameKey], v)
	}
	attByIdentity := map[string]map[string]AttendanceStatus{}
	for _, a := range attendance {
		if attByIdentity[a.NameKey] == nil {
			attByIdentity[a.NameKey] = map[string]AttendanceStatus{}
		}
		attByIdentity[a.NameKey][a.Date] = a.Status
	}

	nameKeys := make([]string, 0, len(byIdentity))
	for nk := range byIdentity {
		nameKeys = append(nameKeys, nk)
	}
	sort.Strings(nameKeys)

	workingDays := countWorkingDays(start, end, holidays)
	run := identityRun{
		engine:      e,
		table:       table,
		tiers:       tiers,
		classifier:  classifier,
		periodEnd:   end,
		workingDays: workingDays,
	}

	out := RecalcOutcome{Summary: PeriodSummary{Identities: len(nameKeys), TotalNet: decimal.Zero}}
	for _, nk := range nameKeys {
		metrics, mismatch, err := run.compute(ctx, nk, byIdentity[nk], attByIdentity[nk])
		if err != nil {
			out.Failures = append(out.Failures, IdentityFailure{NameKey: nk, Reason: err.Error()})
			out.Summary.Failed++
			continue
		}
		out.Summary.Succeeded++
		out.Summary.TotalNet = out.Summary.TotalNet.Add(metrics[MetricNetSalary])
		for _, metric := range sortedMetricNames(metrics) {
			out.Computed = append(out.Computed, ComputedValue{NameKey: nk, Metric: metric, Amount: metrics[metric]})
		}
		if mismatch != nil {
			out.Mismatches = append(out.Mismatches, MismatchRecord{
				NameKey:   nk,
				Computed:  mismatch.Computed,
				Paid:      mismatch.Paid,
				Delta:     mismatch.Delta,
				Tolerance: mismatch.Tolerance,
				Severity:  mismatch.Severity,
			})
		}
	}
	out.Summary.Mismatches = len(out.Mismatches)

	switch {
	case out.Summary.Failed == 0:
		out.Status = StatusCalculated
	case out.Summary.Succeeded > 0:
		out.Status = StatusPartial
	default:
		out.Status = StatusFailed
	}

	period, err = e.Periods.FinishRecalculation(ctx, periodID, out)
	if err != nil {
		return Period{}, RecalcOutcome{}, err
	}
	return period, out, nil
}

type identityRun struct {
	engine      *Engine
	table       *taxtable.Table
	tiers       []travelband.Tier
	classifier  *reconcile.Classifier
	periodEnd   time.Time
	workingDays int
}

func (r identityRun) compute(ctx context.Context, nameKey string, values []InputValue, att map[string]AttendanceStatus) (map[string]decimal.Decimal, *reconcile.Mismatch, error) {
	factor, presentDays := prorationFactor(att, r.workingDays)

	taxable := decimal.Zero
	allowances := decimal.Zero
	deductions := decimal.Zero
	var paid *decimal.Decimal
	hasTravelInput := false

	for _, v := range values {
		spec := specFor(v.Component)
		amount := v.Amount
		if spec.prorated {
			amount = amount.Mul(factor).Round(2)
		}
		switch spec.kind {
		case kindTaxableEarning:
			taxable = taxable.Add(amount)
		case kindAllowance:
			allowances = allowances.Add(amount)
			if v.Component == componentTravel {
				hasTravelInput = true
			}
		case kindDeduction:
			deductions = deductions.Add(amount)
		case kindReference:
			p := v.Amount
			paid = &p
		}
	}

	travel := decimal.Zero
	// A travel value already present in the inputs (workbook or manual
	// override) wins over the tier table.
	if !hasTravelInput {
		t, err := r.travelAllowance(ctx, nameKey)
		if err != nil {
			return nil, nil, err
		}
		travel = t
		allowances = allowances.Add(travel)
	}

	schedule, err := r.table.ScheduleOn(r.periodEnd)
	if err != nil {
		return nil, nil, err
	}
	tax, err := schedule.MonthlyTax(taxable)
	if err != nil {
		return nil, nil, err
	}

	gross := taxable.Add(allowances)
	totalDeductions := deductions.Add(tax)
	net := gross.Sub(totalDeductions).Round(2)

	metrics := map[string]decimal.Decimal{
		MetricTaxableEarnings: taxable.Round(2),
		MetricAllowances:      allowances.Round(2),
		MetricGrossEarnings:   gross.Round(2),
		MetricIncomeTax:       tax,
		MetricDeductions:      totalDeductions.Round(2),
		MetricNetSalary:       net,
		MetricWorkingDays:     decimal.NewFromInt(int64(r.workingDays)),
	}
	if !travel.IsZero() {
		metrics[MetricTravelAllowance] = travel
	}
	if presentDays >= 0 {
		metrics[MetricPresentDays] = decimal.NewFromInt(int64(presentDays))
	}

	var mismatch *reconcile.Mismatch
	if paid != nil {
		if m, ok := r.classifier.Compare(net, *paid, r.engine.Tolerance); ok {
			mismatch = &m
		}
	}
	return metrics, mismatch, nil
}

func (r identityRun) travelAllowance(ctx context.Context, nameKey string) (decimal.Decimal, error) {
	m, ok, err := r.engine.Identities.GetMapping(ctx, nameKey)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok || m.EmployeeID == "" {
		return decimal.Zero, nil
	}
	emp, ok, err := r.engine.Identities.GetEmployee(ctx, m.EmployeeID)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok || emp.CommuteMode == "" {
		return decimal.Zero, nil
	}
	tier, ok := travelband.Resolve(r.tiers, emp.CommuteMode, emp.CommuteKM, r.periodEnd)
	if !ok {
		return decimal.Zero, fmt.Errorf("no travel tier for mode %s at %s km", emp.CommuteMode, emp.CommuteKM.String())
	}
	return tier.MonthlyRate, nil
}

// prorationFactor is presentDays/workingDays when the identity has any
// attendance rows, 1 otherwise. presentDays of -1 signals "no attendance
// recorded" so the metric can be omitted.
func prorationFactor(att map[string]AttendanceStatus, workingDays int) (decimal.Decimal, int) {
	if len(att) == 0 || workingDays <= 0 {
		return decimal.NewFromInt(1), -1
	}
	present := 0
	for _, status := range att {
		if status == AttendancePresent {
			present++
		}
	}
	if present > workingDays {
		present = workingDays
	}
	return decimal.NewFromInt(int64(present)).Div(decimal.NewFromInt(int64(workingDays))), present
}

// countWorkingDays counts calendar days in [start, end] minus weekends and
// configured public holidays.
func countWorkingDays(start, end time.Time, holidays []string) int {
	holiday := map[string]bool{}
	for _, h := range holidays {
		holiday[h] = true
	}
	days := 0
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		if holiday[d.Format(dateLayout)] {
			continue
		}
		days++
	}
	return days
}

func sortedMetricNames(metrics map[string]decimal.Decimal) []string {
	out := make([]string, 0, len(metrics))
	for name := range metrics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
