package server

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/meadowhr/payrollcore/pkg/httperr"
	"github.com/meadowhr/payrollcore/pkg/namekey"
)

type stubSigner struct {
	calls  []EnvelopeRequest
	status string
	err    error
}

func (s *stubSigner) CreateEnvelope(_ context.Context, req EnvelopeRequest) (EnvelopeResponse, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		return EnvelopeResponse{}, s.err
	}
	return EnvelopeResponse{EnvelopeID: fmt.Sprintf("env-%d", len(s.calls)), Status: s.status}, nil
}

type dispatchFixture struct {
	d       *Dispatcher
	signer  *stubSigner
	periods PeriodStore
	ids     IdentityStore
	period  Period
	emps    map[string]Employee // by name key
}

// newDispatchFixture builds an APPROVED period with computed net pay for the
// given names and a bound employee per name. Emails are e<n>@example.com.
func newDispatchFixture(t *testing.T, names ...string) *dispatchFixture {
	t.Helper()
	ctx := context.Background()
	periods := NewMemoryPeriodStore()
	ids := NewMemoryIdentityStore()
	p := newDraftPeriod(t, periods, "02/2026", "2026-02-01", "2026-02-28")

	out := RecalcOutcome{Status: StatusCalculated, Summary: PeriodSummary{Identities: len(names), Succeeded: len(names)}}
	emps := map[string]Employee{}
	for i, name := range names {
		emp := Employee{ID: newID(), FullName: name, Email: fmt.Sprintf("e%d@example.com", i), Active: true}
		if err := ids.PutEmployees(ctx, []Employee{emp}); err != nil {
			t.Fatalf("err=%v", err)
		}
		nk := namekey.Normalize(name)
		if _, err := ids.BindMapping(ctx, nk, emp.ID); err != nil {
			t.Fatalf("err=%v", err)
		}
		emps[nk] = emp
		out.Computed = append(out.Computed, ComputedValue{NameKey: nk, Metric: MetricNetSalary, Amount: decimal.NewFromInt(50000)})
	}
	if _, err := periods.FinishRecalculation(ctx, p.ID, out); err != nil {
		t.Fatalf("err=%v", err)
	}
	p, err := periods.ApprovePeriod(ctx, p.ID, "boss", "")
	if err != nil {
		t.Fatalf("err=%v", err)
	}

	signer := &stubSigner{status: "created"}
	return &dispatchFixture{
		d: &Dispatcher{
			Periods:    periods,
			Identities: ids,
			Receipts:   NewMemoryReceiptStore(),
			Client:     signer,
			TemplateID: "tpl-1",
			RoleName:   "employee",
		},
		signer:  signer,
		periods: periods,
		ids:     ids,
		period:  p,
		emps:    emps,
	}
}

func (fx *dispatchFixture) receiptFor(t *testing.T, nameKey string) Receipt {
	t.Helper()
	receipts, err := fx.d.Receipts.ListReceipts(context.Background(), fx.period.ID)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	for _, r := range receipts {
		if r.NameKey == nameKey {
			return r
		}
	}
	t.Fatalf("no receipt for %q in %+v", nameKey, receipts)
	return Receipt{}
}

func TestDispatchPartialOnMissingEmail(t *testing.T) {
	fx := newDispatchFixture(t, "Ali Raza", "Sara Khan", "Omar Malik")
	ctx := context.Background()

	// The second employee has no email; that receipt must fail without a
	// provider call while the other two go out.
	emp := fx.emps["sara khan"]
	emp.Email = ""
	if err := fx.ids.PutEmployees(ctx, []Employee{emp}); err != nil {
		t.Fatalf("err=%v", err)
	}

	sum, err := fx.d.DispatchPeriod(ctx, fx.period.ID, DispatchSelection{})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if sum.Sent != 2 || sum.Failed != 1 {
		t.Fatalf("summary sent=%d failed=%d", sum.Sent, sum.Failed)
	}
	if sum.Period.Status != StatusPartial {
		t.Fatalf("status=%s", sum.Period.Status)
	}
	if len(fx.signer.calls) != 2 {
		t.Fatalf("provider calls=%d", len(fx.signer.calls))
	}
	for _, call := range fx.signer.calls {
		if call.RecipientName == "Sara Khan" {
			t.Fatalf("provider called for recipient without email")
		}
	}

	r := fx.receiptFor(t, "sara khan")
	if r.Status != ReceiptFailed || r.Error != "missing email" {
		t.Fatalf("receipt=%+v", r)
	}
	if r := fx.receiptFor(t, "ali raza"); r.Status != ReceiptEnvelopeCreated {
		t.Fatalf("receipt=%+v", r)
	}
}

func TestDispatchResendFailedOnly(t *testing.T) {
	fx := newDispatchFixture(t, "Ali Raza", "Sara Khan")
	ctx := context.Background()

	emp := fx.emps["sara khan"]
	emp.Email = ""
	if err := fx.ids.PutEmployees(ctx, []Employee{emp}); err != nil {
		t.Fatalf("err=%v", err)
	}
	if _, err := fx.d.DispatchPeriod(ctx, fx.period.ID, DispatchSelection{}); err != nil {
		t.Fatalf("err=%v", err)
	}

	// Fix the email and retry only the failure; Ali's receipt must not be
	// sent twice.
	emp.Email = "sara@example.com"
	if err := fx.ids.PutEmployees(ctx, []Employee{emp}); err != nil {
		t.Fatalf("err=%v", err)
	}
	callsBefore := len(fx.signer.calls)
	sum, err := fx.d.DispatchPeriod(ctx, fx.period.ID, DispatchSelection{ResendFailedOnly: true})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if got := len(fx.signer.calls) - callsBefore; got != 1 {
		t.Fatalf("retry provider calls=%d", got)
	}
	if sum.Period.Status != StatusSent {
		t.Fatalf("status=%s", sum.Period.Status)
	}
	if r := fx.receiptFor(t, "sara khan"); r.Status != ReceiptEnvelopeCreated || r.Error != "" {
		t.Fatalf("receipt=%+v", r)
	}
}

func TestDispatchRequiresConfiguredProvider(t *testing.T) {
	fx := newDispatchFixture(t, "Ali Raza")
	ctx := context.Background()

	fx.d.Client = nil
	if _, err := fx.d.DispatchPeriod(ctx, fx.period.ID, DispatchSelection{}); !httperr.IsConflict(err) {
		t.Fatalf("err=%v", err)
	}
	fx.d.Client = fx.signer
	fx.d.TemplateID = ""
	if _, err := fx.d.DispatchPeriod(ctx, fx.period.ID, DispatchSelection{}); !httperr.IsConflict(err) {
		t.Fatalf("err=%v", err)
	}

	// Configuration failures must not move the period out of APPROVED.
	p, err := fx.periods.GetPeriod(ctx, fx.period.ID)
	if err != nil || p.Status != StatusApproved {
		t.Fatalf("status=%s err=%v", p.Status, err)
	}
}

func TestDispatchUnboundIdentityFails(t *testing.T) {
	ctx := context.Background()
	periods := NewMemoryPeriodStore()
	ids := NewMemoryIdentityStore()
	p := newDraftPeriod(t, periods, "02/2026", "2026-02-01", "2026-02-28")

	emp := Employee{ID: newID(), FullName: "Ali Raza", Email: "ali@example.com", Active: true}
	if err := ids.PutEmployees(ctx, []Employee{emp}); err != nil {
		t.Fatalf("err=%v", err)
	}
	if _, err := ids.BindMapping(ctx, "ali raza", emp.ID); err != nil {
		t.Fatalf("err=%v", err)
	}

	// "ghost writer" computed but never bound to an employee.
	out := RecalcOutcome{
		Status:  StatusCalculated,
		Summary: PeriodSummary{Identities: 2, Succeeded: 2},
		Computed: []ComputedValue{
			{NameKey: "ali raza", Metric: MetricNetSalary, Amount: decimal.NewFromInt(50000)},
			{NameKey: "ghost writer", Metric: MetricNetSalary, Amount: decimal.NewFromInt(40000)},
		},
	}
	if _, err := periods.FinishRecalculation(ctx, p.ID, out); err != nil {
		t.Fatalf("err=%v", err)
	}
	if _, err := periods.ApprovePeriod(ctx, p.ID, "boss", ""); err != nil {
		t.Fatalf("err=%v", err)
	}

	signer := &stubSigner{status: "created"}
	d := &Dispatcher{
		Periods: periods, Identities: ids, Receipts: NewMemoryReceiptStore(),
		Client: signer, TemplateID: "tpl-1", RoleName: "employee",
	}
	fx := &dispatchFixture{d: d, signer: signer, periods: periods, ids: ids, period: p}

	sum, err := fx.d.DispatchPeriod(ctx, fx.period.ID, DispatchSelection{})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if sum.Sent != 1 || sum.Failed != 1 {
		t.Fatalf("summary=%+v", sum)
	}
	if r := fx.receiptFor(t, "ghost writer"); r.Status != ReceiptFailed || r.Error != "identity is not bound to an employee" {
		t.Fatalf("receipt=%+v", r)
	}
}

func TestDispatchProviderErrorFailsReceiptOnly(t *testing.T) {
	fx := newDispatchFixture(t, "Ali Raza")
	ctx := context.Background()

	fx.signer.err = &ESignAPIError{StatusCode: 502, Code: "upstream", Msg: "provider down"}
	sum, err := fx.d.DispatchPeriod(ctx, fx.period.ID, DispatchSelection{})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if sum.Sent != 0 || sum.Failed != 1 || sum.Period.Status != StatusFailed {
		t.Fatalf("summary=%+v", sum)
	}
	r := fx.receiptFor(t, "ali raza")
	if r.Status != ReceiptFailed || r.Error == "" {
		t.Fatalf("receipt=%+v", r)
	}
	envs, err := fx.d.Receipts.ListEnvelopes(ctx, fx.period.ID)
	if err != nil || len(envs) != 1 || envs[0].Error == "" {
		t.Fatalf("envelopes=%+v err=%v", envs, err)
	}
}

func TestDispatchEmptySelectionKeepsStatus(t *testing.T) {
	fx := newDispatchFixture(t, "Ali Raza", "Sara Khan")
	ctx := context.Background()

	emp := fx.emps["sara khan"]
	emp.Email = ""
	if err := fx.ids.PutEmployees(ctx, []Employee{emp}); err != nil {
		t.Fatalf("err=%v", err)
	}
	sum, err := fx.d.DispatchPeriod(ctx, fx.period.ID, DispatchSelection{})
	if err != nil || sum.Period.Status != StatusPartial {
		t.Fatalf("summary=%+v err=%v", sum, err)
	}

	// The failed receipt completes out of band; retrying the failures now
	// selects nothing and must not drag the period to FAILED.
	failed := fx.receiptFor(t, "sara khan")
	if _, err := fx.d.Receipts.RecordEnvelope(ctx, failed.ID, EnvelopeRecord{ProviderEnvelopeID: "env-manual"}, ReceiptCompleted); err != nil {
		t.Fatalf("err=%v", err)
	}

	if _, err := fx.d.DispatchPeriod(ctx, fx.period.ID, DispatchSelection{ResendFailedOnly: true}); !httperr.IsConflict(err) {
		t.Fatalf("err=%v", err)
	}
	p, err := fx.periods.GetPeriod(ctx, fx.period.ID)
	if err != nil || p.Status != StatusPartial {
		t.Fatalf("status=%s err=%v", p.Status, err)
	}
}

func TestDispatchMarksSentWhenProviderReportsSent(t *testing.T) {
	fx := newDispatchFixture(t, "Ali Raza")
	fx.signer.status = "sent"

	sum, err := fx.d.DispatchPeriod(context.Background(), fx.period.ID, DispatchSelection{})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if sum.Period.Status != StatusSent {
		t.Fatalf("status=%s", sum.Period.Status)
	}
	r := fx.receiptFor(t, "ali raza")
	if r.Status != ReceiptSent || r.ProviderEnvelopeID == "" {
		t.Fatalf("receipt=%+v", r)
	}
}
