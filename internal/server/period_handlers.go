package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/meadowhr/payrollcore/internal/routing"
	"github.com/meadowhr/payrollcore/pkg/httperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeStoreError folds the typed store errors onto HTTP statuses. Anything
// untyped is a 500 with a generic message; internals never leak to clients.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case httperr.IsBadRequest(err):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", err.Error())
	case httperr.IsNotFound(err):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "not_found", err.Error())
	case httperr.IsConflict(err):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusConflict, "conflict", err.Error())
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

// decodeJSONBody treats an empty body as the zero request; approve and lock
// take optional bodies.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 4<<20))
	if err := dec.Decode(dst); err != nil && err != io.EOF {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_json", "cannot decode request body")
		return false
	}
	return true
}

func operatorID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Operator-ID"))
}

// requirePeriodIDFromPath peels the period ID and trailing action segment
// out of /payroll/periods/{id}[/{action}] paths.
func periodPathParts(r *http.Request, prefix string) (periodID string, action string, ok bool) {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	if rest == r.URL.Path || rest == "" {
		return "", "", false
	}
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	if parts[0] == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		return parts[0], parts[1], true
	}
	return parts[0], "", true
}

func handlePeriods(w http.ResponseWriter, r *http.Request, store PeriodStore) {
	switch r.Method {
	case http.MethodGet:
		periods, err := store.ListPeriods(r.Context())
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"periods": periods})
	case http.MethodPost:
		var req struct {
			Label      string `json:"label"`
			StartDate  string `json:"start_date"`
			EndDate    string `json:"end_date"`
			SourceMode string `json:"source_mode"`
		}
		if !decodeJSONBody(w, r, &req) {
			return
		}
		if req.SourceMode == "" {
			req.SourceMode = string(SourceWorkbook)
		}
		period, err := store.CreatePeriod(r.Context(), CreatePeriodParams{
			Label:      req.Label,
			StartDate:  req.StartDate,
			EndDate:    req.EndDate,
			SourceMode: SourceMode(req.SourceMode),
			CreatedBy:  operatorID(r),
		})
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, period)
	default:
		writeMethodNotAllowed(w, r)
	}
}

func handlePeriodDetail(w http.ResponseWriter, r *http.Request, store PeriodStore, periodID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	period, err := store.GetPeriod(r.Context(), periodID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, period)
}

func handlePeriodCarryForward(w http.ResponseWriter, r *http.Request, store PeriodStore, periodID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	var req struct {
		BasePeriodID string `json:"base_period_id"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}
	stats, err := store.CarryForward(r.Context(), periodID, strings.TrimSpace(req.BasePeriodID))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handlePeriodImport parses the uploaded workbook, resolves the raw names
// it mentions, and replaces the period's workbook-sourced values. Values
// for other period keys in the same workbook are reported but not stored.
func handlePeriodImport(w http.ResponseWriter, r *http.Request, store PeriodStore, ids IdentityStore, cfg WorkbookConfig, periodID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	period, err := store.GetPeriod(r.Context(), periodID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	data, err := readWorkbookUpload(r)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	parsed, err := ParseWorkbook(data, cfg)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_workbook", err.Error())
		return
	}

	resolution, err := ResolveNames(r.Context(), ids, parsed.RawNames, timeNow())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	payload := ImportPayload{Expenses: parsed.Expenses, Snapshots: parsed.Snapshots}
	matched := false
	for _, v := range parsed.Values {
		if v.PeriodKey == period.Label {
			matched = true
			payload.Values = append(payload.Values, v)
		}
	}
	if !matched && len(parsed.PeriodKeys) > 0 {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "period_key_mismatch",
			"workbook has no column for period "+period.Label+" (found: "+strings.Join(parsed.PeriodKeys, ", ")+")")
		return
	}

	stats, err := store.ReplaceImport(r.Context(), periodID, payload)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"import":        stats,
		"period_keys":   parsed.PeriodKeys,
		"skipped_cells": parsed.SkippedCells,
		"resolution":    resolution,
	})
}

// readWorkbookUpload accepts either a multipart form with a "workbook" file
// or the raw xlsx bytes as the request body.
func readWorkbookUpload(r *http.Request) ([]byte, error) {
	const maxUpload = 32 << 20
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUpload); err != nil {
			return nil, httperr.NewBadRequest("cannot parse multipart form")
		}
		file, _, err := r.FormFile("workbook")
		if err != nil {
			return nil, httperr.NewBadRequest("multipart form needs a workbook file")
		}
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, maxUpload))
		if err != nil {
			return nil, httperr.NewBadRequest("cannot read workbook file")
		}
		return data, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUpload))
	if err != nil || len(data) == 0 {
		return nil, httperr.NewBadRequest("request body must be an xlsx workbook")
	}
	return data, nil
}

func handlePeriodRecalculate(w http.ResponseWriter, r *http.Request, engine *Engine, periodID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	period, out, err := engine.Recalculate(r.Context(), periodID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"period":     period,
		"summary":    out.Summary,
		"failures":   out.Failures,
		"mismatches": out.Mismatches,
	})
}

func handlePeriodApprove(w http.ResponseWriter, r *http.Request, store PeriodStore, periodID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	var req struct {
		Comment string `json:"comment"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}
	period, err := store.ApprovePeriod(r.Context(), periodID, operatorID(r), req.Comment)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, period)
}

func handlePeriodLock(w http.ResponseWriter, r *http.Request, store PeriodStore, periodID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	var req struct {
		Comment string `json:"comment"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}
	period, err := store.LockPeriod(r.Context(), periodID, operatorID(r), req.Comment)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, period)
}

func handlePeriodInputs(w http.ResponseWriter, r *http.Request, store PeriodStore, periodID string) {
	switch r.Method {
	case http.MethodGet:
		values, err := store.ListInputValues(r.Context(), periodID)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"values": values})
	case http.MethodPut:
		var req struct {
			NameKey   string `json:"name_key"`
			Component string `json:"component"`
			Amount    string `json:"amount"`
			Note      string `json:"note"`
			Override  bool   `json:"override"`
		}
		if !decodeJSONBody(w, r, &req) {
			return
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_amount", "amount must be a decimal string")
			return
		}
		if err := store.SetInputValue(r.Context(), periodID, ManualInputParams{
			NameKey:   req.NameKey,
			Component: req.Component,
			Amount:    amount,
			Note:      req.Note,
			Override:  req.Override,
		}); err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		writeMethodNotAllowed(w, r)
	}
}

func handlePeriodExpenses(w http.ResponseWriter, r *http.Request, store PeriodStore, periodID string) {
	switch r.Method {
	case http.MethodGet:
		expenses, err := store.ListExpenses(r.Context(), periodID)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"expenses": expenses})
	case http.MethodPost:
		var req struct {
			NameKey     string `json:"name_key"`
			Category    string `json:"category"`
			Description string `json:"description"`
			Amount      string `json:"amount"`
		}
		if !decodeJSONBody(w, r, &req) {
			return
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_amount", "amount must be a decimal string")
			return
		}
		entry, err := store.AddExpense(r.Context(), periodID, ExpenseParams{
			NameKey:     req.NameKey,
			Category:    req.Category,
			Description: req.Description,
			Amount:      amount,
		})
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, entry)
	default:
		writeMethodNotAllowed(w, r)
	}
}

func handlePeriodAttendance(w http.ResponseWriter, r *http.Request, store PeriodStore, periodID string) {
	switch r.Method {
	case http.MethodGet:
		entries, err := store.ListAttendance(r.Context(), periodID)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"attendance": entries})
	case http.MethodPut:
		var req struct {
			NameKey string `json:"name_key"`
			Date    string `json:"date"`
			Status  string `json:"status"`
		}
		if !decodeJSONBody(w, r, &req) {
			return
		}
		if err := store.SetAttendance(r.Context(), periodID, req.NameKey, req.Date, AttendanceStatus(strings.ToUpper(req.Status))); err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		writeMethodNotAllowed(w, r)
	}
}

func handlePeriodComputed(w http.ResponseWriter, r *http.Request, store PeriodStore, periodID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	values, err := store.ListComputedValues(r.Context(), periodID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"computed": values})
}

func handlePeriodMismatches(w http.ResponseWriter, r *http.Request, store PeriodStore, periodID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	mismatches, err := store.ListMismatches(r.Context(), periodID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mismatches": mismatches})
}

func handlePeriodEvents(w http.ResponseWriter, r *http.Request, store PeriodStore, periodID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	events, err := store.ListApprovalEvents(r.Context(), periodID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func handlePeriodSnapshots(w http.ResponseWriter, r *http.Request, store PeriodStore, periodID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	snapshots, err := store.ListSnapshots(r.Context(), periodID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snapshots})
}

func handlePeriodDispatch(w http.ResponseWriter, r *http.Request, d *Dispatcher, periodID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}
	var sel DispatchSelection
	if !decodeJSONBody(w, r, &sel) {
		return
	}
	summary, err := d.DispatchPeriod(r.Context(), periodID, sel)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func handlePeriodReceipts(w http.ResponseWriter, r *http.Request, receipts ReceiptStore, periodID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	out, err := receipts.ListReceipts(r.Context(), periodID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	envelopes, err := receipts.ListEnvelopes(r.Context(), periodID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": out, "envelopes": envelopes})
}
