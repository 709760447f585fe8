package server

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/meadowhr/payrollcore/pkg/namekey"
)

// CellSnapshot preserves one cell as it appeared in the uploaded workbook,
// formula and cached result kept separately so audits can tell a literal
// 52000 apart from =B2*1.05 that evaluated to 52000.
type CellSnapshot struct {
	Ref     string `json:"ref"`
	Value   string `json:"value"`
	Formula string `json:"formula,omitempty"`
}

type RowSnapshot struct {
	Sheet   string         `json:"sheet"`
	Row     int            `json:"row"`
	RawName string         `json:"raw_name,omitempty"`
	NameKey string         `json:"name_key,omitempty"`
	Cells   []CellSnapshot `json:"cells"`
}

// WorkbookResult is everything one parse pass extracted. Values carry their
// workbook period key; the caller decides which keys map to which periods.
type WorkbookResult struct {
	Values       []InputValue
	Expenses     []ExpenseEntry
	Snapshots    []RowSnapshot
	PeriodKeys   []string
	RawNames     []string
	SkippedCells int
}

// ParseWorkbook reads an xlsx upload sheet by sheet according to cfg.
// Sheets without a rule are left alone. Unparseable amount cells are
// counted and skipped, never fatal: one stray "N/A" must not sink a
// 400-row import.
func ParseWorkbook(data []byte, cfg WorkbookConfig) (WorkbookResult, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return WorkbookResult{}, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var res WorkbookResult
	periodKeys := map[string]bool{}
	rawNames := map[string]bool{}
	type valueKey struct{ periodKey, nameKey, component string }
	best := map[valueKey]InputValue{}

	for _, sheet := range f.GetSheetList() {
		rule, ok := cfg.ruleFor(sheet)
		if !ok || rule.Role == SheetRoleIgnored {
			continue
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return WorkbookResult{}, fmt.Errorf("sheet %s: %w", sheet, err)
		}

		if rule.Role == SheetRoleExpense {
			expenses, skipped := parseExpenseSheet(rows, rule, rawNames)
			res.Expenses = append(res.Expenses, expenses...)
			res.SkippedCells += skipped
			continue
		}

		nameIdx, err := columnIndex(rule.NameColumn)
		if err != nil {
			return WorkbookResult{}, fmt.Errorf("sheet %s: %w", sheet, err)
		}
		headerRow, periodCols := findPeriodHeader(rows, cfg.HeaderLookahead)
		for pk := range periodCols {
			periodKeys[pk] = true
		}

		for r := headerRow + 1; r < len(rows); r++ {
			row := rows[r]
			if rowBlank(row) {
				continue
			}
			rawName := ""
			if nameIdx < len(row) {
				rawName = strings.TrimSpace(row[nameIdx])
			}
			nk := namekey.Normalize(rawName)
			res.Snapshots = append(res.Snapshots, snapshotRow(f, sheet, r, row, rawName, nk))
			if rawName == "" || nk == "" {
				continue
			}
			rawNames[rawName] = true

			if rule.Role != SheetRoleActive {
				continue
			}
			for pk, col := range periodCols {
				if col >= len(row) {
					continue
				}
				cell := strings.TrimSpace(row[col])
				if cell == "" {
					continue
				}
				amount, ok := parseAmount(cell)
				if !ok {
					res.SkippedCells++
					continue
				}
				ref, _ := excelize.CoordinatesToCellName(col+1, r+1)
				v := InputValue{
					PeriodKey:      pk,
					NameKey:        nk,
					RawName:        rawName,
					Component:      strings.ToUpper(rule.Component),
					Amount:         amount,
					SourceSheet:    sheet,
					SourceCell:     ref,
					SourcePriority: rule.Priority,
					Source:         string(SourceWorkbook),
				}
				k := valueKey{periodKey: pk, nameKey: nk, component: v.Component}
				if cur, seen := best[k]; !seen || v.SourcePriority > cur.SourcePriority {
					best[k] = v
				}
			}
		}
	}

	for _, v := range best {
		res.Values = append(res.Values, v)
	}
	sort.Slice(res.Values, func(i, j int) bool {
		a, b := res.Values[i], res.Values[j]
		if a.PeriodKey != b.PeriodKey {
			return a.PeriodKey < b.PeriodKey
		}
		if a.NameKey != b.NameKey {
			return a.NameKey < b.NameKey
		}
		return a.Component < b.Component
	})
	for pk := range periodKeys {
		res.PeriodKeys = append(res.PeriodKeys, pk)
	}
	sort.Strings(res.PeriodKeys)
	for n := range rawNames {
		res.RawNames = append(res.RawNames, n)
	}
	sort.Strings(res.RawNames)
	return res, nil
}

func parseExpenseSheet(rows [][]string, rule SheetRule, rawNames map[string]bool) ([]ExpenseEntry, int) {
	catIdx, err := columnIndex(rule.CategoryColumn)
	if err != nil {
		return nil, 0
	}
	amtIdx, err := columnIndex(rule.AmountColumn)
	if err != nil {
		return nil, 0
	}
	nameIdx, descIdx := -1, -1
	if rule.NameColumn != "" {
		nameIdx, _ = columnIndex(rule.NameColumn)
	}
	if rule.DescriptionColumn != "" {
		descIdx, _ = columnIndex(rule.DescriptionColumn)
	}

	var out []ExpenseEntry
	skipped := 0
	for r := 1; r < len(rows); r++ { // row 0 is the header
		row := rows[r]
		if rowBlank(row) {
			continue
		}
		category := cellAt(row, catIdx)
		amountRaw := cellAt(row, amtIdx)
		if category == "" && amountRaw == "" {
			continue
		}
		amount, ok := parseAmount(amountRaw)
		if !ok {
			skipped++
			continue
		}
		e := ExpenseEntry{
			Category:    category,
			Description: cellAt(row, descIdx),
			Amount:      amount,
			Source:      string(SourceWorkbook),
		}
		if rawName := cellAt(row, nameIdx); rawName != "" {
			e.NameKey = namekey.Normalize(rawName)
			rawNames[rawName] = true
		}
		out = append(out, e)
	}
	return out, skipped
}

// findPeriodHeader scans the first lookahead rows for the row with the most
// period-shaped cells. Real sheets bury the header under a title row or a
// merged banner, so taking row 0 on faith loses whole sheets.
func findPeriodHeader(rows [][]string, lookahead int) (headerRow int, periodCols map[string]int) {
	bestRow, bestCols := 0, map[string]int{}
	limit := lookahead
	if limit > len(rows) {
		limit = len(rows)
	}
	for r := 0; r < limit; r++ {
		cols := map[string]int{}
		for c, cell := range rows[r] {
			if pk, ok := parsePeriodKey(cell); ok {
				if _, dup := cols[pk]; !dup {
					cols[pk] = c
				}
			}
		}
		if len(cols) > len(bestCols) {
			bestRow, bestCols = r, cols
		}
	}
	return bestRow, bestCols
}

var periodKeyLayouts = []string{
	"01/2006",
	"1/2006",
	"2006-01",
	"2006/01",
	"Jan-2006",
	"Jan 2006",
	"January 2006",
	"01-2006",
	"2006-01-02",
}

// parsePeriodKey normalizes the month headers seen in the wild to MM/YYYY.
func parsePeriodKey(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	for _, layout := range periodKeyLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() < 1990 || t.Year() > 2100 {
				return "", false
			}
			return t.Format("01/2006"), true
		}
	}
	return "", false
}

var currencyTokens = []string{"rs.", "rs", "pkr", "usd", "eur", "$", "€", "£", "₨"}

// parseAmount accepts the numeric formats payroll workbooks contain:
// thousands separators, currency prefixes, and accounting-style
// parenthesized negatives. Anything that is not wholly a number after
// stripping those is rejected rather than half-parsed.
func parseAmount(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Decimal{}, false
	}
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	ls := strings.ToLower(s)
	for changed := true; changed; {
		changed = false
		for _, tok := range currencyTokens {
			if strings.HasPrefix(ls, tok) {
				ls = strings.TrimSpace(ls[len(tok):])
				changed = true
			}
			if strings.HasSuffix(ls, tok) {
				ls = strings.TrimSpace(ls[:len(ls)-len(tok)])
				changed = true
			}
		}
	}
	ls = strings.ReplaceAll(ls, ",", "")
	ls = strings.ReplaceAll(ls, " ", "")
	d, err := decimal.NewFromString(ls)
	if err != nil {
		return decimal.Decimal{}, false
	}
	if neg {
		d = d.Neg()
	}
	return d, true
}

func snapshotRow(f *excelize.File, sheet string, rowIdx int, row []string, rawName string, nk string) RowSnapshot {
	snap := RowSnapshot{Sheet: sheet, Row: rowIdx + 1, RawName: rawName, NameKey: nk}
	for c, cell := range row {
		if strings.TrimSpace(cell) == "" {
			continue
		}
		ref, _ := excelize.CoordinatesToCellName(c+1, rowIdx+1)
		cs := CellSnapshot{Ref: ref, Value: cell}
		if formula, err := f.GetCellFormula(sheet, ref); err == nil && formula != "" {
			cs.Formula = formula
		}
		snap.Cells = append(snap.Cells, cs)
	}
	return snap
}

func columnIndex(name string) (int, error) {
	n, err := excelize.ColumnNameToNumber(strings.TrimSpace(name))
	if err != nil {
		return 0, fmt.Errorf("invalid column %q: %w", name, err)
	}
	return n - 1, nil
}

func cellAt(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func rowBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
