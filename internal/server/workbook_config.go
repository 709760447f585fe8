package server

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

type SheetRole string

const (
	SheetRoleActive     SheetRole = "active"
	SheetRoleHistorical SheetRole = "historical"
	SheetRoleExpense    SheetRole = "expense"
	SheetRoleIgnored    SheetRole = "ignored"
)

// SheetRule declares how one workbook sheet contributes to an import.
// Active sheets feed one pay component; when two active sheets produce a
// value for the same (period, name, component) cell, the higher priority
// wins. Historical sheets are archived as snapshots only.
type SheetRule struct {
	Role              SheetRole `yaml:"role"`
	Component         string    `yaml:"component,omitempty"`
	Priority          int       `yaml:"priority,omitempty"`
	NameColumn        string    `yaml:"name_column,omitempty"`
	CategoryColumn    string    `yaml:"category_column,omitempty"`
	DescriptionColumn string    `yaml:"description_column,omitempty"`
	AmountColumn      string    `yaml:"amount_column,omitempty"`
}

type WorkbookConfig struct {
	// HeaderLookahead bounds how many leading rows are scanned for the
	// period-key header row.
	HeaderLookahead int                  `yaml:"header_lookahead"`
	Sheets          map[string]SheetRule `yaml:"sheets"`
}

func LoadWorkbookConfig(data []byte) (WorkbookConfig, error) {
	var cfg WorkbookConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return WorkbookConfig{}, fmt.Errorf("workbook config: %w", err)
	}
	if cfg.HeaderLookahead == 0 {
		cfg.HeaderLookahead = defaultHeaderLookahead
	}
	if err := cfg.Validate(); err != nil {
		return WorkbookConfig{}, err
	}
	return cfg, nil
}

const defaultHeaderLookahead = 5

func (c WorkbookConfig) Validate() error {
	if c.HeaderLookahead < 1 {
		return fmt.Errorf("workbook config: header_lookahead must be at least 1")
	}
	type compPrio struct {
		component string
		priority  int
	}
	seen := map[compPrio]string{}
	for name, rule := range c.Sheets {
		switch rule.Role {
		case SheetRoleActive:
			if strings.TrimSpace(rule.Component) == "" {
				return fmt.Errorf("workbook config: sheet %q: active sheets need a component", name)
			}
			if strings.TrimSpace(rule.NameColumn) == "" {
				return fmt.Errorf("workbook config: sheet %q: active sheets need a name_column", name)
			}
			// Priorities must be unique per component or the winner of a
			// collision would depend on sheet iteration order.
			k := compPrio{component: strings.ToUpper(rule.Component), priority: rule.Priority}
			if other, dup := seen[k]; dup {
				return fmt.Errorf("workbook config: sheets %q and %q share priority %d for component %s", other, name, rule.Priority, k.component)
			}
			seen[k] = name
		case SheetRoleHistorical, SheetRoleIgnored:
		case SheetRoleExpense:
			if strings.TrimSpace(rule.AmountColumn) == "" || strings.TrimSpace(rule.CategoryColumn) == "" {
				return fmt.Errorf("workbook config: sheet %q: expense sheets need category_column and amount_column", name)
			}
		default:
			return fmt.Errorf("workbook config: sheet %q: unknown role %q", name, rule.Role)
		}
	}
	return nil
}

// ruleFor matches sheet names case-insensitively with surrounding
// whitespace ignored, which is how operators actually type tab names.
func (c WorkbookConfig) ruleFor(sheetName string) (SheetRule, bool) {
	want := strings.ToLower(strings.TrimSpace(sheetName))
	for name, rule := range c.Sheets {
		if strings.ToLower(strings.TrimSpace(name)) == want {
			return rule, true
		}
	}
	return SheetRule{}, false
}

// DefaultWorkbookConfig mirrors the sheet layout the legacy payroll
// workbooks used. Deployments with different tab names ship their own YAML.
func DefaultWorkbookConfig() WorkbookConfig {
	return WorkbookConfig{
		HeaderLookahead: defaultHeaderLookahead,
		Sheets: map[string]SheetRule{
			"Salaries": {
				Role:       SheetRoleActive,
				Component:  "BASIC_SALARY",
				Priority:   100,
				NameColumn: "A",
			},
			"Adjustments": {
				Role:       SheetRoleActive,
				Component:  "BASIC_SALARY",
				Priority:   90,
				NameColumn: "A",
			},
			"Overtime": {
				Role:       SheetRoleActive,
				Component:  "OVERTIME",
				Priority:   100,
				NameColumn: "A",
			},
			"Deductions": {
				Role:       SheetRoleActive,
				Component:  "LOAN_DEDUCTION",
				Priority:   100,
				NameColumn: "A",
			},
			"Paid": {
				Role:       SheetRoleActive,
				Component:  componentPaidNet,
				Priority:   100,
				NameColumn: "A",
			},
			"Expenses": {
				Role:              SheetRoleExpense,
				NameColumn:        "A",
				CategoryColumn:    "B",
				DescriptionColumn: "C",
				AmountColumn:      "D",
			},
			"Archive": {Role: SheetRoleHistorical, NameColumn: "A"},
			"Notes":   {Role: SheetRoleIgnored},
		},
	}
}
