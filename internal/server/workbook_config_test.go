package server

import (
	"strings"
	"testing"
)

func TestDefaultWorkbookConfigValid(t *testing.T) {
	if err := DefaultWorkbookConfig().Validate(); err != nil {
		t.Fatalf("err=%v", err)
	}
}

func TestLoadWorkbookConfigRejectsDuplicatePriorities(t *testing.T) {
	yaml := `
sheets:
  Salaries:
    role: active
    component: BASIC_SALARY
    priority: 100
    name_column: A
  Corrections:
    role: active
    component: BASIC_SALARY
    priority: 100
    name_column: A
`
	_, err := LoadWorkbookConfig([]byte(yaml))
	if err == nil || !strings.Contains(err.Error(), "priority") {
		t.Fatalf("err=%v", err)
	}
}

func TestLoadWorkbookConfigRejectsActiveWithoutComponent(t *testing.T) {
	yaml := `
sheets:
  Salaries:
    role: active
    name_column: A
`
	if _, err := LoadWorkbookConfig([]byte(yaml)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRuleForIsCaseInsensitive(t *testing.T) {
	cfg := DefaultWorkbookConfig()
	if _, ok := cfg.ruleFor("  sAlArIeS "); !ok {
		t.Fatalf("sheet not matched")
	}
	if _, ok := cfg.ruleFor("Unknown Tab"); ok {
		t.Fatalf("unexpected match")
	}
}
