package authz

import (
	"os"
	"path/filepath"
	"testing"
)

const testModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && r.obj == p.obj && r.act == p.act
`

const testPolicy = `
p, role:payroll_admin, payroll, manage
p, role:payroll_admin, payroll, view
p, role:payroll_admin, payroll_masterdata, manage
p, role:payroll_clerk, payroll, view
`

func newTestAuthorizer(t *testing.T, mode Mode) *Authorizer {
	t.Helper()
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.conf")
	policyPath := filepath.Join(dir, "policy.csv")
	if err := os.WriteFile(modelPath, []byte(testModel), 0o600); err != nil {
		t.Fatalf("err=%v", err)
	}
	if err := os.WriteFile(policyPath, []byte(testPolicy), 0o600); err != nil {
		t.Fatalf("err=%v", err)
	}
	a, err := NewAuthorizer(modelPath, policyPath, mode)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	return a
}

func TestAllowedEnforce(t *testing.T) {
	a := newTestAuthorizer(t, ModeEnforce)

	ok, err := a.Allowed("payroll_admin", ObjectPayroll, ActionManage)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}

	ok, err = a.Allowed("payroll_clerk", ObjectPayroll, ActionManage)
	if err != nil || ok {
		t.Fatalf("clerk allowed to manage: ok=%v err=%v", ok, err)
	}

	ok, err = a.Allowed("payroll_clerk", ObjectPayroll, ActionView)
	if err != nil || !ok {
		t.Fatalf("clerk denied view: ok=%v err=%v", ok, err)
	}

	ok, err = a.Allowed("", ObjectPayroll, ActionView)
	if err != nil || ok {
		t.Fatalf("anonymous allowed: ok=%v err=%v", ok, err)
	}
}

func TestAllowedShadowPasses(t *testing.T) {
	a := newTestAuthorizer(t, ModeShadow)
	ok, err := a.Allowed("payroll_clerk", ObjectMasterData, ActionManage)
	if err != nil || !ok {
		t.Fatalf("shadow denial blocked request: ok=%v err=%v", ok, err)
	}
}

func TestNewDisabled(t *testing.T) {
	a := NewDisabled()
	ok, err := a.Allowed("nobody", ObjectPayroll, ActionManage)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestModeFromEnv(t *testing.T) {
	t.Setenv("AUTHZ_MODE", "")
	if m, err := ModeFromEnv(); err != nil || m != ModeEnforce {
		t.Fatalf("m=%v err=%v", m, err)
	}

	t.Setenv("AUTHZ_MODE", "shadow")
	if m, err := ModeFromEnv(); err != nil || m != ModeShadow {
		t.Fatalf("m=%v err=%v", m, err)
	}

	t.Setenv("AUTHZ_MODE", "disabled")
	t.Setenv("AUTHZ_UNSAFE_ALLOW_DISABLED", "")
	if _, err := ModeFromEnv(); err == nil {
		t.Fatalf("expected error without unsafe flag")
	}

	t.Setenv("AUTHZ_UNSAFE_ALLOW_DISABLED", "1")
	if m, err := ModeFromEnv(); err != nil || m != ModeDisabled {
		t.Fatalf("m=%v err=%v", m, err)
	}

	t.Setenv("AUTHZ_MODE", "bogus")
	if _, err := ModeFromEnv(); err == nil {
		t.Fatalf("expected error for bogus mode")
	}
}
