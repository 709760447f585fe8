package httperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestTypedErrors(t *testing.T) {
	bad := NewBadRequest("bad date")
	if !IsBadRequest(bad) {
		t.Fatalf("expected bad request")
	}
	if IsConflict(bad) || IsNotFound(bad) {
		t.Fatalf("bad request misclassified")
	}

	conflict := NewConflict("period locked")
	if !IsConflict(conflict) {
		t.Fatalf("expected conflict")
	}
	if conflict.Error() != "period locked" {
		t.Fatalf("msg=%q", conflict.Error())
	}

	missing := NewNotFound("period not found")
	if !IsNotFound(missing) {
		t.Fatalf("expected not found")
	}
}

func TestWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("approve: %w", NewConflict("status is DRAFT"))
	if !IsConflict(wrapped) {
		t.Fatalf("expected conflict through wrap")
	}
	if IsConflict(errors.New("plain")) {
		t.Fatalf("plain error misclassified")
	}
}
