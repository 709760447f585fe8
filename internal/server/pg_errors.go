package server

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/meadowhr/payrollcore/pkg/httperr"
)

func pgErrorCode(err error) string {
	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr != nil {
		return strings.TrimSpace(pgErr.Code)
	}
	return ""
}

func isPgUniqueViolation(err error) bool {
	return pgErrorCode(err) == "23505"
}

func isPgInvalidInput(err error) bool {
	switch pgErrorCode(err) {
	case "22P02", "22003", "22007", "22008":
		return true
	default:
		return false
	}
}

// mapPGError folds driver errors onto the typed errors the handlers
// translate to HTTP statuses.
func mapPGError(err error, notFoundMsg string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return httperr.NewNotFound(notFoundMsg)
	case isPgUniqueViolation(err):
		return httperr.NewConflict("duplicate record")
	case isPgInvalidInput(err):
		return httperr.NewBadRequest("invalid input")
	default:
		return err
	}
}
