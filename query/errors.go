package query

import (
	"net/http"

	"github.com/goliatone/go-erpsync/core"
	goerrors "github.com/goliatone/go-errors"
)

func queryDependencyError(message string) error {
	return goerrors.New(message, goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(core.SyncErrorInternal)
}

func queryValidationError(field string, message string) error {
	return goerrors.NewValidation("query: validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.SyncErrorBadInput).
		WithSeverity(goerrors.SeverityError)
}

func queryNotFoundError(err error, message string) error {
	return goerrors.Wrap(err, goerrors.CategoryNotFound, message).
		WithCode(http.StatusNotFound).
		WithTextCode(core.SyncErrorNotFound)
}
