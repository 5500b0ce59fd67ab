package transport

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/goliatone/go-erpsync/core"
	goerrors "github.com/goliatone/go-errors"
)

const maxErrorBodySnippet = 512

// StatusError is the cause carried by Transient and Permanent errors built
// from a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("transport: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("transport: unexpected status %d: %s", e.StatusCode, e.Body)
}

func newStatusError(res Response) *StatusError {
	body := strings.TrimSpace(string(res.Body))
	if len(body) > maxErrorBodySnippet {
		body = body[:maxErrorBodySnippet]
	}
	return &StatusError{StatusCode: res.StatusCode, Body: body}
}

// IsRetryableStatus reports statuses that are worth another attempt.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	default:
		return code >= 500
	}
}

// classifyResponse maps a response onto the sync error taxonomy. A 2xx
// response yields nil.
func classifyResponse(system core.System, op string, res Response) error {
	code := res.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return core.NewPermanentError(system, op, code, fmt.Errorf("%w: %w", core.ErrNotFound, newStatusError(res)))
	case IsRetryableStatus(code):
		return core.NewTransientError(system, op, code, newStatusError(res))
	default:
		return core.NewPermanentError(system, op, code, newStatusError(res))
	}
}

func transportError(
	message string,
	category goerrors.Category,
	code int,
	metadata map[string]any,
) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(transportTextCode(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func transportWrapError(
	source error,
	category goerrors.Category,
	message string,
	code int,
	metadata map[string]any,
) error {
	if source == nil {
		return transportError(message, category, code, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(transportTextCode(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func transportTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return core.SyncErrorBadInput
	case goerrors.CategoryRateLimit:
		return core.SyncErrorRateLimited
	case goerrors.CategoryOperation:
		return core.SyncErrorPermanent
	case goerrors.CategoryExternal:
		return core.SyncErrorTransient
	default:
		return core.SyncErrorInternal
	}
}

// adapterCategory reads the go-errors category of an adapter failure.
func adapterCategory(err error) goerrors.Category {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich.Category
	}
	return goerrors.CategoryExternal
}
