package core

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	SyncErrorSchemaViolation   = "SYNC_SCHEMA_VIOLATION"
	SyncErrorMappingLoad       = "SYNC_MAPPING_LOAD"
	SyncErrorTransformFailed   = "SYNC_TRANSFORM_FAILED"
	SyncErrorTransient         = "SYNC_TRANSIENT"
	SyncErrorPermanent         = "SYNC_PERMANENT"
	SyncErrorCheckpointPersist = "SYNC_CHECKPOINT_PERSIST"
	SyncErrorConflict          = "SYNC_CONFLICT"
	SyncErrorNotFound          = "SYNC_NOT_FOUND"
	SyncErrorBadInput          = "SYNC_BAD_INPUT"
	SyncErrorRateLimited       = "SYNC_RATE_LIMITED"
	SyncErrorInternal          = "SYNC_INTERNAL_ERROR"
)

var (
	ErrNotFound          = errors.New("core: entity not found")
	ErrRunInProgress     = errors.New("core: sync run already in progress")
	ErrUnsupportedFlow   = errors.New("core: entity does not sync in this direction")
	ErrDependencyMissing = errors.New("core: dependency not synchronized")
	// ErrSystemUnavailable aborts a run when a system cannot be contacted.
	ErrSystemUnavailable = errors.New("core: system unavailable")
)

// ServiceError is implemented by taxonomy errors that can render a go-errors envelope.
type ServiceError interface {
	error
	ToServiceError() *goerrors.Error
}

// ViolationCode classifies a schema violation.
type ViolationCode string

const (
	ViolationMissingMandatory ViolationCode = "missing_mandatory"
	ViolationTypeMismatch     ViolationCode = "type_mismatch"
	ViolationMaxLength        ViolationCode = "max_length"
	ViolationPattern          ViolationCode = "pattern"
	ViolationEnum             ViolationCode = "enum"
)

// SchemaViolation is a record-level, non-fatal constraint failure.
type SchemaViolation struct {
	System     System
	EntityType EntityType
	Field      string
	Code       ViolationCode
	Message    string
}

func (v SchemaViolation) Error() string {
	return fmt.Sprintf("core: %s %s field %q: %s", v.System, v.EntityType, v.Field, v.Message)
}

func (v SchemaViolation) ToServiceError() *goerrors.Error {
	return goerrors.NewValidation("core: schema violation", goerrors.FieldError{
		Field:   v.Field,
		Message: v.Message,
	}).
		WithCode(http.StatusUnprocessableEntity).
		WithTextCode(SyncErrorSchemaViolation).
		WithMetadata(map[string]any{
			"system":      string(v.System),
			"entity_type": string(v.EntityType),
			"code":        string(v.Code),
		})
}

// ViolationFields lists the distinct fields named by violations, sorted.
func ViolationFields(violations []SchemaViolation) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(violations))
	for _, violation := range violations {
		if _, ok := seen[violation.Field]; ok {
			continue
		}
		seen[violation.Field] = struct{}{}
		out = append(out, violation.Field)
	}
	sort.Strings(out)
	return out
}

// MappingIssue is one problem found while loading a mapping or schema document.
type MappingIssue struct {
	Document string
	Entity   EntityType
	Index    int
	Field    string
	Code     string
	Message  string
}

// MappingLoadError is startup-fatal: it aborts before any I/O.
type MappingLoadError struct {
	Issues []MappingIssue
}

func (e *MappingLoadError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "core: mapping load failed"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		location := strings.TrimSpace(issue.Document)
		if issue.Entity != "" {
			location = strings.TrimSpace(location + " " + string(issue.Entity))
		}
		if issue.Index >= 0 {
			location = fmt.Sprintf("%s[%d]", location, issue.Index)
		}
		parts = append(parts, fmt.Sprintf("%s: %s", strings.TrimSpace(location), issue.Message))
	}
	return "core: mapping load failed: " + strings.Join(parts, "; ")
}

func (e *MappingLoadError) ToServiceError() *goerrors.Error {
	issues := make([]map[string]any, 0, len(e.Issues))
	for _, issue := range e.Issues {
		issues = append(issues, map[string]any{
			"document": issue.Document,
			"entity":   string(issue.Entity),
			"index":    issue.Index,
			"field":    issue.Field,
			"code":     issue.Code,
			"message":  issue.Message,
		})
	}
	return goerrors.New(e.Error(), goerrors.CategoryBadInput).
		WithCode(http.StatusBadRequest).
		WithTextCode(SyncErrorMappingLoad).
		WithMetadata(map[string]any{"issues": issues})
}

func sortMappingIssues(issues []MappingIssue) {
	sort.SliceStable(issues, func(i, j int) bool {
		left, right := issues[i], issues[j]
		if left.Document != right.Document {
			return left.Document < right.Document
		}
		if left.Entity != right.Entity {
			return left.Entity < right.Entity
		}
		if left.Index != right.Index {
			return left.Index < right.Index
		}
		if left.Code != right.Code {
			return left.Code < right.Code
		}
		return left.Field < right.Field
	})
}

// TransformError is record-level and non-fatal: the record is skipped.
type TransformError struct {
	Transform TransformKind
	Field     string
	Err       error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("core: transform %q on field %q failed: %v", e.Transform, e.Field, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

func (e *TransformError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryValidation).
		WithCode(http.StatusUnprocessableEntity).
		WithTextCode(SyncErrorTransformFailed).
		WithMetadata(map[string]any{
			"transform": string(e.Transform),
			"field":     e.Field,
		})
}

// TransientError is retryable. Clients retry with backoff before surfacing it.
// Unreachable marks a target that could not be contacted at all, which aborts
// the remainder of a run instead of failing a single record.
type TransientError struct {
	System      System
	Op          string
	StatusCode  int
	Unreachable bool
	Err         error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("core: transient %s %s failure: %v", e.System, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) ToServiceError() *goerrors.Error {
	code := e.StatusCode
	if code == 0 {
		code = http.StatusBadGateway
	}
	return goerrors.New(e.Error(), goerrors.CategoryExternal).
		WithCode(code).
		WithTextCode(SyncErrorTransient).
		WithMetadata(map[string]any{
			"system":      string(e.System),
			"op":          e.Op,
			"unreachable": e.Unreachable,
		})
}

// PermanentError is non-retryable, e.g. a 4xx validation rejection.
type PermanentError struct {
	System     System
	Op         string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("core: permanent %s %s failure: %v", e.System, e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

func (e *PermanentError) ToServiceError() *goerrors.Error {
	code := e.StatusCode
	if code == 0 {
		code = http.StatusUnprocessableEntity
	}
	return goerrors.New(e.Error(), goerrors.CategoryOperation).
		WithCode(code).
		WithTextCode(SyncErrorPermanent).
		WithMetadata(map[string]any{
			"system": string(e.System),
			"op":     e.Op,
		})
}

// CheckpointPersistError is run-fatal: the batch is not reported complete.
type CheckpointPersistError struct {
	EntityType EntityType
	Direction  Direction
	Marker     string
	Err        error
}

func (e *CheckpointPersistError) Error() string {
	return fmt.Sprintf("core: persist checkpoint %s/%s at %q: %v", e.EntityType, e.Direction, e.Marker, e.Err)
}

func (e *CheckpointPersistError) Unwrap() error { return e.Err }

func (e *CheckpointPersistError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(SyncErrorCheckpointPersist).
		WithMetadata(map[string]any{
			"entity_type": string(e.EntityType),
			"direction":   string(e.Direction),
			"marker":      e.Marker,
		})
}

// ConflictError reports an entity edited in both systems since the last sync.
type ConflictError struct {
	EntityType   EntityType
	Identity     string
	SourceMarker string
	TargetMarker string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"core: %s %q changed in both systems (source %q, target %q)",
		e.EntityType,
		e.Identity,
		e.SourceMarker,
		e.TargetMarker,
	)
}

func (e *ConflictError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryConflict).
		WithCode(http.StatusConflict).
		WithTextCode(SyncErrorConflict).
		WithMetadata(map[string]any{
			"entity_type":   string(e.EntityType),
			"identity":      e.Identity,
			"source_marker": e.SourceMarker,
			"target_marker": e.TargetMarker,
		})
}

func NewTransientError(system System, op string, statusCode int, err error) *TransientError {
	return &TransientError{System: system, Op: strings.TrimSpace(op), StatusCode: statusCode, Err: err}
}

func NewPermanentError(system System, op string, statusCode int, err error) *PermanentError {
	return &PermanentError{System: system, Op: strings.TrimSpace(op), StatusCode: statusCode, Err: err}
}

func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// IsUnreachable reports whether err means the remote system could not be
// contacted at all.
func IsUnreachable(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient) && transient.Unreachable
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ToServiceError maps any error into a go-errors envelope.
func ToServiceError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return ensureErrorEnvelope(rich)
	}

	var serviceErr ServiceError
	if errors.As(err, &serviceErr) {
		return ensureErrorEnvelope(serviceErr.ToServiceError())
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return ensureErrorEnvelope(goerrors.New(err.Error(), goerrors.CategoryNotFound).
			WithTextCode(SyncErrorNotFound))
	case errors.Is(err, ErrRunInProgress):
		return ensureErrorEnvelope(goerrors.New(err.Error(), goerrors.CategoryConflict).
			WithTextCode(SyncErrorConflict))
	case errors.Is(err, ErrInvalidSystem),
		errors.Is(err, ErrInvalidEntityType),
		errors.Is(err, ErrInvalidDirection),
		errors.Is(err, ErrInvalidSyncMode),
		errors.Is(err, ErrUnsupportedFlow):
		return ensureErrorEnvelope(goerrors.New(err.Error(), goerrors.CategoryBadInput).
			WithTextCode(SyncErrorBadInput))
	}

	return ensureErrorEnvelope(goerrors.MapToError(err, goerrors.DefaultErrorMappers()))
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = syncHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultSyncTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultSyncTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return SyncErrorBadInput
	case goerrors.CategoryNotFound:
		return SyncErrorNotFound
	case goerrors.CategoryConflict:
		return SyncErrorConflict
	case goerrors.CategoryRateLimit:
		return SyncErrorRateLimited
	case goerrors.CategoryExternal:
		return SyncErrorTransient
	case goerrors.CategoryOperation:
		return SyncErrorPermanent
	default:
		return SyncErrorInternal
	}
}

func syncHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	case goerrors.CategoryOperation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
