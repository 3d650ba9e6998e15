package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind classifies a structured failure. Kinds are part of the wire contract
// and never change meaning.
type Kind string

const (
	// KindUnknownTool: no registered tool has the requested name.
	KindUnknownTool Kind = "UnknownToolError"

	// KindValidation: input failed validation; the handler did not run.
	KindValidation Kind = "ValidationError"

	// KindNoMatchingTier: the tenant has no pricing tier covering the lot
	// size. A business outcome, not a system fault.
	KindNoMatchingTier Kind = "NoMatchingTierError"

	// KindHandler: the handler or its data dependency failed.
	KindHandler Kind = "HandlerError"

	// KindHandlerTimeout: the handler exceeded its time budget.
	KindHandlerTimeout Kind = "HandlerTimeoutError"

	// KindWorkerUnavailable: the tool group owning the tool is not running.
	KindWorkerUnavailable Kind = "WorkerUnavailableError"

	// KindDuplicateTool: a tool name was registered twice.
	KindDuplicateTool Kind = "DuplicateToolError"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrUnknownTool       = &Error{Kind: KindUnknownTool}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNoMatchingTier    = &Error{Kind: KindNoMatchingTier}
	ErrHandler           = &Error{Kind: KindHandler}
	ErrHandlerTimeout    = &Error{Kind: KindHandlerTimeout}
	ErrWorkerUnavailable = &Error{Kind: KindWorkerUnavailable}
	ErrDuplicateTool     = &Error{Kind: KindDuplicateTool}
)

// Error is the structured failure returned to callers. It is the only error
// shape that crosses a process boundary; Err is kept for local logging and is
// never serialised.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	// Reason is a machine-readable cause, set on HandlerError
	// (e.g. "TenantNotFound", "Panic", "StoreUnavailable").
	Reason string `json:"reason,omitempty"`

	// Fields maps input field names to validation messages.
	Fields map[string]string `json:"fields,omitempty"`

	Err error `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Reason != "" {
		b.WriteString(" (" + e.Reason + ")")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a kind sentinel matching e.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Reason == ""
}

// KindOf returns the kind of err, or "" if err is nil. Errors that are not a
// *Error report [KindHandler].
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindHandler
}

// UnknownTool returns an UnknownToolError for name.
func UnknownTool(name string) *Error {
	return &Error{Kind: KindUnknownTool, Message: fmt.Sprintf("no tool named %q is registered", name)}
}

// Validation returns a ValidationError carrying every field error in fe.
func Validation(fe FieldErrors) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: fe.Error(),
		Fields:  fe.Map(),
	}
}

// NoMatchingTier returns a NoMatchingTierError for a lot size.
func NoMatchingTier(lotSizeSqft int64) *Error {
	return &Error{
		Kind:    KindNoMatchingTier,
		Message: fmt.Sprintf("no pricing tier covers a lot size of %d sq ft", lotSizeSqft),
	}
}

// HandlerFailure returns a HandlerError with a machine-readable reason. The
// message shown to callers is generic; err is kept for logs.
func HandlerFailure(reason string, err error) *Error {
	return &Error{
		Kind:    KindHandler,
		Reason:  reason,
		Message: handlerMessage(reason),
		Err:     err,
	}
}

func handlerMessage(reason string) string {
	switch reason {
	case ReasonTenantNotFound:
		return "tenant does not exist"
	case ReasonStoreUnavailable:
		return "tenant data is temporarily unavailable"
	case ReasonPanic:
		return "tool handler crashed"
	case ReasonCanceled:
		return "invocation was cancelled by the caller"
	default:
		return "internal error during tool execution"
	}
}

// Timeout returns a HandlerTimeoutError for a tool that exceeded d.
func Timeout(name string, d time.Duration) *Error {
	return &Error{
		Kind:    KindHandlerTimeout,
		Message: fmt.Sprintf("tool %q did not finish within %s", name, d),
		Err:     context.DeadlineExceeded,
	}
}

// WorkerUnavailable returns a WorkerUnavailableError for group.
func WorkerUnavailable(group string, err error) *Error {
	return &Error{
		Kind:    KindWorkerUnavailable,
		Message: fmt.Sprintf("tool group %q is unavailable", group),
		Err:     err,
	}
}

// DuplicateTool returns a DuplicateToolError for name.
func DuplicateTool(name string) *Error {
	return &Error{Kind: KindDuplicateTool, Message: fmt.Sprintf("tool %q is already registered", name)}
}

// Machine-readable HandlerError reasons.
const (
	ReasonTenantNotFound   = "TenantNotFound"
	ReasonStoreUnavailable = "StoreUnavailable"
	ReasonPanic            = "Panic"
	ReasonCanceled         = "Canceled"
	ReasonInternal         = "Internal"
	ReasonEncoding         = "ResultEncoding"
)

// Normalize maps any error to a *Error so no unstructured failure escapes to
// a caller. A nil error yields nil.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	var fe FieldErrors
	if errors.As(err, &fe) {
		return Validation(fe)
	}
	var r interface{ Reason() string }
	if errors.As(err, &r) {
		return HandlerFailure(r.Reason(), err)
	}
	return HandlerFailure(ReasonInternal, err)
}

// FieldError is a single validation failure on an input field.
type FieldError struct {
	Field   string
	Message string
}

// FieldErrors collects validation failures. The zero value is ready to use.
type FieldErrors []FieldError

// Add records a failure on field.
func (fe *FieldErrors) Add(field, message string) {
	*fe = append(*fe, FieldError{Field: field, Message: message})
}

// Addf records a formatted failure on field.
func (fe *FieldErrors) Addf(field, format string, args ...any) {
	fe.Add(field, fmt.Sprintf(format, args...))
}

// Has reports whether any failure was recorded for field.
func (fe FieldErrors) Has(field string) bool {
	for _, e := range fe {
		if e.Field == field {
			return true
		}
	}
	return false
}

// Error renders the failures sorted by field, e.g.
// "frequency: must be one of weekly, biweekly; lot_size_sqft: must be positive".
func (fe FieldErrors) Error() string {
	m := fe.Map()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + m[k]
	}
	return strings.Join(parts, "; ")
}

// Map groups messages by field. Several messages for one field are joined
// with "; " in insertion order.
func (fe FieldErrors) Map() map[string]string {
	if len(fe) == 0 {
		return nil
	}
	m := make(map[string]string, len(fe))
	for _, e := range fe {
		if prev, ok := m[e.Field]; ok {
			m[e.Field] = prev + "; " + e.Message
			continue
		}
		m[e.Field] = e.Message
	}
	return m
}

// Validator is implemented by input types that carry semantic rules beyond
// what the JSON schema expresses. Validate must report every failing field,
// not just the first.
type Validator interface {
	Validate() FieldErrors
}
