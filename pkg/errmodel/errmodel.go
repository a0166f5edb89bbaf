// Package errmodel defines the compact error taxonomy used across the
// ingestion and correlation pipeline and its HTTP envelope.
package errmodel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Category values. Only validation and durability errors are caller-visible
// failures of ingestion; backend and external errors are recovered locally.
const (
	// CategoryValidation: malformed or unknown event input. Rejected,
	// reported to the submitting connection, never stored.
	CategoryValidation = "validation"
	// CategoryDurability: the record-of-truth write exhausted retries.
	CategoryDurability = "durability"
	// CategoryBackend: transient stream/relation store failure. Logged and
	// swallowed.
	CategoryBackend = "backend"
	// CategoryExternal: embedding/analysis/pattern service failure or
	// timeout. Reported as a degraded outcome.
	CategoryExternal = "external"
	// CategoryNotFound: query against an unknown session, event, solution
	// or connection id.
	CategoryNotFound = "not_found"
	// CategorySystem: everything else.
	CategorySystem = "system"
)

// Error is the compact error payload returned by the API and used
// internally. It implements the error interface.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Causes   []Error        `json:"causes,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// New constructs a compact error.
func New(category, code, message string, ctx map[string]any, causes ...error) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, 512)}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	for _, c := range causes {
		if c == nil {
			continue
		}
		ce.Causes = append(ce.Causes, *From(c))
	}
	return ce
}

// From converts any error into a compact Error. If err is already *Error it
// is returned as-is.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Category: CategorySystem, Code: "internal", Message: truncate(err.Error(), 512)}
}

// Convenience constructors for the taxonomy.

func Validation(code, message string, ctx map[string]any) *Error {
	return New(CategoryValidation, code, message, ctx)
}

func Durability(message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategoryDurability, "write_exhausted", message, ctx, cause)
	}
	return New(CategoryDurability, "write_exhausted", message, ctx)
}

func Backend(code, message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategoryBackend, code, message, ctx, cause)
	}
	return New(CategoryBackend, code, message, ctx)
}

func External(code, message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategoryExternal, code, message, ctx, cause)
	}
	return New(CategoryExternal, code, message, ctx)
}

func NotFound(code, message string, ctx map[string]any) *Error {
	return New(CategoryNotFound, code, message, ctx)
}

// IsCategory checks whether err belongs to a category.
func IsCategory(err error, category string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Category, category)
}

func IsValidation(err error) bool { return IsCategory(err, CategoryValidation) }
func IsDurability(err error) bool { return IsCategory(err, CategoryDurability) }
func IsExternal(err error) bool   { return IsCategory(err, CategoryExternal) }
func IsNotFound(err error) bool   { return IsCategory(err, CategoryNotFound) }

// HTTPStatus maps category/code to an HTTP status.
func HTTPStatus(e *Error) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Category {
	case CategoryValidation:
		if e.Code == "conflict" {
			return http.StatusConflict
		}
		return http.StatusBadRequest
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryDurability, CategoryBackend, CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes the compact error envelope, including the trace id when
// one is present on the request context.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	ce := From(err)
	if ce == nil {
		ce = &Error{Category: CategorySystem, Code: "internal", Message: "unknown error"}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(ce))

	traceID := ""
	if r != nil {
		if span := trace.SpanFromContext(r.Context()); span != nil {
			if sc := span.SpanContext(); sc.HasTraceID() {
				traceID = sc.TraceID().String()
			}
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":    ce,
		"trace_id": traceID,
	})
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		default:
			if b, err := json.Marshal(t); err == nil && len(b) > 0 {
				out[k] = truncate(string(b), 256)
			} else {
				out[k] = t
			}
		}
	}
	return out
}
