package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/hyperengineering/reconcile/internal/queue"
	"github.com/hyperengineering/reconcile/internal/store"
	"github.com/hyperengineering/reconcile/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

type problemType struct {
	typeURI string
	title   string
}

const problemBase = "https://reconcile.dev/errors/"

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]problemType{
	http.StatusBadRequest:          {problemBase + "bad-request", "Bad Request"},
	http.StatusUnauthorized:        {problemBase + "unauthorized", "Unauthorized"},
	http.StatusNotFound:            {problemBase + "not-found", "Not Found"},
	http.StatusConflict:            {problemBase + "conflict", "Conflict"},
	http.StatusUnprocessableEntity: {problemBase + "validation-error", "Validation Error"},
	http.StatusInternalServerError: {problemBase + "internal-error", "Internal Server Error"},
	http.StatusNotImplemented:      {problemBase + "not-implemented", "Not Implemented"},
	http.StatusServiceUnavailable:  {problemBase + "service-unavailable", "Service Unavailable"},
}

func lookupProblem(status int) problemType {
	if pt, ok := problemTypes[status]; ok {
		return pt
	}
	return problemType{typeURI: problemBase + "unknown", title: http.StatusText(status)}
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt := lookupProblem(status)
	writeProblemBody(w, status, Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	pt := problemTypes[http.StatusUnprocessableEntity]
	writeProblemBody(w, http.StatusUnprocessableEntity, ProblemWithErrors{
		Problem: Problem{
			Type:     pt.typeURI,
			Title:    pt.title,
			Status:   http.StatusUnprocessableEntity,
			Detail:   detail,
			Instance: r.URL.Path,
		},
		Errors: errs,
	})
}

func writeProblemBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "error", err)
	}
}

// MapError converts domain errors to Problem Details responses.
func MapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, queue.ErrItemNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
	case errors.Is(err, queue.ErrNoProcessor):
		WriteProblem(w, r, http.StatusServiceUnavailable, "No sync processor configured")
	case errors.Is(err, queue.ErrNotInitialized):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Queue is not ready")
	case errors.Is(err, queue.ErrRemoveUnsupported):
		WriteProblem(w, r, http.StatusNotImplemented, "Queue does not support removing items")
	default:
		// Never expose internal error details to client
		slog.Error("request failed", "component", "api", "path", r.URL.Path, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
