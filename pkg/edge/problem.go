// Package edge is the thin HTTP surface over the runtime: sessions, intent
// submission, execution status and streaming. All decisions live behind the
// runtime; the edge translates transport concerns only.
package edge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/loomworks/fabric/pkg/fault"
	"github.com/loomworks/fabric/pkg/smartcity"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs). All
// edge error responses use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://fabric.loomworks.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get(headerRequestID),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// writeFault maps a classified error onto its HTTP status. Unclassified
// errors become opaque 500s; the cause is never exposed to the client.
func writeFault(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := fault.HTTPStatus(kind)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		detail = "An unexpected error occurred. Please try again later."
	}
	writeProblem(w, r, status, string(kind), detail)
}

// writeSessionError maps session manager sentinels onto HTTP statuses.
func writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, smartcity.ErrNotFound):
		writeProblem(w, r, http.StatusNotFound, "Not Found", "unknown session")
	case errors.Is(err, smartcity.ErrSessionExpired):
		writeProblem(w, r, http.StatusUnauthorized, "Session Expired", "the session has expired")
	case errors.Is(err, smartcity.ErrSessionUpgraded):
		writeProblem(w, r, http.StatusConflict, "Conflict", "the session is already upgraded")
	case errors.Is(err, smartcity.ErrTokenInvalid):
		writeProblem(w, r, http.StatusUnauthorized, "Unauthorized", "access token rejected")
	default:
		writeFault(w, r, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
