package listener

import (
	"encoding/json"
	"net/http"

	"github.com/corepeer/peersync/pkg/perr"
)

// RequestResponse lets a handler set status and headers before the body is
// streamed, matching the contract's "RequestResponse object that lets it
// set status, headers, and stream a body."
type RequestResponse struct {
	w          http.ResponseWriter
	status     int
	wroteBody  bool
}

// SetStatus sets the response status code. Must be called before any write.
func (rw *RequestResponse) SetStatus(code int) { rw.status = code }

// Header exposes the underlying header map for handlers that need to set
// extra response headers before writing a body.
func (rw *RequestResponse) Header() http.Header { return rw.w.Header() }

// JSON writes v as the JSON response body, along with the status
// previously set via SetStatus (defaulting to 200).
func (rw *RequestResponse) JSON(v any) {
	rw.w.Header().Set("Content-Type", "application/json")
	rw.w.WriteHeader(rw.status)
	rw.wroteBody = true
	_ = json.NewEncoder(rw.w).Encode(v)
}

// Error writes the standard error JSON body for a structured error and
// sets the status from perr.HTTPStatus, matching "{error,
// x-litecore-domain, x-litecore-code}".
func (rw *RequestResponse) Error(err error) {
	rw.status = perr.HTTPStatus(err)
	writeErrBody(rw.w, rw.status, err)
	rw.wroteBody = true
}

// finish ensures a status line was written even if the handler never
// called JSON/Error (e.g. a bare SetStatus(204)).
func (rw *RequestResponse) finish() {
	if !rw.wroteBody {
		rw.w.WriteHeader(rw.status)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}

func writeErrBody(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"error": err.Error()}
	if e, ok := err.(*perr.Error); ok {
		body["x-litecore-domain"] = e.Domain.String()
		body["x-litecore-code"] = e.Code
	}
	_ = json.NewEncoder(w).Encode(body)
}
