// Package httputils provides shared helpers for HTTP servers and clients.
package httputils

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.moonmind.dev/infra/go/sklog"
)

const (
	DialTimeout    = time.Minute
	RequestTimeout = 5 * time.Minute

	// Exponential backoff defaults for retrying clients.
	initialInterval     = 500 * time.Millisecond
	randomizationFactor = 0.5
	backoffMultiplier   = 1.5
	maxInterval         = 30 * time.Second
	maxElapsedTime      = 5 * time.Minute
)

// ErrorDetail is the JSON error shape returned by all endpoints:
//
//	{"detail": {"code": "...", "message": "..."}}
type ErrorDetail struct {
	Detail struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"detail"`
}

// ReportError formats an HTTP error response in the standard JSON error
// shape and logs the detailed error message.
func ReportError(w http.ResponseWriter, err error, code string, message string, status int) {
	if err != nil {
		sklog.Errorf("HTTP error %d (%s): %s: %s", status, code, message, err)
	} else {
		sklog.Errorf("HTTP error %d (%s): %s", status, code, message)
	}
	var body ErrorDetail
	body.Detail.Code = code
	body.Detail.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		sklog.Errorf("Failed to write error response: %s", err)
	}
}

// RespondWithJSON writes the given value as a JSON response body.
func RespondWithJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		sklog.Errorf("Failed to write JSON response: %s", err)
	}
}

// HealthzHandler returns 200 OK with an empty body, appropriate for a
// healthcheck endpoint.
func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
}

// DefaultClient returns an http.Client with sane timeouts and no retries.
func DefaultClient() *http.Client {
	return &http.Client{
		Timeout: RequestTimeout,
	}
}

// NewBackOff returns an exponential backoff configured with the package
// defaults, suitable for retrying transient HTTP failures.
func NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialInterval
	b.RandomizationFactor = randomizationFactor
	b.Multiplier = backoffMultiplier
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = maxElapsedTime
	return b
}

// LoggingMiddleware logs each request with its duration and status.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		sklog.Infof("%s %s %d (%s)", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
