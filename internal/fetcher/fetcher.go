// Package fetcher defines the HTTP fetch contract shared by the provider
// crawlers and the attachment download pipeline.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Request describes a single GET.
type Request struct {
	URL     string
	Headers http.Header
}

// Response is a fully read 2xx response.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher performs HTTP GETs. Non-2xx responses are returned as *HTTPError.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// HTTPError reports a response with a non-2xx status.
type HTTPError struct {
	URL        string
	StatusCode int
	Headers    http.Header
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// StatusCode extracts the HTTP status from an error chain, or 0 if none.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// Func adapts a function to the Fetcher interface.
type Func func(ctx context.Context, req Request) (Response, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
