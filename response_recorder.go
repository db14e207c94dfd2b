package capsulegate

import (
	"bytes"
	"net/http"
	"sync"
)

// ResponseRecorder captures the aggregation written by the downstream handler.
// Nothing reaches a client; the captured response is replayed to every caller
// attached to the fetch.
type ResponseRecorder struct {
	mu        sync.Mutex
	status    int
	header    http.Header
	body      bytes.Buffer
	limit     int64
	truncated bool
}

// NewResponseRecorder returns a recorder that keeps at most limit body bytes.
// A limit <= 0 keeps everything.
func NewResponseRecorder(limit int64) *ResponseRecorder {
	return &ResponseRecorder{
		status: http.StatusOK,
		header: make(http.Header),
		limit:  limit,
	}
}

// Header implements http.ResponseWriter
func (r *ResponseRecorder) Header() http.Header {
	return r.header
}

// Write implements http.ResponseWriter. Bytes past the limit are accepted and
// dropped so the handler finishes normally; the response is then marked
// truncated.
func (r *ResponseRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keep := p
	if r.limit > 0 {
		room := r.limit - int64(r.body.Len())
		if room < 0 {
			room = 0
		}
		if int64(len(p)) > room {
			keep = p[:room]
			r.truncated = true
		}
	}
	r.body.Write(keep)
	return len(p), nil
}

// WriteHeader implements http.ResponseWriter
func (r *ResponseRecorder) WriteHeader(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

func (r *ResponseRecorder) StatusCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Body returns the recorded body bytes.
func (r *ResponseRecorder) Body() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.Bytes()
}

// Truncated reports whether the handler wrote more than the limit.
func (r *ResponseRecorder) Truncated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.truncated
}

// Snapshot detaches the recorded response. strip filters headers that must
// not be shared between callers.
func (r *ResponseRecorder) Snapshot(strip func(http.Header) http.Header) *CachedResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	header := r.header.Clone()
	if strip != nil {
		header = strip(header)
	}
	return &CachedResponse{
		StatusCode: r.status,
		Headers:    header,
		Body:       bytes.Clone(r.body.Bytes()),
	}
}

// CachedResponse is the value the middleware stores for a key.
type CachedResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	// Items is the number of usable items the aggregation delivered.
	Items int
}

// Replay sends the response to w. Headers already set on w are kept.
func (c *CachedResponse) Replay(w http.ResponseWriter, method string) {
	dst := w.Header()
	for name, values := range c.Headers {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	w.WriteHeader(c.StatusCode)
	if method == http.MethodHead || len(c.Body) == 0 {
		return
	}
	_, _ = w.Write(c.Body)
}
