package capsulegate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/spdeepak/capsulegate/gateway"
	"github.com/spdeepak/capsulegate/quota"
)

// Response headers set by the middleware.
const (
	HeaderCacheStatus    = "X-Cache-Status"
	HeaderQuotaLimit     = "X-Quota-Limit"
	HeaderQuotaRemaining = "X-Quota-Remaining"
	HeaderQuotaReset     = "X-Quota-Reset"
)

// UncacheableError carries a downstream response that must not be cached,
// such as an error status or an oversized body. It is handed to every caller
// attached to the fetch and nobody is charged for it.
type UncacheableError struct {
	Response *CachedResponse
	Reason   string
}

func (e *UncacheableError) Error() string {
	return fmt.Sprintf("uncacheable response (status %d): %s", e.Response.StatusCode, e.Reason)
}

// NewGatewayMiddleware returns middleware that serves GET/HEAD requests
// through gw. The wrapped handler is the upstream aggregation: it runs at most
// once per key at a time, its response is cached and its item count is charged
// to every caller that receives it fresh.
func NewGatewayMiddleware(gw *gateway.Gateway, cfg *Config) func(next http.Handler) http.Handler {
	cfg = cfg.withDefaults()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
			// Only GET/HEAD requests go through the gateway
			if request.Method != http.MethodGet && request.Method != http.MethodHead {
				next.ServeHTTP(responseWriter, request)
				return
			}

			cacheKey := cfg.KeyGenerator(request)
			if cacheKey == "" {
				// fallback to not caching if key generation fails
				next.ServeHTTP(responseWriter, request)
				return
			}

			identity := cfg.IdentityFunc(responseWriter, request)
			plan, err := cfg.PlanFunc(request)
			if err != nil {
				writeJSONError(responseWriter, http.StatusBadRequest, err.Error())
				return
			}

			fetch := func(ctx context.Context) (any, int, error) {
				recorder := NewResponseRecorder(cfg.MaxBodyBytes)
				next.ServeHTTP(recorder, request.WithContext(ctx))

				entry := recorder.Snapshot(cfg.StripHeaders)
				if !cfg.ShouldCache(entry.StatusCode) {
					return nil, 0, &UncacheableError{Response: entry, Reason: "status not cacheable"}
				}
				if recorder.Truncated() {
					return nil, 0, &UncacheableError{Response: entry, Reason: "body exceeds cache limit"}
				}
				entry.Items = cfg.ItemsCounter(entry.StatusCode, entry.Headers, entry.Body)
				return entry, entry.Items, nil
			}

			resp, err := gw.Fetch(request.Context(), gateway.Request{
				Key:      cacheKey,
				Identity: identity,
				Plan:     plan,
			}, fetch)
			if err != nil {
				handleError(responseWriter, request, cfg, cacheKey, resp, err)
				return
			}

			entry, ok := resp.Value.(*CachedResponse)
			if !ok {
				cfg.Logger.Error("Unexpected cached value type", slog.Any("cacheKey", cacheKey), slog.String("type", fmt.Sprintf("%T", resp.Value)))
				writeJSONError(responseWriter, http.StatusInternalServerError, "internal server error")
				return
			}

			switch {
			case resp.FromCache:
				responseWriter.Header().Set(HeaderCacheStatus, "HIT")
			case resp.Shared:
				responseWriter.Header().Set(HeaderCacheStatus, "SHARED")
			default:
				responseWriter.Header().Set(HeaderCacheStatus, "MISS")
			}
			setQuotaHeaders(responseWriter.Header(), resp.Quota)
			entry.Replay(responseWriter, request.Method)
		})
	}
}

func handleError(w http.ResponseWriter, r *http.Request, cfg *Config, cacheKey string, resp gateway.Response, err error) {
	var (
		invalid     *quota.InvalidIdentityError
		exceeded    *quota.QuotaExceededError
		uncacheable *UncacheableError
	)

	switch {
	case errors.As(err, &invalid):
		writeJSONError(w, http.StatusBadRequest, "could not identify caller")
	case errors.Is(err, quota.ErrUnknownPlan):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &exceeded):
		setQuotaHeaders(w.Header(), resp.Quota)
		retryAfter := exceeded.RetryAfter(cfg.Clock.Now())
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":     "daily limit reached",
			"limit":     exceeded.Limit,
			"remaining": 0,
			"resetAt":   exceeded.ResetAt.UTC().Format(time.RFC3339),
		})
	case errors.As(err, &uncacheable):
		w.Header().Set(HeaderCacheStatus, "BYPASS")
		setQuotaHeaders(w.Header(), resp.Quota)
		uncacheable.Response.Replay(w, r.Method)
	case r.Context().Err() != nil:
		// client went away, nobody to answer
	default:
		cfg.Logger.Error("Gateway fetch failed", slog.Any("cacheKey", cacheKey), slog.Any("error", err))
		writeJSONError(w, http.StatusBadGateway, "upstream unavailable")
	}
}

func setQuotaHeaders(h http.Header, dec quota.Decision) {
	if dec.ResetAt.IsZero() {
		return
	}
	if dec.Unlimited {
		h.Set(HeaderQuotaLimit, "unlimited")
		return
	}
	h.Set(HeaderQuotaLimit, strconv.Itoa(dec.Limit))
	h.Set(HeaderQuotaRemaining, strconv.Itoa(dec.Remaining))
	h.Set(HeaderQuotaReset, dec.ResetAt.UTC().Format(time.RFC3339))
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
