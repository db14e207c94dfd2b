package capsulegate

import (
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"
)

// Config holds the middleware settings.
type Config struct {
	// KeyGenerator builds the cache key; an empty key bypasses the gateway.
	KeyGenerator func(*http.Request) string
	// IdentityFunc resolves who is asking. It may set cookies on w.
	IdentityFunc func(w http.ResponseWriter, r *http.Request) string
	// PlanFunc resolves the caller's plan.
	PlanFunc PlanFunc
	// ShouldCache decides whether a response with given status code should be cached.
	ShouldCache func(statusCode int) bool
	// MaxBodyBytes - do not cache bodies larger than this.
	MaxBodyBytes int64
	// StripHeaders removes headers before storing (hop-by-hop etc).
	StripHeaders func(http.Header) http.Header
	// ItemsCounter reports how many usable items a response delivered.
	ItemsCounter ItemsCounter
	Logger       *slog.Logger
	// Clock is used for Retry-After; nil means the wall clock.
	Clock clockwork.Clock
}

// DefaultConfig provides defaults.
var DefaultConfig = &Config{
	KeyGenerator: DefaultKeyGenerator,
	IdentityFunc: DefaultIdentityFunc(IdentityOptions{}),
	PlanFunc:     FreePlanFunc,
	ShouldCache: func(statusCode int) bool {
		// Only cache successful responses by default
		return statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices
	},
	MaxBodyBytes: 4 << 20,
	StripHeaders: stripHopByHop,
	ItemsCounter: DefaultItemsCounter,
}

// withDefaults fills unset fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	if c == nil {
		c = DefaultConfig
	}
	out := *c
	if out.KeyGenerator == nil {
		out.KeyGenerator = DefaultConfig.KeyGenerator
	}
	if out.IdentityFunc == nil {
		out.IdentityFunc = DefaultConfig.IdentityFunc
	}
	if out.PlanFunc == nil {
		out.PlanFunc = DefaultConfig.PlanFunc
	}
	if out.ShouldCache == nil {
		out.ShouldCache = DefaultConfig.ShouldCache
	}
	if out.StripHeaders == nil {
		out.StripHeaders = DefaultConfig.StripHeaders
	}
	if out.ItemsCounter == nil {
		out.ItemsCounter = DefaultConfig.ItemsCounter
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Clock == nil {
		out.Clock = clockwork.NewRealClock()
	}
	return &out
}

// DefaultKeyGenerator creates a cache key from method, path and the sorted
// query string, so ?page=2&category=action and ?category=action&page=2 share
// an entry.
func DefaultKeyGenerator(r *http.Request) string {
	key := r.Method + ":" + r.URL.Path
	if q := r.URL.Query(); len(q) > 0 {
		key += "?" + q.Encode()
	}
	return key
}

// AdvancedKeyGenerator also includes the given request headers, e.g.
// Accept-Language for localized results.
func AdvancedKeyGenerator(r *http.Request, headersToInclude []string) string {
	key := DefaultKeyGenerator(r)

	headers := append([]string(nil), headersToInclude...)
	sort.Strings(headers)
	for _, header := range headers {
		if val := r.Header.Get(header); val != "" {
			key += ":" + header + "=" + url.QueryEscape(val)
		}
	}
	return key
}

// unsharedHeaders never reach the cache: hop-by-hop headers plus Set-Cookie,
// which belongs to the leader alone.
var unsharedHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive",
	"Proxy-Authenticate", "Proxy-Authorization", "TE",
	"Trailer", "Transfer-Encoding", "Upgrade", "Set-Cookie",
}

func stripHopByHop(header http.Header) http.Header {
	out := header.Clone()
	for _, name := range unsharedHeaders {
		out.Del(name)
	}
	// headers named by Connection are hop-by-hop too
	for _, name := range strings.Split(header.Get("Connection"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			out.Del(name)
		}
	}
	return out
}
