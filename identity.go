package capsulegate

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/spdeepak/capsulegate/quota"
)

const (
	// DefaultIdentityHeader carries an authenticated account id, set by
	// whatever authenticates requests in front of the gateway.
	DefaultIdentityHeader = "X-User-ID"
	// DefaultPlanHeader carries the account's plan, set by the same party.
	DefaultPlanHeader = "X-User-Plan"
	// DefaultGuestCookie holds the guest id issued to unauthenticated callers.
	DefaultGuestCookie = "capsule_guest"
)

// IdentityOptions configures DefaultIdentityFunc.
type IdentityOptions struct {
	// TrustHeader honours Header as an account id. Leave it off unless an
	// authenticating proxy sets the header and strips it from client requests.
	TrustHeader        bool
	Header             string
	GuestCookie        string
	TrustXForwardedFor bool
	// IssueGuestCookie mints a guest cookie for callers that have none.
	IssueGuestCookie bool
	// Secure marks issued cookies as HTTPS only.
	Secure bool
}

// PlanFunc resolves the plan of a request.
type PlanFunc func(r *http.Request) (quota.Plan, error)

// FreePlanFunc puts every caller on the free plan. It is the default, since
// a plan sent by the client cannot be trusted.
func FreePlanFunc(*http.Request) (quota.Plan, error) {
	return quota.PlanFree, nil
}

// HeaderPlanFunc reads the plan from a header; a missing header means free.
// Use it only when the header is set by an authenticating proxy.
func HeaderPlanFunc(header string) PlanFunc {
	return func(r *http.Request) (quota.Plan, error) {
		return quota.ParsePlan(r.Header.Get(header))
	}
}

// DefaultIdentityFunc resolves identities in order: account header (only
// with TrustHeader), guest cookie, client IP. Identities are prefixed by kind
// so an account id can never collide with a guest id. When nothing is known
// it returns "", which the gateway rejects instead of pooling such callers
// together.
func DefaultIdentityFunc(opts IdentityOptions) func(w http.ResponseWriter, r *http.Request) string {
	if opts.Header == "" {
		opts.Header = DefaultIdentityHeader
	}
	if opts.GuestCookie == "" {
		opts.GuestCookie = DefaultGuestCookie
	}

	return func(w http.ResponseWriter, r *http.Request) string {
		if opts.TrustHeader {
			if v := strings.TrimSpace(r.Header.Get(opts.Header)); v != "" {
				return "user:" + v
			}
		}

		if c, err := r.Cookie(opts.GuestCookie); err == nil {
			if id, err := uuid.Parse(c.Value); err == nil {
				return "guest:" + id.String()
			}
		}

		ip := clientIP(r, opts.TrustXForwardedFor)
		if opts.IssueGuestCookie && w != nil {
			http.SetCookie(w, &http.Cookie{
				Name:     opts.GuestCookie,
				Value:    uuid.NewString(),
				Path:     "/",
				MaxAge:   365 * 24 * 60 * 60,
				HttpOnly: true,
				Secure:   opts.Secure,
				SameSite: http.SameSiteLaxMode,
			})
		}
		if ip == "" {
			return ""
		}
		// this request is still charged to the IP, the cookie applies from the next one
		return "ip:" + ip
	}
}

func clientIP(r *http.Request, trustXFF bool) string {
	if trustXFF {
		// first address is the original client
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
