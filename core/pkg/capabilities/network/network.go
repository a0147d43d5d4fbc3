// Package network implements the built-in network.fetch capability.
// Grounded directly on backend/core/capabilities/network_strict.py: HTTPS
// only, domain allowlist, method allowlist, bounded payload size, cookies
// and redirects stripped. Rate limiting is offered two ways (see
// RedisLimiter / LocalLimiter) — grounded on pkg/kernel/limiter_redis.go's
// go-redis token bucket and on golang.org/x/time/rate for the
// single-process case, matching how the rest of the pack wires
// golang.org/x/time (pkg/api/middleware.go, pkg/arc/connectors).
package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mek-systems/mek/core/pkg/mek"
)

// Limiter is satisfied by both *rate.Limiter (in-process, see
// golang.org/x/time/rate) and *RedisLimiter (distributed, see
// redis_limiter.go).
type Limiter interface {
	Allow(ctx context.Context) bool
}

// Refusal reasons, matching NetworkRefusal in network_strict.py.
const (
	ReasonURLNotAllowed    = "url_not_allowed"
	ReasonMethodNotAllowed = "method_not_allowed"
	ReasonPayloadTooLarge  = "payload_too_large"
	ReasonUnsafeScheme     = "unsafe_scheme"
	ReasonRateLimited      = "rate_limited"
)

const capabilityName = "network.fetch"

// Config mirrors NetworkConfig's frozen dataclass.
type Config struct {
	AllowedDomains  map[string]bool
	AllowedMethods  map[string]bool
	MaxPayloadBytes int64
}

// DefaultConfig matches the Python module's allowlist and 1 MiB payload cap.
func DefaultConfig(allowedDomains ...string) Config {
	domains := make(map[string]bool, len(allowedDomains))
	for _, d := range allowedDomains {
		domains[d] = true
	}
	return Config{
		AllowedDomains:  domains,
		AllowedMethods:  map[string]bool{"GET": true, "POST": true},
		MaxPayloadBytes: 1024 * 1024,
	}
}

func refuse(reason, detail string) error {
	return &mek.CapabilityError{Capability: capabilityName, Reason: reason, Detail: detail}
}

func domainAllowed(host string, allowed map[string]bool) bool {
	for d := range allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// New builds the network.fetch capability (MEDIUM consequence). limiter may
// be nil, in which case no local rate limiting is applied (e.g. a
// RedisLimiter is used upstream instead).
func New(cfg Config, limiter Limiter) (*mek.CapabilityContract, error) {
	return mek.NewCapabilityContract(capabilityName, mek.ConsequenceMedium, []string{"url", "method"}, func(ctx context.Context, mc *mek.Context) (any, error) {
		if limiter != nil && !limiter.Allow(ctx) {
			return nil, refuse(ReasonRateLimited, "request rate exceeds configured limit")
		}

		rawURL, _ := mc.Field("url")
		method, _ := mc.Field("method")
		urlStr, _ := rawURL.(string)
		methodStr, _ := method.(string)

		parsed, err := url.Parse(urlStr)
		if err != nil {
			return nil, refuse(ReasonURLNotAllowed, "unparseable URL")
		}
		if parsed.Scheme != "https" {
			return nil, refuse(ReasonUnsafeScheme, parsed.Scheme)
		}
		if !domainAllowed(parsed.Hostname(), cfg.AllowedDomains) {
			return nil, refuse(ReasonURLNotAllowed, parsed.Hostname())
		}
		if !cfg.AllowedMethods[strings.ToUpper(methodStr)] {
			return nil, refuse(ReasonMethodNotAllowed, methodStr)
		}

		var body []byte
		if bv, ok := mc.Field("body"); ok {
			if bs, ok := bv.(string); ok {
				body = []byte(bs)
			}
		}
		if int64(len(body)) > cfg.MaxPayloadBytes {
			return nil, refuse(ReasonPayloadTooLarge, fmt.Sprintf("%d bytes exceeds ceiling of %d", len(body), cfg.MaxPayloadBytes))
		}

		req, err := http.NewRequestWithContext(ctx, strings.ToUpper(methodStr), urlStr, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("network.fetch: build request: %w", err)
		}

		client := &http.Client{
			// Cookies and automatic redirects are both structural hazards
			// the strict variant refuses to participate in: no cookie jar is
			// ever attached, and redirects are rejected rather than followed.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("network.fetch: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxPayloadBytes))
		if err != nil {
			return nil, fmt.Errorf("network.fetch: read response: %w", err)
		}

		return map[string]any{
			"status_code": resp.StatusCode,
			"body":        string(respBody),
		}, nil
	})
}
