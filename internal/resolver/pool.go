package resolver

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"vibegraph/internal/logging"
)

// DefaultRequestTimeout bounds one resolver call when the caller does not
// set its own deadline.
const DefaultRequestTimeout = 60 * time.Second

// Env vars read by FromEnv. URLS, KEYS and MODELS are comma lists zipped
// positionally; a shorter list cycles.
const (
	EnvResolverURLs   = "VG_RESOLVER_URLS"
	EnvResolverKeys   = "VG_RESOLVER_KEYS"
	EnvResolverModels = "VG_RESOLVER_MODELS"
	EnvGeminiKey      = "GEMINI_API_KEY"
)

// Pool distributes evaluations across backends round-robin. Next is safe
// for concurrent use.
type Pool struct {
	resolvers []Resolver
	cursor    atomic.Uint64
	timeout   atomic.Int64
}

// NewPool builds a pool over the given backends.
func NewPool(resolvers ...Resolver) (*Pool, error) {
	if len(resolvers) == 0 {
		return nil, ErrNoBackends
	}
	p := &Pool{resolvers: resolvers}
	p.timeout.Store(int64(DefaultRequestTimeout))
	return p, nil
}

// Next returns the next backend in round-robin order.
func (p *Pool) Next() Resolver {
	i := p.cursor.Add(1) - 1
	return p.resolvers[i%uint64(len(p.resolvers))]
}

// Len returns the number of backends.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.resolvers)
}

// Names lists the backends in pool order.
func (p *Pool) Names() []string {
	out := make([]string, len(p.resolvers))
	for i, r := range p.resolvers {
		out[i] = r.Name()
	}
	return out
}

// Timeout returns the per-request budget external rules apply.
func (p *Pool) Timeout() time.Duration {
	return time.Duration(p.timeout.Load())
}

// SetTimeout replaces the per-request budget. Non-positive values are
// ignored.
func (p *Pool) SetTimeout(d time.Duration) {
	if d > 0 {
		p.timeout.Store(int64(d))
	}
}

// FromEnv builds a pool from the environment: one HTTP backend per entry
// in VG_RESOLVER_URLS (keys and models zipped in), plus a Gemini backend
// when GEMINI_API_KEY is set.
func FromEnv() (*Pool, error) {
	urls := splitList(os.Getenv(EnvResolverURLs))
	keys := splitList(os.Getenv(EnvResolverKeys))
	models := splitList(os.Getenv(EnvResolverModels))

	var resolvers []Resolver
	for i, u := range urls {
		cfg := HTTPConfig{APIURL: u}
		if len(keys) > 0 {
			cfg.APIKey = keys[i%len(keys)]
		}
		if len(models) > 0 {
			cfg.Model = models[i%len(models)]
		}
		resolvers = append(resolvers, NewHTTPResolver(cfg))
	}

	if key := os.Getenv(EnvGeminiKey); key != "" {
		r, err := NewGenAIResolver(GenAIConfig{APIKey: key})
		if err != nil {
			return nil, err
		}
		resolvers = append(resolvers, r)
	}

	if len(resolvers) == 0 {
		return nil, fmt.Errorf("%w: set %s or %s", ErrNoBackends, EnvResolverURLs, EnvGeminiKey)
	}

	pool, err := NewPool(resolvers...)
	if err != nil {
		return nil, err
	}
	logging.Resolver("pool: %d backend(s): %s", pool.Len(), strings.Join(pool.Names(), ", "))
	return pool, nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
