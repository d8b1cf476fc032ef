package embedding

import (
	"net/http"
	"time"

	"github.com/selfreflect/engine/pkg/resilience"
	"golang.org/x/time/rate"
)

// ClientDeps are the shared resilience/transport primitives injected into
// every provider implementation: an outbound token-bucket limiter
// (golang.org/x/time/rate, the same package the teacher uses for its
// scraper clients) and a circuit breaker from pkg/resilience, plus an HTTP
// client. Callers share one ClientDeps per process so limits apply
// globally, not per-call.
type ClientDeps struct {
	HTTP    *http.Client
	Limiter *rate.Limiter
	Breaker *resilience.Breaker
}

// DefaultClientDeps builds sensible defaults: a 30s HTTP timeout, a token
// bucket tuned to the provider's documented rate, and a breaker that opens
// after 5 consecutive failures for 30s.
func DefaultClientDeps(requestsPerSecond float64, burst int) ClientDeps {
	return ClientDeps{
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		Breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}
}
