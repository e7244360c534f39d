package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethpandaops/dvtoor/pkg/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Route tiers with their own request budget.
const (
	tierPublic = "public"
	tierSubmit = "submit"
)

const (
	throttleSweepInterval = 5 * time.Minute
	throttleIdleTTL       = 10 * time.Minute
)

type bucketKey struct {
	tier   string
	client string
}

type bucket struct {
	limiter *rate.Limiter
	touched time.Time
}

// throttle keeps one token bucket per client and route tier. Tiers
// without a positive budget are not limited.
type throttle struct {
	log    logrus.FieldLogger
	limits map[string]config.RateLimitTier

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

func newThrottle(log logrus.FieldLogger, cfg config.RateLimitConfig) *throttle {
	return &throttle{
		log: log,
		limits: map[string]config.RateLimitTier{
			tierPublic: cfg.Public,
			tierSubmit: cfg.Submit,
		},
		buckets: make(map[bucketKey]*bucket, 64),
	}
}

// reserve takes a token for client in tier and reports how long the
// client has to back off when none is available.
func (t *throttle) reserve(tier, client string, now time.Time) (time.Duration, bool) {
	rpm := t.limits[tier].RequestsPerMinute
	if rpm <= 0 {
		return 0, true
	}

	t.mu.Lock()

	key := bucketKey{tier: tier, client: client}

	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)}
		t.buckets[key] = b
	}

	b.touched = now
	t.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return time.Minute, false
	}

	if delay := res.DelayFrom(now); delay > 0 {
		// Denied requests do not consume the budget.
		res.CancelAt(now)

		return delay, false
	}

	return 0, true
}

// sweep drops buckets of clients that went quiet.
func (t *throttle) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := 0

	for key, b := range t.buckets {
		if now.Sub(b.touched) > throttleIdleTTL {
			delete(t.buckets, key)
			dropped++
		}
	}

	return dropped
}

func (t *throttle) run(done <-chan struct{}) {
	ticker := time.NewTicker(throttleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			if n := t.sweep(now); n > 0 {
				t.log.WithField("dropped", n).Debug("Swept idle rate limit buckets")
			}
		}
	}
}

// limit rejects requests of a client that exhausted its budget for tier.
func (t *throttle) limit(tier string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientIP(r)

			wait, ok := t.reserve(tier, client, time.Now())
			if !ok {
				t.log.WithFields(logrus.Fields{
					"tier":   tier,
					"client": client,
				}).Debug("Rate limit exceeded")

				w.Header().Set("Retry-After",
					strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeJSON(w, http.StatusTooManyRequests, errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the host part of RemoteAddr, which chi's RealIP
// middleware has already replaced with any forwarded address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
