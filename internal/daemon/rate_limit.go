package daemon

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const checkLimiterIdleTTL = 10 * time.Minute

// CheckClass groups credential checks that share a budget.
type CheckClass string

const (
	// CheckSSH covers logins to hosts named by the caller.
	CheckSSH CheckClass = "ssh"
	// CheckKey covers AI key and bot token lookups against fixed services.
	CheckKey CheckClass = "key"
)

// CheckLimiter budgets credential checks per client address and check class,
// so a run of key checks never spends the SSH budget or the reverse.
// It is safe for concurrent use.
type CheckLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu          sync.Mutex
	buckets     map[checkBucketKey]*checkBucket
	lastCleanup time.Time
}

type checkBucketKey struct {
	addr  string
	class CheckClass
}

type checkBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewCheckLimiter returns a limiter refilling qps checks per second up to
// burst for each client and class. Non-positive settings disable limiting
// and yield nil.
func NewCheckLimiter(qps float64, burst int) *CheckLimiter {
	if qps <= 0 || burst <= 0 {
		return nil
	}
	return &CheckLimiter{
		limit:   rate.Limit(qps),
		burst:   burst,
		ttl:     checkLimiterIdleTTL,
		now:     time.Now,
		buckets: make(map[checkBucketKey]*checkBucket),
	}
}

// Allow spends one check of class for remoteAddr. When the budget is spent it
// reports false and how long until the next check would be admitted. A nil
// limiter admits everything; unparseable addresses are refused.
func (l *CheckLimiter) Allow(remoteAddr string, class CheckClass) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	ip := parseRemoteIP(remoteAddr)
	if ip == nil || ip.IsUnspecified() {
		return false, 0
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictIdleLocked(now)

	key := checkBucketKey{addr: ip.String(), class: class}
	b := l.buckets[key]
	if b == nil {
		b = &checkBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	res := b.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (l *CheckLimiter) evictIdleLocked(now time.Time) {
	if !l.lastCleanup.IsZero() && now.Sub(l.lastCleanup) < l.ttl {
		return
	}
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.ttl {
			delete(l.buckets, key)
		}
	}
	l.lastCleanup = now
}

// retryAfterSeconds rounds a wait up to whole seconds, never below one.
func retryAfterSeconds(wait time.Duration) int {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func writeRateLimitExceeded(w http.ResponseWriter, wait time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
}
