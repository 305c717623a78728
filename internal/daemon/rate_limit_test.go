package daemon

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(l *CheckLimiter, start time.Time) *time.Time {
	now := start
	l.now = func() time.Time { return now }
	return &now
}

func TestCheckLimiterRefillsPerClientAndClass(t *testing.T) {
	limiter := NewCheckLimiter(1, 2)
	require.NotNil(t, limiter)
	now := fixedClock(limiter, time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))

	ok, _ := limiter.Allow("10.0.0.1:1000", CheckKey)
	assert.True(t, ok)
	ok, _ = limiter.Allow("10.0.0.1:1001", CheckKey)
	assert.True(t, ok, "burst spans source ports")
	ok, wait := limiter.Allow("10.0.0.1:1002", CheckKey)
	assert.False(t, ok)
	assert.InDelta(t, float64(time.Second), float64(wait), float64(time.Millisecond))

	ok, _ = limiter.Allow("10.0.0.1:1003", CheckSSH)
	assert.True(t, ok, "ssh checks have their own budget")
	ok, _ = limiter.Allow("10.0.0.2:1000", CheckKey)
	assert.True(t, ok, "budgets are per address")

	*now = now.Add(1500 * time.Millisecond)
	ok, _ = limiter.Allow("10.0.0.1:1004", CheckKey)
	assert.True(t, ok)
	ok, wait = limiter.Allow("10.0.0.1:1005", CheckKey)
	assert.False(t, ok)
	assert.InDelta(t, float64(500*time.Millisecond), float64(wait), float64(time.Millisecond))
}

func TestCheckLimiterRefusedCheckSpendsNothing(t *testing.T) {
	limiter := NewCheckLimiter(0.1, 1)
	now := fixedClock(limiter, time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))

	ok, _ := limiter.Allow("192.0.2.7:5000", CheckSSH)
	require.True(t, ok)
	for i := 0; i < 3; i++ {
		ok, wait := limiter.Allow("192.0.2.7:5000", CheckSSH)
		assert.False(t, ok)
		assert.InDelta(t, float64(10*time.Second), float64(wait), float64(time.Millisecond))
	}

	*now = now.Add(10 * time.Second)
	ok, _ = limiter.Allow("192.0.2.7:5000", CheckSSH)
	assert.True(t, ok, "refusals do not push the next admission back")
}

func TestCheckLimiterEvictsIdleBuckets(t *testing.T) {
	limiter := NewCheckLimiter(1, 1)
	now := fixedClock(limiter, time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))

	limiter.Allow("10.0.0.1:1000", CheckKey)
	limiter.Allow("10.0.0.1:1000", CheckSSH)
	*now = now.Add(checkLimiterIdleTTL + time.Minute)
	limiter.Allow("10.0.0.2:1000", CheckKey)

	assert.Len(t, limiter.buckets, 1)
}

func TestCheckLimiterDisabledAndInvalid(t *testing.T) {
	assert.Nil(t, NewCheckLimiter(0, 5))
	assert.Nil(t, NewCheckLimiter(1, 0))

	var disabled *CheckLimiter
	ok, _ := disabled.Allow("garbage", CheckSSH)
	assert.True(t, ok)

	limiter := NewCheckLimiter(1, 1)
	ok, _ = limiter.Allow("garbage", CheckKey)
	assert.False(t, ok)
	ok, _ = limiter.Allow("0.0.0.0:80", CheckKey)
	assert.False(t, ok)
	ok, _ = limiter.Allow("[2001:db8::5]:443", CheckKey)
	assert.True(t, ok)
}

func TestWriteRateLimitExceeded(t *testing.T) {
	tests := []struct {
		wait time.Duration
		want string
	}{
		{0, "1"},
		{300 * time.Millisecond, "1"},
		{time.Second, "1"},
		{2500 * time.Millisecond, "3"},
		{10 * time.Second, "10"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeRateLimitExceeded(rec, tt.wait)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, tt.want, rec.Header().Get("Retry-After"), "wait %s", tt.wait)
	}
}
