package api

import (
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestIPRateLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl := newIPRateLimiter()

	for i := 0; i < ipMaxFailures-1; i++ {
		rl.recordFailure("192.168.1.1")
		blocked, _ := rl.check("192.168.1.1")
		assert.False(t, blocked, "should not block before ipMaxFailures")
	}
}

func TestIPRateLimiter_BlocksAfterThreshold(t *testing.T) {
	rl := newIPRateLimiter()
	now := time.Now()
	rl.now = func() time.Time { return now }

	for i := 0; i < ipMaxFailures; i++ {
		rl.recordFailure("192.168.1.1")
	}

	blocked, retryAfter := rl.check("192.168.1.1")
	require.True(t, blocked, "should block after ipMaxFailures")
	assert.Equal(t, ipBaseLockout, retryAfter)

	blocked, _ = rl.check("10.0.0.1")
	assert.False(t, blocked, "different IP should not be blocked")
}

func TestIPRateLimiter_SuccessClears(t *testing.T) {
	rl := newIPRateLimiter()

	for i := 0; i < ipMaxFailures; i++ {
		rl.recordFailure("192.168.1.1")
	}
	rl.recordSuccess("192.168.1.1")
	blocked, _ := rl.check("192.168.1.1")
	assert.False(t, blocked, "should not be blocked after success")
}

func TestIPRateLimiter_BackoffIsCapped(t *testing.T) {
	rl := newIPRateLimiter()
	now := time.Now()
	rl.now = func() time.Time { return now }

	for i := 0; i < ipMaxFailures+1; i++ {
		rl.recordFailure("192.168.1.1")
	}
	_, second := rl.check("192.168.1.1")
	assert.Equal(t, 2*ipBaseLockout, second)

	for i := 0; i < 20; i++ {
		rl.recordFailure("192.168.1.1")
	}
	_, capped := rl.check("192.168.1.1")
	assert.Equal(t, ipMaxLockout, capped)
}

func TestIPRateLimiter_SweepRemovesExpired(t *testing.T) {
	rl := newIPRateLimiter()
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.recordFailure("192.168.1.1")
	now = now.Add(attemptExpiry + time.Minute)
	rl.recordFailure("10.0.0.1")
	rl.sweep()

	assert.NotContains(t, rl.attempts, "192.168.1.1")
	assert.Contains(t, rl.attempts, "10.0.0.1")
}

func TestRegistrationLimiter(t *testing.T) {
	rl := newRegistrationLimiter(rate.Every(time.Minute), 2)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	ok, _ := rl.reserve("192.168.1.1")
	assert.True(t, ok)
	ok, _ = rl.reserve("192.168.1.1")
	assert.True(t, ok)

	ok, retryAfter := rl.reserve("192.168.1.1")
	assert.False(t, ok, "burst exhausted")
	assert.InDelta(t, time.Minute.Seconds(), retryAfter.Seconds(), 1)

	ok, _ = rl.reserve("10.0.0.1")
	assert.True(t, ok, "buckets are per IP")

	now = now.Add(time.Minute)
	ok, _ = rl.reserve("192.168.1.1")
	assert.True(t, ok, "token refilled")
}

func TestRegistrationLimiterSweep(t *testing.T) {
	rl := newRegistrationLimiter(rate.Every(time.Minute), 1)
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.reserve("192.168.1.1")
	now = now.Add(registrationIdle + time.Minute)
	rl.sweep()
	assert.Empty(t, rl.buckets)
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "1", retryAfterString(200*time.Millisecond))
	assert.Equal(t, "2", retryAfterString(1500*time.Millisecond))
	assert.Equal(t, "60", retryAfterString(time.Minute))
}

func newIPRequest(remoteAddr string, headers map[string]string) *http.Request {
	r := &http.Request{RemoteAddr: remoteAddr, Header: make(http.Header)}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestExtractClientIPWithoutProxiesIgnoresHeaders(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{name: "remote ipv4", remoteAddr: "192.168.1.1:12345", want: "192.168.1.1"},
		{name: "remote ipv6", remoteAddr: "[::1]:8080", want: "::1"},
		{name: "ipv4 mapped ipv6", remoteAddr: "[::ffff:192.0.2.1]:80", want: "192.0.2.1"},
		{
			name:       "xff ignored",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			want:       "10.0.0.1",
		},
		{name: "empty when nothing parseable", remoteAddr: "not-a-hostport", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractClientIP(newIPRequest(tt.remoteAddr, tt.headers)))
		})
	}
}

func TestExtractClientIPWithTrustedProxies(t *testing.T) {
	trusted := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("fd00::/8"),
	}

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "trusted proxy honours XFF",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			want:       "198.51.100.25",
		},
		{
			name:       "multi hop XFF returns the original client",
			remoteAddr: "10.0.0.5:80",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.50, 10.0.0.3, 10.0.0.4"},
			want:       "203.0.113.50",
		},
		{
			name:       "XFF skips invalid entries",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "unknown, 203.0.113.7"},
			want:       "203.0.113.7",
		},
		{
			name:       "Forwarded when no XFF",
			remoteAddr: "10.0.0.1:80",
			headers: map[string]string{
				"Forwarded": "for=198.51.100.20;proto=https",
				"X-Real-IP": "198.51.100.30",
			},
			want: "198.51.100.20",
		},
		{
			name:       "quoted IPv6 in Forwarded",
			remoteAddr: "[fd00::1]:80",
			headers:    map[string]string{"Forwarded": `for="[2001:db8::42]:1234"`},
			want:       "2001:db8::42",
		},
		{
			name:       "X-Real-IP last",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-IP": "198.51.100.30"},
			want:       "198.51.100.30",
		},
		{
			name:       "trusted proxy without headers",
			remoteAddr: "10.0.0.1:80",
			want:       "10.0.0.1",
		},
		{
			name:       "spoof attempt from untrusted peer",
			remoteAddr: "203.0.113.99:12345",
			headers: map[string]string{
				"X-Forwarded-For": "10.0.0.1",
				"Forwarded":       "for=10.0.0.2",
				"X-Real-IP":       "10.0.0.3",
			},
			want: "203.0.113.99",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractClientIPWithProxies(newIPRequest(tt.remoteAddr, tt.headers), trusted)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWithTrustedProxies(t *testing.T) {
	opt, err := WithTrustedProxies([]string{"10.0.0.0/8", "10.0.0.1", "::1"})
	require.NoError(t, err)
	a := &API{}
	opt(a)
	require.Len(t, a.trustedProxies, 3)
	assert.Equal(t, 32, a.trustedProxies[1].Bits())
	assert.Equal(t, 128, a.trustedProxies[2].Bits())

	_, err = WithTrustedProxies([]string{"10.0.0.0/8", "garbage"})
	assert.Error(t, err)

	r := newIPRequest("10.0.0.1:80", map[string]string{"X-Forwarded-For": "198.51.100.25"})
	assert.Equal(t, "198.51.100.25", a.extractClientIP(r))
}
