package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-that-is-long-enough-for-testing")

func newTestService(t *testing.T) *JWTService {
	t.Helper()
	svc, err := NewJWTService(testSecret)
	require.NoError(t, err)
	return svc
}

// fixedClock returns a limiter whose clock only moves when advance is called.
func fixedClock(t *testing.T, cfg RateLimiterConfig) (*RateLimiter, func(time.Duration)) {
	t.Helper()
	rl := NewRateLimiter(cfg)
	t.Cleanup(rl.Stop)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, func(d time.Duration) { now = now.Add(d) }
}

func signed(t *testing.T, method jwt.SigningMethod, key any, claims *Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestNewJWTService_RequiresSecret(t *testing.T) {
	_, err := NewJWTService(nil)
	assert.ErrorIs(t, err, ErrMissingSecret)

	_, err = NewJWTService([]byte{})
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestJWTService_TokenRoundTrip(t *testing.T) {
	svc := newTestService(t)

	token, err := svc.GenerateToken("uploader")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "uploader", claims.Username)
	assert.Equal(t, "uploader", claims.Subject)
	assert.Equal(t, TokenIssuer, claims.Issuer)
	require.NotNil(t, claims.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(TokenTTL), claims.ExpiresAt.Time, time.Minute)

	_, err = svc.GenerateToken("")
	assert.ErrorIs(t, err, ErrEmptyUsername)
}

func TestJWTService_RejectsForeignTokens(t *testing.T) {
	svc := newTestService(t)
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"other secret", signed(t, jwt.SigningMethodHS256, []byte("another-secret"), &Claims{
			Username:         "uploader",
			RegisteredClaims: jwt.RegisteredClaims{Issuer: TokenIssuer, ExpiresAt: future},
		})},
		{"other issuer", signed(t, jwt.SigningMethodHS256, testSecret, &Claims{
			Username:         "uploader",
			RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else", ExpiresAt: future},
		})},
		{"expired", signed(t, jwt.SigningMethodHS256, testSecret, &Claims{
			Username:         "uploader",
			RegisteredClaims: jwt.RegisteredClaims{Issuer: TokenIssuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
		})},
		{"no expiry", signed(t, jwt.SigningMethodHS256, testSecret, &Claims{
			Username:         "uploader",
			RegisteredClaims: jwt.RegisteredClaims{Issuer: TokenIssuer},
		})},
		{"unsigned", signed(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, &Claims{
			Username:         "uploader",
			RegisteredClaims: jwt.RegisteredClaims{Issuer: TokenIssuer, ExpiresAt: future},
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ValidateToken(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestExtractTokenFromRequest(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr error
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", nil},
		{"BEARER abc", "abc", nil},
		{"Bearer   padded  ", "padded", nil},
		{"", "", ErrMissingAuthHeader},
		{"Bearer", "", ErrInvalidAuthFormat},
		{"Bearer    ", "", ErrInvalidAuthFormat},
		{"Basic dXNlcjpwYXNz", "", ErrInvalidAuthFormat},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractTokenFromRequest(req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetClaimsFromContext(t *testing.T) {
	ctx := SetClaimsInContext(context.Background(), &Claims{Username: "uploader"})
	claims, ok := GetClaimsFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "uploader", claims.Username)

	_, ok = GetClaimsFromContext(context.Background())
	assert.False(t, ok)

	_, ok = GetClaimsFromContext(SetClaimsInContext(context.Background(), nil))
	assert.False(t, ok, "a nil claims value is not a login")
}

func TestRateLimiter_RetryAfter(t *testing.T) {
	rl, advance := fixedClock(t, RateLimiterConfig{MaxFailedAttempts: 2, Window: 10 * time.Minute, CleanupInterval: time.Hour})
	const ip = "198.51.100.7"

	rl.RecordFailure(ip)
	assert.Zero(t, rl.RetryAfter(ip), "one failure is under the limit")

	advance(4 * time.Minute)
	rl.RecordFailure(ip)
	assert.Equal(t, 6*time.Minute, rl.RetryAfter(ip), "the window starts at the first failure")
	assert.True(t, rl.IsLimited(ip))
	assert.False(t, rl.IsLimited("198.51.100.8"), "limits are per address")

	advance(6*time.Minute - 500*time.Millisecond)
	assert.Equal(t, time.Second, rl.RetryAfter(ip), "never advertise less than a second")

	advance(time.Second)
	assert.Zero(t, rl.RetryAfter(ip))

	// A failure after the window opens a new one.
	rl.RecordFailure(ip)
	assert.False(t, rl.IsLimited(ip))
}

func TestRateLimiter_ResetAfterLogin(t *testing.T) {
	rl, _ := fixedClock(t, RateLimiterConfig{MaxFailedAttempts: 1, Window: time.Minute, CleanupInterval: time.Hour})

	rl.RecordFailure("198.51.100.7")
	require.True(t, rl.IsLimited("198.51.100.7"))
	rl.Reset("198.51.100.7")
	assert.False(t, rl.IsLimited("198.51.100.7"))
}

func TestRateLimiter_RemoveExpired(t *testing.T) {
	rl, advance := fixedClock(t, RateLimiterConfig{MaxFailedAttempts: 3, Window: time.Minute, CleanupInterval: time.Hour})

	rl.RecordFailure("old")
	advance(2 * time.Minute)
	rl.RecordFailure("recent")
	rl.removeExpired()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.failures, "old")
	assert.Contains(t, rl.failures, "recent")
}

func TestRateLimiter_NilIsDisabled(t *testing.T) {
	var rl *RateLimiter
	assert.NotPanics(t, func() {
		rl.RecordFailure("198.51.100.7")
		rl.Reset("198.51.100.7")
	})
	assert.Zero(t, rl.RetryAfter("198.51.100.7"))
	assert.False(t, rl.IsLimited("198.51.100.7"))
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		xri        string
		remoteAddr string
		want       string
	}{
		{"first forwarded hop", " 203.0.113.5 , 10.0.0.1", "192.0.2.1", "10.0.0.2:443", "203.0.113.5"},
		{"real ip header", "", " 192.0.2.1 ", "10.0.0.2:443", "192.0.2.1"},
		{"ipv4 remote", "", "", "192.0.2.44:51234", "192.0.2.44"},
		{"ipv6 remote", "", "", "[2001:db8::1]:51234", "2001:db8::1"},
		{"remote without port", "", "", "192.0.2.44", "192.0.2.44"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			assert.Equal(t, tt.want, GetClientIP(req))
		})
	}
}

func TestMiddleware_JobRoutes(t *testing.T) {
	svc := newTestService(t)
	rl, _ := fixedClock(t, RateLimiterConfig{MaxFailedAttempts: 2, Window: time.Minute, CleanupInterval: time.Hour})
	protect := svc.Middleware(rl)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /jobs/{id}", protect(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetClaimsFromContext(r.Context())
		require.True(t, ok)
		w.Write([]byte(claims.Username + ":" + r.PathValue("id")))
	}))

	get := func(auth string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/jobs/job-42", nil)
		req.RemoteAddr = "203.0.113.9:5555"
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		return rr
	}

	token, err := svc.GenerateToken("uploader")
	require.NoError(t, err)

	rr := get("Bearer " + token)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "uploader:job-42", rr.Body.String())

	rr = get("")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Zero(t, rl.RetryAfter("203.0.113.9"), "a missing token is not counted as a failure")

	assert.Equal(t, http.StatusUnauthorized, get("Bearer forged").Code)
	assert.Equal(t, http.StatusUnauthorized, get("Bearer forged").Code)

	rr = get("Bearer " + token)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code, "a valid token does not bypass the limit")
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
}
