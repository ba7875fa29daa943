package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(maxRequests int, window time.Duration) *Limiter {
	l := NewLimiter(&Config{
		MaxRequests:     maxRequests,
		Window:          window,
		CleanupInterval: time.Hour,
	})
	return l
}

func TestAllowUnderLimit(t *testing.T) {
	l := newTestLimiter(3, time.Minute)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("client-a"))
	}
	assert.False(t, l.Allow("client-a"))
	assert.Equal(t, 0, l.Remaining("client-a"))

	// Other clients are tracked independently.
	assert.True(t, l.Allow("client-b"))
	assert.Equal(t, 2, l.Remaining("client-b"))
}

func TestWindowSlides(t *testing.T) {
	l := newTestLimiter(2, 30*time.Millisecond)
	defer l.Stop()

	assert.True(t, l.Allow("client"))
	assert.True(t, l.Allow("client"))
	assert.False(t, l.Allow("client"))

	time.Sleep(40 * time.Millisecond)
	assert.True(t, l.Allow("client"))
}

func TestReset(t *testing.T) {
	l := newTestLimiter(1, time.Minute)
	defer l.Stop()

	require.True(t, l.Allow("client"))
	require.False(t, l.Allow("client"))

	l.Reset("client")
	assert.True(t, l.Allow("client"))
}

func TestDisabled(t *testing.T) {
	l := newTestLimiter(0, time.Minute)
	defer l.Stop()

	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("client"))
	}
	assert.Equal(t, -1, l.Remaining("client"))
}

func TestCleanupDropsIdleClients(t *testing.T) {
	l := newTestLimiter(5, 10*time.Millisecond)
	defer l.Stop()

	l.Allow("client")
	time.Sleep(20 * time.Millisecond)
	l.cleanup()

	l.mu.Lock()
	_, exists := l.clients["client"]
	l.mu.Unlock()
	assert.False(t, exists)
}

func TestMiddleware(t *testing.T) {
	l := newTestLimiter(2, time.Minute)
	defer l.Stop()

	served := 0
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
	}))

	do := func(remoteAddr string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1111"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1:2222"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:3333"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1111"))
	assert.Equal(t, 3, served)
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.1:4321"
	assert.Equal(t, "10.0.0.1", ClientKey(req))

	req.Header.Set("X-Forwarded-For", " 198.51.100.7 , 10.0.0.1")
	assert.Equal(t, "198.51.100.7", ClientKey(req))
}
