package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rdvflow/engine/internal/api"
	"github.com/rdvflow/engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- SSELimiter unit tests ---

func TestSSELimiter_Acquire_SingleIP_RespectsPerIPLimit(t *testing.T) {
	limiter := api.NewSSELimiter(0, 0)

	for i := 0; i < api.MaxSSEPerIP; i++ {
		assert.True(t, limiter.Acquire("10.0.0.1"), "acquire %d should succeed", i)
	}

	assert.False(t, limiter.Acquire("10.0.0.1"), "acquire beyond per-IP limit should fail")
	assert.True(t, limiter.Acquire("10.0.0.2"), "different IP should succeed")

	for i := 0; i < api.MaxSSEPerIP; i++ {
		limiter.Release("10.0.0.1")
	}
	limiter.Release("10.0.0.2")
}

func TestSSELimiter_Acquire_GlobalLimit(t *testing.T) {
	limiter := api.NewSSELimiter(0, 0)

	for i := 0; i < api.MaxSSEGlobal; i++ {
		ip := "10.0." + itoa(i/256) + "." + itoa(i%256)
		assert.True(t, limiter.Acquire(ip), "acquire %d should succeed", i)
	}

	assert.False(t, limiter.Acquire("99.99.99.99"), "acquire beyond global limit should fail")

	limiter.Release("10.0.0.0")
	assert.True(t, limiter.Acquire("99.99.99.99"), "acquire after release should succeed")

	for i := 1; i < api.MaxSSEGlobal; i++ {
		ip := "10.0." + itoa(i/256) + "." + itoa(i%256)
		limiter.Release(ip)
	}
	limiter.Release("99.99.99.99")
}

func TestSSELimiter_Release_DecrementsCounters(t *testing.T) {
	limiter := api.NewSSELimiter(0, 0)

	limiter.Acquire("10.0.0.1")
	limiter.Acquire("10.0.0.1")
	assert.Equal(t, int64(2), limiter.IPCount("10.0.0.1"))
	assert.Equal(t, int64(2), limiter.GlobalCount())

	limiter.Release("10.0.0.1")
	assert.Equal(t, int64(1), limiter.IPCount("10.0.0.1"))
	assert.Equal(t, int64(1), limiter.GlobalCount())

	limiter.Release("10.0.0.1")
	assert.Equal(t, int64(0), limiter.IPCount("10.0.0.1"))
	assert.Equal(t, int64(0), limiter.GlobalCount())
}

func TestSSELimiter_RespectsConfiguredCaps(t *testing.T) {
	limiter := api.NewSSELimiter(1, 2)

	assert.True(t, limiter.Acquire("10.0.0.1"))
	assert.False(t, limiter.Acquire("10.0.0.1"), "second acquire for same IP exceeds per-IP cap of 1")

	assert.True(t, limiter.Acquire("10.0.0.2"))
	assert.False(t, limiter.Acquire("10.0.0.3"), "third acquire exceeds global cap of 2")

	limiter.Release("10.0.0.1")
	limiter.Release("10.0.0.2")
}

func TestSSELimiter_ConcurrentAccess(t *testing.T) {
	limiter := api.NewSSELimiter(0, 0)

	var wg sync.WaitGroup
	successes := int64(0)
	var mu sync.Mutex

	for i := 0; i < api.MaxSSEPerIP+5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Acquire("10.0.0.1") {
				mu.Lock()
				successes++
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				limiter.Release("10.0.0.1")
			}
		}()
	}

	wg.Wait()

	assert.LessOrEqual(t, successes, int64(api.MaxSSEPerIP)+5, "total successes should be bounded")
	assert.Equal(t, int64(0), limiter.GlobalCount(), "all connections should be released")
}

// --- SSE endpoint integration tests ---

func TestSSE_PerIPLimit_Returns429(t *testing.T) {
	srv, deps := newTestServer()
	limiter := api.NewSSELimiter(0, 0)
	srv.SSELimiter = limiter

	deps.Catalog.put(domain.Run{RunID: "run-1", Status: domain.RunStatusRunning})
	router := api.NewRouter(srv)

	ctxs := make([]context.CancelFunc, 0, api.MaxSSEPerIP)
	dones := make([]chan struct{}, 0, api.MaxSSEPerIP)

	for i := 0; i < api.MaxSSEPerIP; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		ctxs = append(ctxs, cancel)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/api-script/runs/run-1/events", http.NoBody)
		req = req.WithContext(ctx)
		req.Header.Set("Accept", "text/event-stream")
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()

		done := make(chan struct{})
		dones = append(dones, done)
		go func() {
			router.ServeHTTP(rec, req)
			close(done)
		}()

		time.Sleep(20 * time.Millisecond)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/api-script/runs/run-1/events", http.NoBody)
	req.Header.Set("Accept", "text/event-stream")
	req.RemoteAddr = "10.0.0.1:5678"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body api.APIError
	err := json.NewDecoder(rec.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "RESOURCE_EXHAUSTED", body.Error.Code)
	assert.Contains(t, body.Error.Message, "too many SSE connections")

	for _, cancel := range ctxs {
		cancel()
	}
	for _, done := range dones {
		<-done
	}
}

func TestSSE_GlobalLimit_Returns429(t *testing.T) {
	srv, deps := newTestServer()
	limiter := api.NewSSELimiter(0, 0)
	srv.SSELimiter = limiter

	deps.Catalog.put(domain.Run{RunID: "run-1", Status: domain.RunStatusRunning})
	router := api.NewRouter(srv)

	for i := 0; i < api.MaxSSEGlobal; i++ {
		ip := "fake-" + itoa(i)
		limiter.Acquire(ip)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/api-script/runs/run-1/events", http.NoBody)
	req.Header.Set("Accept", "text/event-stream")
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body api.APIError
	err := json.NewDecoder(rec.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "RESOURCE_EXHAUSTED", body.Error.Code)

	for i := 0; i < api.MaxSSEGlobal; i++ {
		ip := "fake-" + itoa(i)
		limiter.Release(ip)
	}
}

func TestSSE_ConnectionReleasedOnClientDisconnect(t *testing.T) {
	srv, deps := newTestServer()
	limiter := api.NewSSELimiter(0, 0)
	srv.SSELimiter = limiter

	deps.Catalog.put(domain.Run{RunID: "run-1", Status: domain.RunStatusRunning})
	router := api.NewRouter(srv)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/api-script/runs/run-1/events", http.NoBody)
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "text/event-stream")
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), limiter.IPCount("10.0.0.1"))
	assert.Equal(t, int64(1), limiter.GlobalCount())

	cancel()
	<-done

	assert.Equal(t, int64(0), limiter.IPCount("10.0.0.1"))
	assert.Equal(t, int64(0), limiter.GlobalCount())
}

func TestSSE_ConnectionReleasedOnTerminalStatus(t *testing.T) {
	srv, deps := newTestServer()
	limiter := api.NewSSELimiter(0, 0)
	srv.SSELimiter = limiter

	deps.Catalog.put(domain.Run{RunID: "run-1", Status: domain.RunStatusSucceeded})
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/api-script/runs/run-1/events", http.NoBody)
	req.Header.Set("Accept", "text/event-stream")
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	// A run already in a terminal state sends its snapshot and closes.
	assert.Equal(t, int64(0), limiter.IPCount("10.0.0.1"))
	assert.Equal(t, int64(0), limiter.GlobalCount())
	assert.Contains(t, rec.Body.String(), "event: run-updated")
}

// itoa is a quick int-to-string helper for test IPs.
func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
