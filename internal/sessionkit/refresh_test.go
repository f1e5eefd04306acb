package sessionkit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

func TestRefreshCoordinatorCoalescesConcurrentCallers(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var exchangeCalls int32
	router := gin.New()
	router.POST("/auth/refresh", func(contextGin *gin.Context) {
		atomic.AddInt32(&exchangeCalls, 1)
		// Holds the exchange open long enough for the other callers to
		// pile onto the in-flight operation.
		time.Sleep(200 * time.Millisecond)
		contextGin.JSON(http.StatusOK, gin.H{"access_token": "a2"})
	})
	server := httptest.NewServer(router)
	defer server.Close()

	store := NewMemoryCredentialStore()
	seedRecord(t, store, "a1", "r1")
	metrics := NewCounterMetrics()
	coordinator := NewRefreshCoordinator(server.URL, http.DefaultClient, store, zaptest.NewLogger(t), metrics)

	const callers = 8
	results := make([]string, callers)
	failures := make([]error, callers)
	var waitGroup sync.WaitGroup
	for callerIndex := 0; callerIndex < callers; callerIndex++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			results[index], failures[index] = coordinator.Refresh(context.Background())
		}(callerIndex)
	}
	waitGroup.Wait()

	if got := atomic.LoadInt32(&exchangeCalls); got != 1 {
		t.Fatalf("expected concurrent callers to share one exchange call, got %d", got)
	}
	for callerIndex := 0; callerIndex < callers; callerIndex++ {
		if failures[callerIndex] != nil {
			t.Fatalf("caller %d failed: %v", callerIndex, failures[callerIndex])
		}
		if results[callerIndex] != "a2" {
			t.Fatalf("caller %d got %q, expected a2", callerIndex, results[callerIndex])
		}
	}
	if metrics.Count(MetricRefreshAttempted) != 1 {
		t.Fatalf("expected one attempted exchange, got %d", metrics.Count(MetricRefreshAttempted))
	}
	// shared is reported for every caller of a shared outcome,
	// executing caller included.
	if metrics.Count(MetricRefreshCoalesced) != callers {
		t.Fatalf("expected %d coalesced callers, got %d", callers, metrics.Count(MetricRefreshCoalesced))
	}
}

func TestRefreshCoordinatorRejectionSurfacesError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.POST("/auth/refresh", func(contextGin *gin.Context) {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "refresh revoked"})
	})
	server := httptest.NewServer(router)
	defer server.Close()

	store := NewMemoryCredentialStore()
	seedRecord(t, store, "a1", "r1")
	coordinator := NewRefreshCoordinator(server.URL, http.DefaultClient, store, zaptest.NewLogger(t), NewCounterMetrics())

	_, refreshErr := coordinator.Refresh(context.Background())
	if !errors.Is(refreshErr, ErrRefreshRejected) {
		t.Fatalf("expected ErrRefreshRejected, got %v", refreshErr)
	}
	// The coordinator never mutates the store; the caller decides.
	record, _ := store.Snapshot(context.Background())
	if record.AccessToken != "a1" || record.RefreshToken != "r1" {
		t.Fatalf("coordinator must not mutate credentials, got %+v", record)
	}
}

func TestRefreshCoordinatorRequiresStoredCredential(t *testing.T) {
	t.Parallel()

	store := NewMemoryCredentialStore()
	coordinator := NewRefreshCoordinator("http://unused.invalid", http.DefaultClient, store, zaptest.NewLogger(t), NewCounterMetrics())

	_, refreshErr := coordinator.Refresh(context.Background())
	if !errors.Is(refreshErr, ErrNoRefreshCredential) {
		t.Fatalf("expected ErrNoRefreshCredential, got %v", refreshErr)
	}
}

func TestRefreshCoordinatorRejectsEmptyIssuedToken(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.POST("/auth/refresh", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"access_token": ""})
	})
	server := httptest.NewServer(router)
	defer server.Close()

	store := NewMemoryCredentialStore()
	seedRecord(t, store, "a1", "r1")
	coordinator := NewRefreshCoordinator(server.URL, http.DefaultClient, store, zaptest.NewLogger(t), NewCounterMetrics())

	_, refreshErr := coordinator.Refresh(context.Background())
	if !errors.Is(refreshErr, ErrRefreshRejected) {
		t.Fatalf("expected empty issued token to be rejected, got %v", refreshErr)
	}
}
