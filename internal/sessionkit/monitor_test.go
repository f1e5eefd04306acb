package sessionkit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

func waitFor(t *testing.T, timeout time.Duration, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, message)
}

func TestValidityMonitorLeavesValidSessionAlone(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var verifyCalls int32
	router := gin.New()
	router.POST("/auth/verify", func(contextGin *gin.Context) {
		atomic.AddInt32(&verifyCalls, 1)
		if contextGin.GetHeader("Authorization") != "Bearer a1" {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Status(http.StatusOK)
	})
	server := httptest.NewServer(router)
	defer server.Close()

	store := NewMemoryCredentialStore()
	seedRecord(t, store, "a1", "r1")
	monitor := NewValidityMonitor(10*time.Millisecond, server.URL, http.DefaultClient, store, NewBroadcaster(), zaptest.NewLogger(t), NewCounterMetrics())

	monitor.Start(context.Background())
	defer monitor.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&verifyCalls) >= 3
	}, "expected several verify calls")

	record, _ := store.Snapshot(context.Background())
	if record.AccessToken != "a1" || record.RefreshToken != "r1" {
		t.Fatalf("successful verification must have no observable effect, got %+v", record)
	}
}

func TestValidityMonitorFailureClearsRecordWithoutRefresh(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var refreshCalls int32
	router := gin.New()
	router.POST("/auth/verify", func(contextGin *gin.Context) {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "revoked"})
	})
	router.POST("/auth/refresh", func(contextGin *gin.Context) {
		atomic.AddInt32(&refreshCalls, 1)
		contextGin.JSON(http.StatusOK, gin.H{"access_token": "a2"})
	})
	server := httptest.NewServer(router)
	defer server.Close()

	store := NewMemoryCredentialStore()
	seedRecord(t, store, "a1", "r1")
	notifier := NewBroadcaster()
	states, unsubscribe := notifier.Subscribe()
	defer unsubscribe()
	metrics := NewCounterMetrics()
	monitor := NewValidityMonitor(10*time.Millisecond, server.URL, http.DefaultClient, store, notifier, zaptest.NewLogger(t), metrics)

	monitor.Start(context.Background())
	defer monitor.Stop()

	waitFor(t, 2*time.Second, func() bool {
		record, _ := store.Snapshot(context.Background())
		return record.IsEmpty()
	}, "expected the credential record to be cleared")

	if atomic.LoadInt32(&refreshCalls) != 0 {
		t.Fatalf("a failed validity check must never attempt a refresh")
	}
	if metrics.Count(MetricVerifyFailed) == 0 {
		t.Fatalf("expected a verify failure to be recorded")
	}
	select {
	case state := <-states:
		if state.Authenticated {
			t.Fatalf("expected anonymous notification, got %+v", state)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a session-changed notification")
	}
}

func TestValidityMonitorNetworkFailureIsAuthoritative(t *testing.T) {
	gin.SetMode(gin.TestMode)

	server := httptest.NewServer(gin.New())
	serverURL := server.URL
	server.Close()

	store := NewMemoryCredentialStore()
	seedRecord(t, store, "a1", "r1")
	monitor := NewValidityMonitor(10*time.Millisecond, serverURL, http.DefaultClient, store, NewBroadcaster(), zaptest.NewLogger(t), NewCounterMetrics())

	monitor.Start(context.Background())
	defer monitor.Stop()

	waitFor(t, 2*time.Second, func() bool {
		record, _ := store.Snapshot(context.Background())
		return record.IsEmpty()
	}, "expected an unreachable verify endpoint to terminate the session")
}

func TestValidityMonitorSkipsWhenNoCredential(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var verifyCalls int32
	router := gin.New()
	router.POST("/auth/verify", func(contextGin *gin.Context) {
		atomic.AddInt32(&verifyCalls, 1)
		contextGin.Status(http.StatusOK)
	})
	server := httptest.NewServer(router)
	defer server.Close()

	store := NewMemoryCredentialStore()
	monitor := NewValidityMonitor(10*time.Millisecond, server.URL, http.DefaultClient, store, NewBroadcaster(), zaptest.NewLogger(t), NewCounterMetrics())

	monitor.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	monitor.Stop()

	if atomic.LoadInt32(&verifyCalls) != 0 {
		t.Fatalf("expected no verify calls while anonymous, got %d", verifyCalls)
	}
}

func TestValidityMonitorStopReleasesLoop(t *testing.T) {
	t.Parallel()

	store := NewMemoryCredentialStore()
	monitor := NewValidityMonitor(time.Hour, "http://unused.invalid", http.DefaultClient, store, NewBroadcaster(), zaptest.NewLogger(t), NewCounterMetrics())
	monitor.Start(context.Background())

	done := make(chan struct{})
	go func() {
		monitor.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not release the monitor loop")
	}
}

func TestValidityMonitorStopWithoutStart(t *testing.T) {
	t.Parallel()

	monitor := NewValidityMonitor(time.Hour, "http://unused.invalid", http.DefaultClient, NewMemoryCredentialStore(), nil, zaptest.NewLogger(t), nil)
	done := make(chan struct{})
	go func() {
		monitor.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Stop must not block when the monitor never started")
	}
}
