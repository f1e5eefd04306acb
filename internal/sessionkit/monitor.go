package sessionkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultVerifyInterval matches the cadence the account service expects
// for periodic credential verification.
const DefaultVerifyInterval = 5 * time.Minute

// ValidityMonitor periodically asks the server to confirm the current
// access credential is still valid, independent of request traffic. A
// failed check is authoritative: the server has declared the credential
// invalid, so the whole record is cleared without a refresh attempt.
type ValidityMonitor struct {
	interval   time.Duration
	baseURL    string
	httpClient *http.Client
	store      CredentialStore
	notifier   *Broadcaster
	logger     *zap.Logger
	metrics    MetricsRecorder

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

type verifyRequest struct {
	AccessToken string `json:"access_token"`
}

// NewValidityMonitor wires the background validity monitor. A zero
// interval falls back to DefaultVerifyInterval.
func NewValidityMonitor(interval time.Duration, baseURL string, httpClient *http.Client, store CredentialStore, notifier *Broadcaster, logger *zap.Logger, metrics MetricsRecorder) *ValidityMonitor {
	if interval <= 0 {
		interval = DefaultVerifyInterval
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetrics()
	}
	return &ValidityMonitor{
		interval:   interval,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
		store:      store,
		notifier:   notifier,
		logger:     logger,
		metrics:    metrics,
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Start launches the recurring check. Start and Stop are a pair: the
// ticker is the monitor's only long-lived resource and every Start must
// be matched by a Stop (or by cancelling ctx) when the hosting context
// is torn down.
func (monitor *ValidityMonitor) Start(ctx context.Context) {
	if monitor.started.CompareAndSwap(false, true) {
		go monitor.run(ctx)
	}
}

// Stop releases the ticker and waits for the loop to exit.
func (monitor *ValidityMonitor) Stop() {
	monitor.stopOnce.Do(func() {
		close(monitor.stop)
	})
	if monitor.started.Load() {
		<-monitor.stopped
	}
}

func (monitor *ValidityMonitor) run(ctx context.Context) {
	defer close(monitor.stopped)
	ticker := time.NewTicker(monitor.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-monitor.stop:
			return
		case <-ticker.C:
			monitor.checkOnce(ctx)
		}
	}
}

// checkOnce verifies the stored access credential when one is present.
func (monitor *ValidityMonitor) checkOnce(ctx context.Context) {
	accessToken, present, getErr := monitor.store.Get(ctx, SlotAccessToken)
	if getErr != nil {
		monitor.logger.Error("validity check store read failed", zap.Error(getErr))
		return
	}
	if !present || accessToken == "" {
		return
	}
	if verifyErr := monitor.verify(ctx, accessToken); verifyErr != nil {
		monitor.logger.Warn("access credential no longer valid, terminating session", zap.Error(verifyErr))
		monitor.metrics.Increment(MetricVerifyFailed)
		monitor.metrics.Increment(MetricSessionInvalidate)
		if clearErr := monitor.store.Clear(ctx); clearErr != nil {
			monitor.logger.Error("credential clear failed", zap.Error(clearErr))
		}
		if monitor.notifier != nil {
			monitor.notifier.Publish(State{})
		}
	}
}

func (monitor *ValidityMonitor) verify(ctx context.Context, accessToken string) error {
	payload, marshalErr := json.Marshal(verifyRequest{AccessToken: accessToken})
	if marshalErr != nil {
		return fmt.Errorf("session.verify.encode: %w", marshalErr)
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, monitor.baseURL+EndpointVerify, bytes.NewReader(payload))
	if requestErr != nil {
		return fmt.Errorf("session.verify.build: %w", requestErr)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+accessToken)

	httpResponse, doErr := monitor.httpClient.Do(request)
	if doErr != nil {
		return fmt.Errorf("session.verify.transport: %w", doErr)
	}
	defer func() { _ = httpResponse.Body.Close() }()
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		return fmt.Errorf("session.verify.http_%d", httpResponse.StatusCode)
	}
	return nil
}
