package sessionkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// RefreshCoordinator owns the single remote call that exchanges the
// refresh credential for a new access credential. Concurrent callers
// are coalesced onto one in-flight exchange: simultaneous 401s from
// parallel requests must not race each other to spend the refresh
// credential. The caller persists the returned token.
type RefreshCoordinator struct {
	baseURL    string
	httpClient *http.Client
	store      CredentialStore
	logger     *zap.Logger
	metrics    MetricsRecorder
	group      singleflight.Group
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken string `json:"access_token"`
}

// NewRefreshCoordinator wires the refresh coordinator.
func NewRefreshCoordinator(baseURL string, httpClient *http.Client, store CredentialStore, logger *zap.Logger, metrics MetricsRecorder) *RefreshCoordinator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetrics()
	}
	return &RefreshCoordinator{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
		store:      store,
		logger:     logger,
		metrics:    metrics,
	}
}

// Refresh exchanges the stored refresh credential for a new access
// credential. If an exchange is already in flight, the call awaits that
// outcome instead of issuing its own. No retries of its own.
func (coordinator *RefreshCoordinator) Refresh(ctx context.Context) (string, error) {
	result, exchangeErr, shared := coordinator.group.Do("refresh", func() (any, error) {
		coordinator.metrics.Increment(MetricRefreshAttempted)
		return coordinator.exchange(ctx)
	})
	if shared {
		coordinator.metrics.Increment(MetricRefreshCoalesced)
	}
	if exchangeErr != nil {
		coordinator.metrics.Increment(MetricRefreshFailed)
		return "", exchangeErr
	}
	newAccessToken, ok := result.(string)
	if !ok || newAccessToken == "" {
		coordinator.metrics.Increment(MetricRefreshFailed)
		return "", fmt.Errorf("session.refresh.empty_access: %w", ErrRefreshRejected)
	}
	return newAccessToken, nil
}

func (coordinator *RefreshCoordinator) exchange(ctx context.Context) (any, error) {
	refreshToken, present, getErr := coordinator.store.Get(ctx, SlotRefreshToken)
	if getErr != nil {
		return nil, fmt.Errorf("session.refresh.read_store: %w", getErr)
	}
	if !present || refreshToken == "" {
		return nil, ErrNoRefreshCredential
	}

	payload, marshalErr := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if marshalErr != nil {
		return nil, fmt.Errorf("session.refresh.encode: %w", marshalErr)
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, coordinator.baseURL+EndpointRefresh, bytes.NewReader(payload))
	if requestErr != nil {
		return nil, fmt.Errorf("session.refresh.build: %w", requestErr)
	}
	request.Header.Set("Content-Type", "application/json")

	httpResponse, doErr := coordinator.httpClient.Do(request)
	if doErr != nil {
		return nil, fmt.Errorf("session.refresh.transport: %w", doErr)
	}
	defer func() { _ = httpResponse.Body.Close() }()

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		coordinator.logger.Warn("refresh exchange rejected", zap.Int("status", httpResponse.StatusCode))
		return nil, fmt.Errorf("session.refresh.http_%d: %w", httpResponse.StatusCode, ErrRefreshRejected)
	}

	bodyBytes, readErr := io.ReadAll(httpResponse.Body)
	if readErr != nil {
		return nil, fmt.Errorf("session.refresh.read: %w", readErr)
	}
	var decoded refreshResponse
	if unmarshalErr := json.Unmarshal(bodyBytes, &decoded); unmarshalErr != nil {
		return nil, fmt.Errorf("session.refresh.decode: %w", unmarshalErr)
	}
	if strings.TrimSpace(decoded.AccessToken) == "" {
		return nil, fmt.Errorf("session.refresh.empty_access: %w", ErrRefreshRejected)
	}
	return decoded.AccessToken, nil
}
