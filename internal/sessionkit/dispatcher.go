package sessionkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestDescriptor describes one API call to dispatch.
type RequestDescriptor struct {
	Endpoint     string
	Method       string
	Body         any
	RequiresAuth bool
}

// Response carries a decoded-by-the-caller successful reply.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// DecodeJSON unmarshals the response body into target.
func (response *Response) DecodeJSON(target any) error {
	if unmarshalErr := json.Unmarshal(response.Body, target); unmarshalErr != nil {
		return fmt.Errorf("dispatcher.decode: %w", unmarshalErr)
	}
	return nil
}

// IsJSON reports whether the server declared a JSON body.
func (response *Response) IsJSON() bool {
	return strings.Contains(response.ContentType, "application/json")
}

// Text returns the body as plain text.
func (response *Response) Text() string {
	return string(response.Body)
}

// HTTPError is a server-issued non-2xx reply with a best-effort
// human-readable message extracted from the error body.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (httpError *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", httpError.StatusCode, httpError.Message)
}

// Dispatcher builds and sends API calls, attaches the access
// credential, and performs exactly one refresh-then-retry cycle when an
// authenticated call fails authorization. It is the only module besides
// the session controller that mutates the store, and it only ever
// overwrites the access-credential slot.
type Dispatcher struct {
	baseURL    string
	httpClient *http.Client
	store      CredentialStore
	refresher  *RefreshCoordinator
	notifier   *Broadcaster
	logger     *zap.Logger
	metrics    MetricsRecorder
}

// NewDispatcher wires the authenticated request dispatcher.
func NewDispatcher(baseURL string, httpClient *http.Client, store CredentialStore, refresher *RefreshCoordinator, notifier *Broadcaster, logger *zap.Logger, metrics MetricsRecorder) *Dispatcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetrics()
	}
	return &Dispatcher{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
		store:      store,
		refresher:  refresher,
		notifier:   notifier,
		logger:     logger,
		metrics:    metrics,
	}
}

// Do sends the described request. Missing credentials are not an error
// here; the call goes out unauthenticated and the server rejects it.
// Transport failures are returned as plain errors and never touch the
// stored credentials; server-issued failures surface as *HTTPError.
func (dispatcher *Dispatcher) Do(ctx context.Context, descriptor RequestDescriptor) (*Response, error) {
	requestID := uuid.NewString()

	bearer := ""
	if descriptor.RequiresAuth {
		accessToken, present, getErr := dispatcher.store.Get(ctx, SlotAccessToken)
		if getErr != nil {
			return nil, fmt.Errorf("dispatcher.read_access: %w", getErr)
		}
		if present {
			bearer = accessToken
		}
	}

	dispatcher.metrics.Increment(MetricRequestSent)
	response, httpError, sendErr := dispatcher.send(ctx, descriptor, bearer, requestID)
	if sendErr != nil {
		return nil, sendErr
	}
	if httpError == nil {
		return response, nil
	}
	if httpError.StatusCode != http.StatusUnauthorized {
		return nil, httpError
	}
	// A 401 on an unauthenticated call (a wrong password, say) says
	// nothing about the stored credentials and must not spend them.
	if !descriptor.RequiresAuth {
		return nil, httpError
	}

	refreshToken, present, getErr := dispatcher.store.Get(ctx, SlotRefreshToken)
	if getErr != nil || !present || refreshToken == "" {
		return nil, httpError
	}

	newAccessToken, refreshErr := dispatcher.refresher.Refresh(ctx)
	if refreshErr != nil {
		dispatcher.logger.Warn("refresh failed, terminating session",
			zap.String("request_id", requestID),
			zap.Error(refreshErr),
		)
		dispatcher.metrics.Increment(MetricSessionInvalidate)
		if clearErr := dispatcher.store.Clear(ctx); clearErr != nil {
			dispatcher.logger.Error("credential clear failed", zap.Error(clearErr))
		}
		if dispatcher.notifier != nil {
			dispatcher.notifier.Publish(State{})
		}
		return nil, httpError
	}

	if setErr := dispatcher.store.Set(ctx, SlotAccessToken, newAccessToken); setErr != nil {
		dispatcher.logger.Error("access credential persist failed",
			zap.String("request_id", requestID),
			zap.Error(setErr),
		)
	}

	dispatcher.metrics.Increment(MetricRequestRetried)
	retryResponse, retryHTTPError, retrySendErr := dispatcher.send(ctx, descriptor, newAccessToken, requestID)
	if retrySendErr != nil {
		return nil, retrySendErr
	}
	if retryHTTPError != nil {
		// A second authorization failure is returned as-is.
		return nil, retryHTTPError
	}
	return retryResponse, nil
}

func (dispatcher *Dispatcher) send(ctx context.Context, descriptor RequestDescriptor, bearer string, requestID string) (*Response, *HTTPError, error) {
	var bodyReader io.Reader
	if descriptor.Body != nil {
		payload, marshalErr := json.Marshal(descriptor.Body)
		if marshalErr != nil {
			return nil, nil, fmt.Errorf("dispatcher.encode: %w", marshalErr)
		}
		bodyReader = bytes.NewReader(payload)
	}

	request, requestErr := http.NewRequestWithContext(ctx, descriptor.Method, dispatcher.baseURL+descriptor.Endpoint, bodyReader)
	if requestErr != nil {
		return nil, nil, fmt.Errorf("dispatcher.build: %w", requestErr)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-Request-ID", requestID)
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}

	httpResponse, doErr := dispatcher.httpClient.Do(request)
	if doErr != nil {
		return nil, nil, fmt.Errorf("dispatcher.transport: %w", doErr)
	}
	defer func() { _ = httpResponse.Body.Close() }()

	bodyBytes, readErr := io.ReadAll(httpResponse.Body)
	if readErr != nil {
		return nil, nil, fmt.Errorf("dispatcher.transport.read: %w", readErr)
	}

	if httpResponse.StatusCode >= 200 && httpResponse.StatusCode < 300 {
		return &Response{
			StatusCode:  httpResponse.StatusCode,
			ContentType: httpResponse.Header.Get("Content-Type"),
			Body:        bodyBytes,
		}, nil, nil
	}

	dispatcher.logger.Debug("request rejected",
		zap.String("request_id", requestID),
		zap.String("endpoint", descriptor.Endpoint),
		zap.Int("status", httpResponse.StatusCode),
	)
	return nil, &HTTPError{
		StatusCode: httpResponse.StatusCode,
		Message:    extractErrorMessage(httpResponse.StatusCode, bodyBytes),
	}, nil
}

// extractErrorMessage picks the best-available field from a structured
// error body: detail, then message, then the first array-valued field
// in key order, then a generic fallback.
func extractErrorMessage(statusCode int, body []byte) string {
	var envelope map[string]any
	if unmarshalErr := json.Unmarshal(body, &envelope); unmarshalErr == nil {
		if detail, ok := envelope["detail"].(string); ok && detail != "" {
			return detail
		}
		if message, ok := envelope["message"].(string); ok && message != "" {
			return message
		}
		fieldNames := make([]string, 0, len(envelope))
		for fieldName := range envelope {
			fieldNames = append(fieldNames, fieldName)
		}
		sort.Strings(fieldNames)
		for _, fieldName := range fieldNames {
			values, ok := envelope[fieldName].([]any)
			if !ok || len(values) == 0 {
				continue
			}
			if first, ok := values[0].(string); ok && first != "" {
				return fmt.Sprintf("%s: %s", fieldName, first)
			}
		}
	}
	return fmt.Sprintf("HTTP %d", statusCode)
}
