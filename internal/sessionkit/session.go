package sessionkit

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// TokenPair is the bearer credential pair issued at login.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	User         UserProfile `json:"user"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// SessionController is the facade UI code talks to. All whole-record
// credential transitions funnel through here; the store stays private
// to this package.
type SessionController struct {
	store      CredentialStore
	dispatcher *Dispatcher
	notifier   *Broadcaster
	logger     *zap.Logger
	metrics    MetricsRecorder
}

// NewSessionController wires the session lifecycle controller.
func NewSessionController(store CredentialStore, dispatcher *Dispatcher, notifier *Broadcaster, logger *zap.Logger, metrics MetricsRecorder) *SessionController {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetrics()
	}
	return &SessionController{
		store:      store,
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     logger,
		metrics:    metrics,
	}
}

// Login writes all three credential slots as one record and publishes
// the resulting state.
func (controller *SessionController) Login(ctx context.Context, tokens TokenPair, profile UserProfile) error {
	encodedProfile, encodeErr := EncodeProfile(profile)
	if encodeErr != nil {
		return fmt.Errorf("session.login.encode_profile: %w", encodeErr)
	}
	record := CredentialRecord{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		UserProfile:  encodedProfile,
	}
	if replaceErr := controller.store.Replace(ctx, record); replaceErr != nil {
		return fmt.Errorf("session.login.persist: %w", replaceErr)
	}
	controller.logger.Info("session established", zap.String("user_email", profile.UserEmail))
	controller.publish(ctx)
	return nil
}

// LoginWithPassword authenticates against the account service and
// persists the returned credential record.
func (controller *SessionController) LoginWithPassword(ctx context.Context, email string, password string) (UserProfile, error) {
	response, requestErr := controller.dispatcher.Do(ctx, RequestDescriptor{
		Endpoint: EndpointLogin,
		Method:   http.MethodPost,
		Body:     loginRequest{Email: email, Password: password},
	})
	if requestErr != nil {
		return UserProfile{}, requestErr
	}
	var decoded loginResponse
	if decodeErr := response.DecodeJSON(&decoded); decodeErr != nil {
		return UserProfile{}, fmt.Errorf("session.login: %w", decodeErr)
	}
	tokens := TokenPair{AccessToken: decoded.AccessToken, RefreshToken: decoded.RefreshToken}
	if loginErr := controller.Login(ctx, tokens, decoded.User); loginErr != nil {
		return UserProfile{}, loginErr
	}
	return decoded.User, nil
}

// Logout best-effort revokes the refresh credential server-side, then
// unconditionally clears the whole record. Server failures are logged,
// never surfaced; only a storage failure is.
func (controller *SessionController) Logout(ctx context.Context) error {
	refreshToken, present, getErr := controller.store.Get(ctx, SlotRefreshToken)
	if getErr != nil {
		controller.logger.Error("logout store read failed", zap.Error(getErr))
	}
	if getErr == nil && present && refreshToken != "" {
		_, revokeErr := controller.dispatcher.Do(ctx, RequestDescriptor{
			Endpoint:     EndpointLogout,
			Method:       http.MethodPost,
			Body:         logoutRequest{RefreshToken: refreshToken},
			RequiresAuth: true,
		})
		if revokeErr != nil {
			controller.logger.Warn("server-side logout failed", zap.Error(revokeErr))
		}
	}
	controller.metrics.Increment(MetricSessionInvalidate)
	clearErr := controller.store.Clear(ctx)
	if clearErr != nil {
		controller.logger.Error("credential clear failed", zap.Error(clearErr))
	}
	controller.publish(ctx)
	if clearErr != nil {
		return fmt.Errorf("session.logout: %w", clearErr)
	}
	controller.logger.Info("session terminated")
	return nil
}

// RefreshProfile refetches the user profile and updates only the
// profile slot.
func (controller *SessionController) RefreshProfile(ctx context.Context) (UserProfile, error) {
	response, requestErr := controller.dispatcher.Do(ctx, RequestDescriptor{
		Endpoint:     EndpointProfile,
		Method:       http.MethodGet,
		RequiresAuth: true,
	})
	if requestErr != nil {
		return UserProfile{}, requestErr
	}
	var profile UserProfile
	if decodeErr := response.DecodeJSON(&profile); decodeErr != nil {
		return UserProfile{}, fmt.Errorf("session.profile: %w", decodeErr)
	}
	encodedProfile, encodeErr := EncodeProfile(profile)
	if encodeErr != nil {
		return UserProfile{}, fmt.Errorf("session.profile.encode: %w", encodeErr)
	}
	if setErr := controller.store.Set(ctx, SlotUserProfile, encodedProfile); setErr != nil {
		return UserProfile{}, fmt.Errorf("session.profile.persist: %w", setErr)
	}
	controller.publish(ctx)
	return profile, nil
}

// IsAuthenticated reports the derived session state. A pure store read;
// never triggers network activity.
func (controller *SessionController) IsAuthenticated(ctx context.Context) bool {
	return controller.State(ctx).Authenticated
}

// CurrentUser returns the cached profile snapshot, if any. A pure store
// read; never triggers network activity.
func (controller *SessionController) CurrentUser(ctx context.Context) (UserProfile, bool) {
	state := controller.State(ctx)
	if !state.Authenticated || state.Profile == nil {
		return UserProfile{}, false
	}
	return *state.Profile, true
}

// AccessToken returns the stored access credential, if any. A pure
// store read for display purposes; never triggers network activity.
func (controller *SessionController) AccessToken(ctx context.Context) (string, bool) {
	accessToken, present, getErr := controller.store.Get(ctx, SlotAccessToken)
	if getErr != nil {
		controller.logger.Error("access credential read failed", zap.Error(getErr))
		return "", false
	}
	return accessToken, present
}

// State recomputes the Anonymous/Authenticated classification from the
// credential record.
func (controller *SessionController) State(ctx context.Context) State {
	record, snapshotErr := controller.store.Snapshot(ctx)
	if snapshotErr != nil {
		controller.logger.Error("state snapshot failed", zap.Error(snapshotErr))
		return State{}
	}
	return DeriveState(record)
}

// Subscribe registers for session-changed notifications.
func (controller *SessionController) Subscribe() (<-chan State, func()) {
	return controller.notifier.Subscribe()
}

func (controller *SessionController) publish(ctx context.Context) {
	if controller.notifier == nil {
		return
	}
	controller.notifier.Publish(controller.State(ctx))
}
