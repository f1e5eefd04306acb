package sessionkit

import "errors"

var (
	// ErrStoreClosed indicates the credential store has been closed.
	ErrStoreClosed = errors.New("credential_store.closed")
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("credential_store.unsupported_dialect")
	// ErrUnknownSlot indicates a slot name outside the credential record.
	ErrUnknownSlot = errors.New("credential_store.unknown_slot")

	// ErrNoRefreshCredential indicates a refresh was requested while no refresh credential is stored.
	ErrNoRefreshCredential = errors.New("session.refresh.no_refresh_credential")
	// ErrRefreshRejected indicates the exchange endpoint refused the refresh credential.
	ErrRefreshRejected = errors.New("session.refresh.rejected")

	errEmptyDatabaseURL    = errors.New("credential_store.empty_database_url")
	errEmptyMarkerPath     = errors.New("credential_store.empty_marker_path")
	errSQLiteEmptyPath     = errors.New("credential_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("credential_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("credential_store.unsupported_no_scheme")
)
