package sessionkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DatabaseCredentialStore persists credential slots using GORM. It is
// shared by every execution context pointed at the same database URL;
// each write also bumps a change-marker file so sibling processes can
// observe mutations without polling the database.
type DatabaseCredentialStore struct {
	db          *gorm.DB
	driverLabel string
	markerPath  string
	instanceID  string
	sequence    atomic.Uint64
	clock       Clock
	closed      atomic.Bool
}

type credentialSlotRecord struct {
	SlotName    string `gorm:"column:slot_name;primaryKey"`
	SlotValue   string `gorm:"column:slot_value;not null"`
	UpdatedUnix int64  `gorm:"column:updated_unix;not null"`
}

func (credentialSlotRecord) TableName() string {
	return "credential_slots"
}

// changeMarker is the payload written to the marker file on every
// mutation. OriginID lets watchers skip their own writes, matching
// storage events that only fire in other contexts.
type changeMarker struct {
	OriginID    string   `json:"origin_id"`
	Slots       []string `json:"slots"`
	Sequence    uint64   `json:"sequence"`
	WrittenUnix int64    `json:"written_unix"`
}

// NewDatabaseCredentialStore constructs a GORM-backed store. The URL
// scheme selects the driver (sqlite:// or postgres://); markerPath is
// the change-marker file shared with sibling processes.
func NewDatabaseCredentialStore(ctx context.Context, databaseURL string, markerPath string, clock Clock) (*DatabaseCredentialStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("credential_store.open: %w", errEmptyDatabaseURL)
	}
	if strings.TrimSpace(markerPath) == "" {
		return nil, fmt.Errorf("credential_store.open: %w", errEmptyMarkerPath)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("credential_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&credentialSlotRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("credential_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	if mkdirErr := os.MkdirAll(filepath.Dir(markerPath), 0o700); mkdirErr != nil {
		return nil, fmt.Errorf("credential_store.marker_dir: %w", mkdirErr)
	}
	return &DatabaseCredentialStore{
		db:          gormDB,
		driverLabel: driverLabel,
		markerPath:  markerPath,
		instanceID:  uuid.NewString(),
		clock:       clock,
	}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseCredentialStore) Driver() string {
	return store.driverLabel
}

// InstanceID identifies this execution context's store instance.
func (store *DatabaseCredentialStore) InstanceID() string {
	return store.instanceID
}

// MarkerPath exposes the change-marker file location.
func (store *DatabaseCredentialStore) MarkerPath() string {
	return store.markerPath
}

// Close releases the underlying database handle. Subsequent operations
// fail with ErrStoreClosed.
func (store *DatabaseCredentialStore) Close() error {
	if !store.closed.CompareAndSwap(false, true) {
		return nil
	}
	sqlDB, dbErr := store.db.DB()
	if dbErr != nil {
		return fmt.Errorf("credential_store.close.%s: %w", store.driverLabel, dbErr)
	}
	if closeErr := sqlDB.Close(); closeErr != nil {
		return fmt.Errorf("credential_store.close.%s: %w", store.driverLabel, closeErr)
	}
	return nil
}

// Get reads a single slot.
func (store *DatabaseCredentialStore) Get(ctx context.Context, slot Slot) (string, bool, error) {
	if store.closed.Load() {
		return "", false, fmt.Errorf("credential_store.get.%s: %w", store.driverLabel, ErrStoreClosed)
	}
	if !knownSlot(slot) {
		return "", false, fmt.Errorf("credential_store.get.%s: %w", store.driverLabel, ErrUnknownSlot)
	}
	var record credentialSlotRecord
	err := store.db.WithContext(ctx).Where("slot_name = ?", string(slot)).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("credential_store.get.%s: %w", store.driverLabel, err)
	}
	return record.SlotValue, record.SlotValue != "", nil
}

// Set writes a single slot and bumps the change marker.
func (store *DatabaseCredentialStore) Set(ctx context.Context, slot Slot, value string) error {
	if store.closed.Load() {
		return fmt.Errorf("credential_store.set.%s: %w", store.driverLabel, ErrStoreClosed)
	}
	if !knownSlot(slot) {
		return fmt.Errorf("credential_store.set.%s: %w", store.driverLabel, ErrUnknownSlot)
	}
	record := credentialSlotRecord{
		SlotName:    string(slot),
		SlotValue:   value,
		UpdatedUnix: store.clock.Now().Unix(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "slot_name"}}, UpdateAll: true}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("credential_store.set.%s: %w", store.driverLabel, err)
	}
	return store.writeMarker([]Slot{slot})
}

// Replace atomically rewrites the whole record in one transaction.
func (store *DatabaseCredentialStore) Replace(ctx context.Context, record CredentialRecord) error {
	if store.closed.Load() {
		return fmt.Errorf("credential_store.replace.%s: %w", store.driverLabel, ErrStoreClosed)
	}
	nowUnix := store.clock.Now().Unix()
	txErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if deleteErr := tx.Where("slot_name IN ?", slotNames()).Delete(&credentialSlotRecord{}).Error; deleteErr != nil {
			return deleteErr
		}
		for _, slot := range AllSlots {
			value, present := record.Value(slot)
			if !present {
				continue
			}
			row := credentialSlotRecord{
				SlotName:    string(slot),
				SlotValue:   value,
				UpdatedUnix: nowUnix,
			}
			if createErr := tx.Create(&row).Error; createErr != nil {
				return createErr
			}
		}
		return nil
	})
	if txErr != nil {
		return fmt.Errorf("credential_store.replace.%s: %w", store.driverLabel, txErr)
	}
	return store.writeMarker(AllSlots)
}

// Clear atomically removes every slot.
func (store *DatabaseCredentialStore) Clear(ctx context.Context) error {
	if store.closed.Load() {
		return fmt.Errorf("credential_store.clear.%s: %w", store.driverLabel, ErrStoreClosed)
	}
	err := store.db.WithContext(ctx).
		Where("slot_name IN ?", slotNames()).
		Delete(&credentialSlotRecord{}).Error
	if err != nil {
		return fmt.Errorf("credential_store.clear.%s: %w", store.driverLabel, err)
	}
	return store.writeMarker(AllSlots)
}

// Snapshot reads the whole record at once.
func (store *DatabaseCredentialStore) Snapshot(ctx context.Context) (CredentialRecord, error) {
	if store.closed.Load() {
		return CredentialRecord{}, fmt.Errorf("credential_store.snapshot.%s: %w", store.driverLabel, ErrStoreClosed)
	}
	var rows []credentialSlotRecord
	err := store.db.WithContext(ctx).Where("slot_name IN ?", slotNames()).Find(&rows).Error
	if err != nil {
		return CredentialRecord{}, fmt.Errorf("credential_store.snapshot.%s: %w", store.driverLabel, err)
	}
	var record CredentialRecord
	for _, row := range rows {
		switch Slot(row.SlotName) {
		case SlotAccessToken:
			record.AccessToken = row.SlotValue
		case SlotRefreshToken:
			record.RefreshToken = row.SlotValue
		case SlotUserProfile:
			record.UserProfile = row.SlotValue
		}
	}
	return record, nil
}

func (store *DatabaseCredentialStore) writeMarker(slots []Slot) error {
	names := make([]string, 0, len(slots))
	for _, slot := range slots {
		names = append(names, string(slot))
	}
	marker := changeMarker{
		OriginID:    store.instanceID,
		Slots:       names,
		Sequence:    store.sequence.Add(1),
		WrittenUnix: store.clock.Now().Unix(),
	}
	encoded, marshalErr := json.Marshal(marker)
	if marshalErr != nil {
		return fmt.Errorf("credential_store.marker.encode: %w", marshalErr)
	}
	if writeErr := os.WriteFile(store.markerPath, encoded, 0o600); writeErr != nil {
		return fmt.Errorf("credential_store.marker.write: %w", writeErr)
	}
	return nil
}

func slotNames() []string {
	names := make([]string, 0, len(AllSlots))
	for _, slot := range AllSlots {
		names = append(names, string(slot))
	}
	return names
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("credential_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("credential_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("credential_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("credential_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
