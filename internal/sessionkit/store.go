package sessionkit

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// CredentialStore persists the three credential slots. Writes are
// synchronous: a successful call is immediately visible to subsequent
// reads through the same storage origin.
type CredentialStore interface {
	// Get reads a single slot; the boolean reports presence.
	Get(ctx context.Context, slot Slot) (string, bool, error)
	// Set writes a single slot. Reserved for the dispatcher's
	// access-credential overwrite and for profile refetch; whole-record
	// transitions go through Replace and Clear.
	Set(ctx context.Context, slot Slot, value string) error
	// Replace atomically rewrites the whole record.
	Replace(ctx context.Context, record CredentialRecord) error
	// Clear atomically removes every slot.
	Clear(ctx context.Context) error
	// Snapshot reads the whole record at once.
	Snapshot(ctx context.Context) (CredentialRecord, error)
}

// SlotChange describes a mutation observed on the shared storage
// origin. OriginID identifies the store instance that performed it.
type SlotChange struct {
	Slots    []Slot
	OriginID string
}

// Touches reports whether the change affected any of the given slots.
func (change SlotChange) Touches(slots ...Slot) bool {
	for _, changed := range change.Slots {
		for _, candidate := range slots {
			if changed == candidate {
				return true
			}
		}
	}
	return false
}

// WatchableCredentialStore is a credential store whose mutations can be
// observed by sibling execution contexts sharing the storage origin.
type WatchableCredentialStore interface {
	CredentialStore
	// Watch streams slot changes until ctx is cancelled. Writes made
	// through this instance are excluded, matching storage events that
	// only fire in other execution contexts.
	Watch(ctx context.Context) (<-chan SlotChange, error)
	// InstanceID identifies this execution context's store instance.
	InstanceID() string
}

// memoryOrigin is the storage shared by sibling memory stores.
type memoryOrigin struct {
	mutex        sync.Mutex
	values       map[Slot]string
	watchers     map[int]memoryWatcher
	nextWatchID  int
	watchBacklog int
}

type memoryWatcher struct {
	ownerID string
	changes chan SlotChange
}

// MemoryCredentialStore keeps the credential record in process memory.
// Intended for tests and dev; Sibling models a second execution context
// attached to the same origin.
type MemoryCredentialStore struct {
	origin     *memoryOrigin
	instanceID string
}

// NewMemoryCredentialStore creates an empty in-memory store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		origin: &memoryOrigin{
			values:       make(map[Slot]string),
			watchers:     make(map[int]memoryWatcher),
			watchBacklog: 16,
		},
		instanceID: uuid.NewString(),
	}
}

// Sibling returns a store bound to the same origin under a distinct
// instance identity, mirroring a second tab on the same storage.
func (store *MemoryCredentialStore) Sibling() *MemoryCredentialStore {
	return &MemoryCredentialStore{origin: store.origin, instanceID: uuid.NewString()}
}

// InstanceID identifies this execution context's store instance.
func (store *MemoryCredentialStore) InstanceID() string {
	return store.instanceID
}

// Get reads a single slot.
func (store *MemoryCredentialStore) Get(ctx context.Context, slot Slot) (string, bool, error) {
	if !knownSlot(slot) {
		return "", false, fmt.Errorf("credential_store.get: %w", ErrUnknownSlot)
	}
	store.origin.mutex.Lock()
	defer store.origin.mutex.Unlock()
	value, ok := store.origin.values[slot]
	return value, ok && value != "", nil
}

// Set writes a single slot and notifies watchers.
func (store *MemoryCredentialStore) Set(ctx context.Context, slot Slot, value string) error {
	if !knownSlot(slot) {
		return fmt.Errorf("credential_store.set: %w", ErrUnknownSlot)
	}
	store.origin.mutex.Lock()
	store.origin.values[slot] = value
	store.notifyLocked([]Slot{slot})
	store.origin.mutex.Unlock()
	return nil
}

// Replace atomically rewrites the whole record.
func (store *MemoryCredentialStore) Replace(ctx context.Context, record CredentialRecord) error {
	store.origin.mutex.Lock()
	store.origin.values = map[Slot]string{}
	for _, slot := range AllSlots {
		if value, present := record.Value(slot); present {
			store.origin.values[slot] = value
		}
	}
	store.notifyLocked(AllSlots)
	store.origin.mutex.Unlock()
	return nil
}

// Clear atomically removes every slot.
func (store *MemoryCredentialStore) Clear(ctx context.Context) error {
	store.origin.mutex.Lock()
	store.origin.values = map[Slot]string{}
	store.notifyLocked(AllSlots)
	store.origin.mutex.Unlock()
	return nil
}

// Snapshot reads the whole record.
func (store *MemoryCredentialStore) Snapshot(ctx context.Context) (CredentialRecord, error) {
	store.origin.mutex.Lock()
	defer store.origin.mutex.Unlock()
	return CredentialRecord{
		AccessToken:  store.origin.values[SlotAccessToken],
		RefreshToken: store.origin.values[SlotRefreshToken],
		UserProfile:  store.origin.values[SlotUserProfile],
	}, nil
}

// Watch streams changes made by sibling instances until ctx is cancelled.
func (store *MemoryCredentialStore) Watch(ctx context.Context) (<-chan SlotChange, error) {
	store.origin.mutex.Lock()
	watchID := store.origin.nextWatchID
	store.origin.nextWatchID++
	changes := make(chan SlotChange, store.origin.watchBacklog)
	store.origin.watchers[watchID] = memoryWatcher{ownerID: store.instanceID, changes: changes}
	store.origin.mutex.Unlock()

	go func() {
		<-ctx.Done()
		store.origin.mutex.Lock()
		delete(store.origin.watchers, watchID)
		close(changes)
		store.origin.mutex.Unlock()
	}()
	return changes, nil
}

func (store *MemoryCredentialStore) notifyLocked(slots []Slot) {
	change := SlotChange{Slots: slots, OriginID: store.instanceID}
	for _, watcher := range store.origin.watchers {
		if watcher.ownerID == store.instanceID {
			continue
		}
		select {
		case watcher.changes <- change:
		default:
		}
	}
}

func knownSlot(slot Slot) bool {
	for _, candidate := range AllSlots {
		if slot == candidate {
			return true
		}
	}
	return false
}
