package sessionkit

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreSlotRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewMemoryCredentialStore()
	if setErr := store.Set(context.Background(), SlotAccessToken, "a1"); setErr != nil {
		t.Fatalf("set failed: %v", setErr)
	}

	value, found, getErr := store.Get(context.Background(), SlotAccessToken)
	if getErr != nil {
		t.Fatalf("get failed: %v", getErr)
	}
	if !found || value != "a1" {
		t.Fatalf("expected stored value a1, got %q (found=%t)", value, found)
	}

	_, found, getErr = store.Get(context.Background(), SlotRefreshToken)
	if getErr != nil {
		t.Fatalf("get failed: %v", getErr)
	}
	if found {
		t.Fatalf("expected absent refresh slot")
	}
}

func TestMemoryStoreRejectsUnknownSlot(t *testing.T) {
	t.Parallel()

	store := NewMemoryCredentialStore()
	if _, _, getErr := store.Get(context.Background(), Slot("portfoliox.bogus")); !errors.Is(getErr, ErrUnknownSlot) {
		t.Fatalf("expected ErrUnknownSlot, got %v", getErr)
	}
	if setErr := store.Set(context.Background(), Slot("portfoliox.bogus"), "value"); !errors.Is(setErr, ErrUnknownSlot) {
		t.Fatalf("expected ErrUnknownSlot, got %v", setErr)
	}
}

func TestMemoryStoreReplaceOverwritesEverySlot(t *testing.T) {
	t.Parallel()

	store := NewMemoryCredentialStore()
	seedRecord(t, store, "a1", "r1")

	replaceErr := store.Replace(context.Background(), CredentialRecord{
		AccessToken:  "a2",
		RefreshToken: "r2",
		UserProfile:  `{"user_id":2}`,
	})
	if replaceErr != nil {
		t.Fatalf("replace failed: %v", replaceErr)
	}

	record, snapshotErr := store.Snapshot(context.Background())
	if snapshotErr != nil {
		t.Fatalf("snapshot failed: %v", snapshotErr)
	}
	if record.AccessToken != "a2" || record.RefreshToken != "r2" || record.UserProfile != `{"user_id":2}` {
		t.Fatalf("expected fully replaced record, got %+v", record)
	}
}

func TestMemoryStoreClearEmptiesEverySlot(t *testing.T) {
	t.Parallel()

	store := NewMemoryCredentialStore()
	seedRecord(t, store, "a1", "r1")

	if clearErr := store.Clear(context.Background()); clearErr != nil {
		t.Fatalf("clear failed: %v", clearErr)
	}
	record, snapshotErr := store.Snapshot(context.Background())
	if snapshotErr != nil {
		t.Fatalf("snapshot failed: %v", snapshotErr)
	}
	if !record.IsEmpty() {
		t.Fatalf("expected empty record, got %+v", record)
	}
}

func TestMemoryStoreWatchSeesSiblingWritesOnly(t *testing.T) {
	t.Parallel()

	first := NewMemoryCredentialStore()
	second := first.Sibling()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, watchErr := first.Watch(ctx)
	if watchErr != nil {
		t.Fatalf("watch failed: %v", watchErr)
	}

	if setErr := first.Set(context.Background(), SlotAccessToken, "own-write"); setErr != nil {
		t.Fatalf("set failed: %v", setErr)
	}
	if setErr := second.Set(context.Background(), SlotAccessToken, "sibling-write"); setErr != nil {
		t.Fatalf("set failed: %v", setErr)
	}

	change := <-changes
	if change.OriginID != second.InstanceID() {
		t.Fatalf("expected change from sibling origin %s, got %s", second.InstanceID(), change.OriginID)
	}
	if !change.Touches(SlotAccessToken) {
		t.Fatalf("expected access-token slot in change, got %+v", change.Slots)
	}
	select {
	case extra := <-changes:
		t.Fatalf("own write must not be delivered, got %+v", extra)
	default:
	}
}

func TestMemoryStoreSiblingsShareRecord(t *testing.T) {
	t.Parallel()

	first := NewMemoryCredentialStore()
	second := first.Sibling()

	if setErr := first.Set(context.Background(), SlotUserProfile, `{"user_id":7}`); setErr != nil {
		t.Fatalf("set failed: %v", setErr)
	}
	value, found, getErr := second.Get(context.Background(), SlotUserProfile)
	if getErr != nil {
		t.Fatalf("get failed: %v", getErr)
	}
	if !found || value != `{"user_id":7}` {
		t.Fatalf("expected sibling to observe the shared record, got %q (found=%t)", value, found)
	}
	if first.InstanceID() == second.InstanceID() {
		t.Fatalf("siblings must carry distinct instance identifiers")
	}
}
