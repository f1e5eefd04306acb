package sessionkit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch streams slot changes observed via the change-marker file until
// ctx is cancelled. The marker's parent directory is watched rather
// than the file itself so atomic replace writes are not missed.
func (store *DatabaseCredentialStore) Watch(ctx context.Context) (<-chan SlotChange, error) {
	if store.closed.Load() {
		return nil, fmt.Errorf("credential_store.watch.%s: %w", store.driverLabel, ErrStoreClosed)
	}
	watcher, watcherErr := fsnotify.NewWatcher()
	if watcherErr != nil {
		return nil, fmt.Errorf("credential_store.watch.%s: %w", store.driverLabel, watcherErr)
	}
	if addErr := watcher.Add(filepath.Dir(store.markerPath)); addErr != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("credential_store.watch.%s: %w", store.driverLabel, addErr)
	}

	changes := make(chan SlotChange, 16)
	markerName := filepath.Base(store.markerPath)

	go func() {
		defer close(changes)
		defer func() { _ = watcher.Close() }()
		var lastOrigin string
		var lastSequence uint64
		for {
			select {
			case <-ctx.Done():
				return
			case event, open := <-watcher.Events:
				if !open {
					return
				}
				if filepath.Base(event.Name) != markerName {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				marker, readErr := readChangeMarker(store.markerPath)
				if readErr != nil {
					continue
				}
				if marker.OriginID == store.instanceID {
					continue
				}
				// A single logical write can surface as several fs events.
				// Sequences are per-origin counters, so dedupe on the pair:
				// two origins may legitimately emit the same sequence.
				if marker.Sequence != 0 && marker.OriginID == lastOrigin && marker.Sequence == lastSequence {
					continue
				}
				lastOrigin = marker.OriginID
				lastSequence = marker.Sequence
				slots := make([]Slot, 0, len(marker.Slots))
				for _, name := range marker.Slots {
					slots = append(slots, Slot(name))
				}
				select {
				case changes <- SlotChange{Slots: slots, OriginID: marker.OriginID}:
				default:
				}
			case _, open := <-watcher.Errors:
				if !open {
					return
				}
			}
		}
	}()
	return changes, nil
}

func readChangeMarker(markerPath string) (changeMarker, error) {
	contents, readErr := os.ReadFile(markerPath)
	if readErr != nil {
		return changeMarker{}, readErr
	}
	var marker changeMarker
	if unmarshalErr := json.Unmarshal(contents, &marker); unmarshalErr != nil {
		return changeMarker{}, unmarshalErr
	}
	return marker, nil
}
