package sessionkit

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ContextSynchronizer mirrors credential mutations performed by other
// execution contexts sharing the storage origin. On any change to the
// access-credential or user-profile slots it re-derives the session
// state from the current record and re-publishes it locally, so a
// logout in one context is observed by the others within one
// notification cycle, without polling and without network calls.
type ContextSynchronizer struct {
	store    WatchableCredentialStore
	notifier *Broadcaster
	logger   *zap.Logger

	started  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	stopped  chan struct{}
}

// NewContextSynchronizer wires the cross-context synchronizer.
func NewContextSynchronizer(store WatchableCredentialStore, notifier *Broadcaster, logger *zap.Logger) *ContextSynchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextSynchronizer{
		store:    store,
		notifier: notifier,
		logger:   logger,
		stopped:  make(chan struct{}),
	}
}

// Start subscribes to storage changes. Paired with Stop.
func (syncer *ContextSynchronizer) Start(ctx context.Context) error {
	if !syncer.started.CompareAndSwap(false, true) {
		return nil
	}
	watchCtx, cancel := context.WithCancel(ctx)
	syncer.cancel = cancel
	changes, watchErr := syncer.store.Watch(watchCtx)
	if watchErr != nil {
		cancel()
		syncer.started.Store(false)
		return watchErr
	}
	go syncer.run(watchCtx, changes)
	return nil
}

// Stop unsubscribes and waits for the loop to exit.
func (syncer *ContextSynchronizer) Stop() {
	syncer.stopOnce.Do(func() {
		if syncer.cancel != nil {
			syncer.cancel()
		}
	})
	if syncer.started.Load() {
		<-syncer.stopped
	}
}

func (syncer *ContextSynchronizer) run(ctx context.Context, changes <-chan SlotChange) {
	defer close(syncer.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case change, open := <-changes:
			if !open {
				return
			}
			if !change.Touches(SlotAccessToken, SlotUserProfile) {
				continue
			}
			record, snapshotErr := syncer.store.Snapshot(ctx)
			if snapshotErr != nil {
				syncer.logger.Error("cross-context snapshot failed", zap.Error(snapshotErr))
				continue
			}
			state := DeriveState(record)
			syncer.logger.Debug("mirroring session change from sibling context",
				zap.String("origin_id", change.OriginID),
				zap.Bool("authenticated", state.Authenticated),
			)
			if syncer.notifier != nil {
				syncer.notifier.Publish(state)
			}
		}
	}
}
