package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solsink/solsink/service/db"
	"github.com/solsink/solsink/service/events"
	"github.com/solsink/solsink/service/ingest"
)

var (
	accountA = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	accountB = "So11111111111111111111111111111111111111112"
)

func newTestManager(store *fakeStore, source *fakeSource) *Manager {
	return NewManager(ManagerConfig{
		Store:             store,
		Source:            source,
		Normalizer:        &fakeNormalizer{},
		Publisher:         events.NewMockPublisher(),
		Logger:            testLogger(),
		WatchInterval:     time.Hour,
		ReconcileInterval: 10 * time.Millisecond,
	})
}

func TestManager_ReconcileStartsDesiredWatchers(t *testing.T) {
	store := newFakeStore()
	store.desired = []string{accountA, accountB}
	m := newTestManager(store, &fakeSource{})

	require.NoError(t, m.reconcile(context.Background()))
	defer m.stopAll()

	assert.Equal(t, 2, m.WatcherCount())
	assert.Equal(t, "running", m.WatcherStatus(accountA))
	assert.Equal(t, "running", m.WatcherStatus(accountB))
}

func TestManager_ReconcileIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.desired = []string{accountA}
	m := newTestManager(store, &fakeSource{})

	require.NoError(t, m.reconcile(context.Background()))
	defer m.stopAll()
	first := m.watchers[accountA]

	require.NoError(t, m.reconcile(context.Background()))
	assert.Equal(t, 1, m.WatcherCount())
	assert.Same(t, first, m.watchers[accountA])
}

func TestManager_ReconcileStopsUndesiredWatchers(t *testing.T) {
	store := newFakeStore()
	store.desired = []string{accountA, accountB}
	m := newTestManager(store, &fakeSource{})

	require.NoError(t, m.reconcile(context.Background()))
	require.Equal(t, 2, m.WatcherCount())

	store.mu.Lock()
	store.desired = []string{accountA}
	store.mu.Unlock()

	require.NoError(t, m.reconcile(context.Background()))
	defer m.stopAll()

	assert.Equal(t, 1, m.WatcherCount())
	assert.Equal(t, "running", m.WatcherStatus(accountA))
	assert.Equal(t, "stopped", m.WatcherStatus(accountB))
}

func TestManager_InvalidAccountDoesNotStopReconcile(t *testing.T) {
	store := newFakeStore()
	store.desired = []string{"not-a-pubkey", accountA}
	m := newTestManager(store, &fakeSource{})

	require.NoError(t, m.reconcile(context.Background()))
	defer m.stopAll()

	assert.Equal(t, 1, m.WatcherCount())
	assert.Equal(t, "running", m.WatcherStatus(accountA))
}

func TestManager_ResetsStaleLogicVersion(t *testing.T) {
	store := newFakeStore()
	store.desired = []string{accountA}
	store.watchers[accountA] = &db.WatcherRecord{
		Account:         accountA,
		CheckedUpToSlot: 500,
		LogicVersion:    ingest.LogicVersion - 1,
		Status:          "stopped",
	}
	m := newTestManager(store, &fakeSource{})

	require.NoError(t, m.reconcile(context.Background()))
	defer m.stopAll()

	// A stale persisted logic version forces a reset so history is
	// re-ingested under the current normalization rules.
	assert.Equal(t, []string{accountA}, store.resets)
	rec := store.watcherRecord(accountA)
	assert.Equal(t, uint64(0), rec.CheckedUpToSlot)
	assert.Equal(t, ingest.LogicVersion, rec.LogicVersion)
}

func TestManager_CurrentLogicVersionIsNotReset(t *testing.T) {
	store := newFakeStore()
	store.desired = []string{accountA}
	store.watchers[accountA] = &db.WatcherRecord{
		Account:         accountA,
		CheckedUpToSlot: 500,
		LogicVersion:    ingest.LogicVersion,
		Status:          "stopped",
	}
	m := newTestManager(store, &fakeSource{})

	require.NoError(t, m.reconcile(context.Background()))
	defer m.stopAll()

	assert.Empty(t, store.resets)
	assert.Equal(t, uint64(500), store.watcherRecord(accountA).CheckedUpToSlot)
}

func TestManager_RunStopsOnFatalViolation(t *testing.T) {
	store := newFakeStore()
	store.desired = []string{accountA}
	store.watchers[accountA] = &db.WatcherRecord{
		Account:         accountA,
		CheckedUpToSlot: 100,
		LogicVersion:    ingest.LogicVersion,
		Status:          "stopped",
	}
	source := &fakeSource{batches: [][]*rpc.TransactionSignature{
		{txSig(1, 90)}, // below the checked watermark
	}}
	m := newTestManager(store, source)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := m.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSlotMonotonicityViolation)
	assert.Equal(t, 0, m.WatcherCount())
}

func TestManager_RunReturnsOnContextCancel(t *testing.T) {
	store := newFakeStore()
	store.desired = []string{accountA}
	m := newTestManager(store, &fakeSource{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// Give the first reconcile a moment to start the watcher, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not shut down")
	}
	assert.Equal(t, 0, m.WatcherCount())
}
