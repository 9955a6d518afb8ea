package watcher

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solsink/solsink/service/db"
	"github.com/solsink/solsink/service/events"
	"github.com/solsink/solsink/service/ingest"
)

var testAccount = solanago.MustPublicKeyFromBase58("4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T")

func sigAt(i int) solanago.Signature {
	var s solanago.Signature
	binary.BigEndian.PutUint32(s[:4], uint32(i)+1)
	return s
}

func txSig(i int, slot uint64) *rpc.TransactionSignature {
	return &rpc.TransactionSignature{Signature: sigAt(i), Slot: slot}
}

// fakeStore is an in-memory ManagerStore.
type fakeStore struct {
	mu             sync.Mutex
	watchers       map[string]*db.WatcherRecord
	watcherSaves   []db.WatcherRecord
	transactions   map[string]db.StoredTransaction
	links          map[string]uint64
	desired        []string
	resets         []string
	getWatcherErr  error
	upsertTxErr    error
	listDesiredErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		watchers:     make(map[string]*db.WatcherRecord),
		transactions: make(map[string]db.StoredTransaction),
		links:        make(map[string]uint64),
	}
}

func (s *fakeStore) GetWatcher(ctx context.Context, account string) (*db.WatcherRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getWatcherErr != nil {
		return nil, s.getWatcherErr
	}
	rec, ok := s.watchers[account]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeStore) SaveWatcher(ctx context.Context, rec db.WatcherRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := rec
	s.watchers[rec.Account] = &cp
	s.watcherSaves = append(s.watcherSaves, rec)
	return nil
}

func (s *fakeStore) UpdateWatcherStatus(ctx context.Context, account, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.watchers[account]; ok {
		rec.Status = status
	}
	return nil
}

func (s *fakeStore) GetTransaction(ctx context.Context, signature string) (*db.StoredTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[signature]
	if !ok {
		return nil, nil
	}
	cp := tx
	return &cp, nil
}

func (s *fakeStore) UpsertTransaction(ctx context.Context, tx db.StoredTransaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertTxErr != nil {
		return false, s.upsertTxErr
	}
	existing, ok := s.transactions[tx.Signature]
	if ok && existing.LogicVersion >= tx.LogicVersion {
		return false, nil
	}
	s.transactions[tx.Signature] = tx
	return true, nil
}

func (s *fakeStore) LinkWatcherTransaction(ctx context.Context, watcherAccount, signature string, slot uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[watcherAccount+"|"+signature] = slot
	return nil
}

func (s *fakeStore) ListDesiredAccounts(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listDesiredErr != nil {
		return nil, s.listDesiredErr
	}
	return append([]string(nil), s.desired...), nil
}

func (s *fakeStore) ResetWatcher(ctx context.Context, account string, logicVersion uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, account)
	s.watchers[account] = &db.WatcherRecord{
		Account:      account,
		LogicVersion: logicVersion,
		Status:       "stopped",
	}
	return nil
}

func (s *fakeStore) watcherRecord(account string) db.WatcherRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.watchers[account]
}

func (s *fakeStore) linkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// fakeSource serves one scripted batch per call; later calls return nothing.
type fakeSource struct {
	mu      sync.Mutex
	batches [][]*rpc.TransactionSignature
	untils  []*solanago.Signature
	calls   int
}

func (f *fakeSource) SignaturesSince(ctx context.Context, account solanago.PublicKey, until *solanago.Signature) ([]*rpc.TransactionSignature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.untils = append(f.untils, until)
	i := f.calls
	f.calls++
	if i < len(f.batches) {
		return f.batches[i], nil
	}
	return nil, nil
}

// fakeNormalizer fabricates a minimal canonical transaction per signature.
type fakeNormalizer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeNormalizer) Normalize(ctx context.Context, signature string) (*ingest.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, signature)
	if f.err != nil {
		return nil, f.err
	}
	return &ingest.Transaction{
		Signatures:      []string{signature},
		RecentBlockhash: "9zMJLtLoFJcmqVkhmBKXWbtBKX7ULEifefUZydaBcpuS",
		Version:         ingest.VersionLegacy,
	}, nil
}

func (f *fakeNormalizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWatcher(store *fakeStore, source *fakeSource, norm *fakeNormalizer, pub events.Publisher) *Watcher {
	return New(Config{
		Account:    testAccount,
		Store:      store,
		Source:     source,
		Normalizer: norm,
		Publisher:  pub,
		Logger:     testLogger(),
		Interval:   time.Hour, // only the initial pass runs in tests
	})
}

func TestWatcher_InitialPassIngestsHistory(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{batches: [][]*rpc.TransactionSignature{
		{txSig(1, 10), txSig(2, 11)},
	}}
	norm := &fakeNormalizer{}
	pub := events.NewMockPublisher()
	w := newTestWatcher(store, source, norm, pub)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.Equal(t, "running", w.Status())
	assert.Equal(t, 2, norm.callCount())
	assert.Equal(t, 2, store.linkCount())
	assert.Len(t, pub.PublishedEventsForAccount(testAccount.String()), 2)

	rec := store.watcherRecord(testAccount.String())
	assert.Equal(t, uint64(11), rec.CheckedUpToSlot)
	require.NotNil(t, rec.LatestSignature)
	assert.Equal(t, sigAt(2).String(), *rec.LatestSignature)
	require.NotNil(t, rec.FirstSignature)
	assert.Equal(t, sigAt(1).String(), *rec.FirstSignature)
	assert.Equal(t, ingest.LogicVersion, rec.LogicVersion)
}

func TestWatcher_StartRejectsNonStopped(t *testing.T) {
	store := newFakeStore()
	w := newTestWatcher(store, &fakeSource{}, &fakeNormalizer{}, nil)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.ErrorIs(t, w.Start(context.Background()), ErrAlreadyRunning)
}

func TestWatcher_StopTransitionsToStopped(t *testing.T) {
	store := newFakeStore()
	w := newTestWatcher(store, &fakeSource{}, &fakeNormalizer{}, nil)

	require.NoError(t, w.Start(context.Background()))
	w.Stop()

	assert.Equal(t, "stopped", w.Status())
	assert.Equal(t, "stopped", store.watcherRecord(testAccount.String()).Status)
}

func TestWatcher_PassResumesFromLatestSignature(t *testing.T) {
	store := newFakeStore()
	latest := sigAt(5).String()
	store.watchers[testAccount.String()] = &db.WatcherRecord{
		Account:         testAccount.String(),
		LatestSignature: &latest,
		CheckedUpToSlot: 50,
		LogicVersion:    ingest.LogicVersion,
		Status:          "stopped",
	}
	source := &fakeSource{batches: [][]*rpc.TransactionSignature{
		{txSig(6, 60)},
	}}
	w := newTestWatcher(store, source, &fakeNormalizer{}, nil)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Len(t, source.untils, 1)
	require.NotNil(t, source.untils[0])
	assert.Equal(t, sigAt(5), *source.untils[0])

	rec := store.watcherRecord(testAccount.String())
	assert.Equal(t, uint64(60), rec.CheckedUpToSlot)
	assert.Equal(t, sigAt(6).String(), *rec.LatestSignature)
}

func TestWatcher_SkipsAlreadyCurrentTransactions(t *testing.T) {
	store := newFakeStore()
	store.transactions[sigAt(1).String()] = db.StoredTransaction{
		Signature:    sigAt(1).String(),
		Slot:         10,
		LogicVersion: ingest.LogicVersion,
		Payload:      []byte(`{}`),
	}
	source := &fakeSource{batches: [][]*rpc.TransactionSignature{
		{txSig(1, 10)},
	}}
	norm := &fakeNormalizer{}
	pub := events.NewMockPublisher()
	w := newTestWatcher(store, source, norm, pub)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	// Already stored at the current logic version: no re-derivation, no
	// event, but the watcher link is still recorded.
	assert.Equal(t, 0, norm.callCount())
	assert.Empty(t, pub.PublishedEvents())
	assert.Equal(t, 1, store.linkCount())
}

func TestWatcher_RederivesStaleLogicVersion(t *testing.T) {
	store := newFakeStore()
	store.transactions[sigAt(1).String()] = db.StoredTransaction{
		Signature:    sigAt(1).String(),
		Slot:         10,
		LogicVersion: ingest.LogicVersion - 1,
		Payload:      []byte(`{}`),
	}
	source := &fakeSource{batches: [][]*rpc.TransactionSignature{
		{txSig(1, 10)},
	}}
	norm := &fakeNormalizer{}
	w := newTestWatcher(store, source, norm, nil)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.Equal(t, 1, norm.callCount())
	assert.Equal(t, ingest.LogicVersion, store.transactions[sigAt(1).String()].LogicVersion)
}

func TestWatcher_MonotonicityViolationIsFatal(t *testing.T) {
	store := newFakeStore()
	store.watchers[testAccount.String()] = &db.WatcherRecord{
		Account:         testAccount.String(),
		CheckedUpToSlot: 100,
		LogicVersion:    ingest.LogicVersion,
		Status:          "stopped",
	}
	source := &fakeSource{batches: [][]*rpc.TransactionSignature{
		{txSig(1, 90)}, // already-checked slot observed as new
	}}
	w := newTestWatcher(store, source, &fakeNormalizer{}, nil)

	err := w.Start(context.Background())
	require.ErrorIs(t, err, ErrSlotMonotonicityViolation)

	var violation *InvariantViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, testAccount.String(), violation.Account)
	assert.Equal(t, uint64(90), violation.Slot)
	assert.Equal(t, uint64(100), violation.CheckedUpToSlot)
	assert.Equal(t, "stopped", w.Status())

	// Stop after a fatal Start is a no-op, not a hang.
	w.Stop()
}

func TestWatcher_StopAfterFailedStartReturns(t *testing.T) {
	store := newFakeStore()
	store.getWatcherErr = errors.New("connection refused")
	w := newTestWatcher(store, &fakeSource{}, &fakeNormalizer{}, nil)

	require.Error(t, w.Start(context.Background()))
	assert.Equal(t, "stopped", w.Status())

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked after a failed Start")
	}

	// The watcher is restartable once the store recovers.
	store.mu.Lock()
	store.getWatcherErr = nil
	store.mu.Unlock()
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	assert.Equal(t, "stopped", w.Status())
}

func TestWatcher_WatermarkAdvancesPerSlotGroup(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{batches: [][]*rpc.TransactionSignature{
		{txSig(1, 10), txSig(2, 10), txSig(3, 11)},
	}}
	w := newTestWatcher(store, source, &fakeNormalizer{}, nil)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	// One watermark write per completed slot group (plus the initial record
	// creation): slot 10 only advances after both its transactions landed.
	var advances []uint64
	for _, save := range store.watcherSaves {
		if save.CheckedUpToSlot != 0 {
			advances = append(advances, save.CheckedUpToSlot)
		}
	}
	assert.Equal(t, []uint64{10, 11}, advances)
}

func TestWatcher_PublishFailureIsNonFatal(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{batches: [][]*rpc.TransactionSignature{
		{txSig(1, 10)},
	}}
	pub := events.NewMockPublisher()
	pub.SetPublishError(errors.New("nats: connection closed"))
	w := newTestWatcher(store, source, &fakeNormalizer{}, pub)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	// The canonical row is durable even though the event was lost.
	assert.Equal(t, uint64(10), store.watcherRecord(testAccount.String()).CheckedUpToSlot)
	assert.Contains(t, store.transactions, sigAt(1).String())
}

func TestWatcher_NormalizeFailureLeavesWatermark(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{batches: [][]*rpc.TransactionSignature{
		{txSig(1, 10)},
	}}
	norm := &fakeNormalizer{err: ingest.ErrNullTransactionResponse}
	w := newTestWatcher(store, source, norm, nil)

	// The first pass fails but the watcher stays up for the next tick.
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.Equal(t, "running", w.Status())
	assert.Equal(t, uint64(0), store.watcherRecord(testAccount.String()).CheckedUpToSlot)
	assert.Equal(t, 0, store.linkCount())
}
