// Package watcher keeps each tracked account's transaction history fully and
// monotonically ingested. One Watcher runs per account; a Manager reconciles
// the running set against the declarative desired set in the store.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/solsink/solsink/service/db"
	"github.com/solsink/solsink/service/events"
	"github.com/solsink/solsink/service/ingest"
	"github.com/solsink/solsink/service/metrics"
)

// Watcher statuses.
const (
	StatusStopped int32 = iota
	StatusStarting
	StatusRunning
)

func statusString(s int32) string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	default:
		return "stopped"
	}
}

// ErrAlreadyRunning is returned by Start when the watcher is not stopped.
var ErrAlreadyRunning = errors.New("watcher already running")

// ErrSlotMonotonicityViolation is the fatal consistency fault raised when a
// candidate in an already-checked slot is observed as new. It implies the
// watcher's progress marker is ahead of reality; continuing would either
// corrupt the watermark or drop data, so the enclosing process must halt.
var ErrSlotMonotonicityViolation = errors.New("slot monotonicity violation")

// InvariantViolationError carries the context of a fatal monotonicity fault.
type InvariantViolationError struct {
	Account         string
	Signature       string
	Slot            uint64
	CheckedUpToSlot uint64
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("%v: account %s signature %s slot %d <= checked_up_to_slot %d",
		ErrSlotMonotonicityViolation, e.Account, e.Signature, e.Slot, e.CheckedUpToSlot)
}

func (e *InvariantViolationError) Unwrap() error {
	return ErrSlotMonotonicityViolation
}

// Store is the persistence surface a watcher needs.
type Store interface {
	GetWatcher(ctx context.Context, account string) (*db.WatcherRecord, error)
	SaveWatcher(ctx context.Context, rec db.WatcherRecord) error
	UpdateWatcherStatus(ctx context.Context, account, status string) error
	GetTransaction(ctx context.Context, signature string) (*db.StoredTransaction, error)
	UpsertTransaction(ctx context.Context, tx db.StoredTransaction) (bool, error)
	LinkWatcherTransaction(ctx context.Context, watcherAccount, signature string, slot uint64) error
}

// Normalizer produces canonical transactions for signatures.
type Normalizer interface {
	Normalize(ctx context.Context, signature string) (*ingest.Transaction, error)
}

// SignatureSource lists signatures newer than a cursor, oldest-first.
// discovery.Discoverer satisfies it.
type SignatureSource interface {
	SignaturesSince(ctx context.Context, account solanago.PublicKey, until *solanago.Signature) ([]*rpc.TransactionSignature, error)
}

// Watcher ingests one account's transaction history. All watcher-row
// mutations go through its owning task; the pass re-reads the row before
// each slot as a best-effort guard against external mutation, not a
// distributed lock.
type Watcher struct {
	account    solanago.PublicKey
	store      Store
	source     SignatureSource
	normalizer Normalizer
	publisher  events.Publisher // may be nil
	logger     *slog.Logger
	metrics    *metrics.Metrics
	interval   time.Duration
	onFatal    func(error)

	status      atomic.Int32
	passRunning atomic.Bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// Config collects a Watcher's dependencies.
type Config struct {
	Account    solanago.PublicKey
	Store      Store
	Source     SignatureSource
	Normalizer Normalizer
	Publisher  events.Publisher
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Interval   time.Duration
	// OnFatal is invoked (once) when a pass hits a fatal invariant
	// violation. Optional.
	OnFatal func(error)
}

// New creates a stopped Watcher.
func New(cfg Config) *Watcher {
	return &Watcher{
		account:    cfg.Account,
		store:      cfg.Store,
		source:     cfg.Source,
		normalizer: cfg.Normalizer,
		publisher:  cfg.Publisher,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		interval:   cfg.Interval,
		onFatal:    cfg.OnFatal,
	}
}

// Account returns the watched account.
func (w *Watcher) Account() string {
	return w.account.String()
}

// Status returns the watcher's current status as a string.
func (w *Watcher) Status() string {
	return statusString(w.status.Load())
}

// Start runs one synchronous ingestion pass, then schedules repeating
// passes on the configured interval. It rejects a watcher that is not
// stopped.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.status.CompareAndSwap(StatusStopped, StatusStarting) {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)

	if err := w.ensureRecord(runCtx); err != nil {
		cancel()
		w.status.Store(StatusStopped)
		return err
	}

	if err := w.runPass(runCtx); err != nil {
		if errors.Is(err, ErrSlotMonotonicityViolation) {
			cancel()
			w.status.Store(StatusStopped)
			return err
		}
		// Non-fatal first-pass errors leave the watcher running; the next
		// tick retries from the persisted watermark.
		w.logger.WarnContext(runCtx, "initial ingestion pass failed",
			"account", w.Account(),
			"error", err,
		)
	}

	// cancel and done are published only once the loop is guaranteed to
	// start, so a failed Start leaves nothing for Stop to wait on.
	w.cancel = cancel
	w.done = make(chan struct{})
	w.status.Store(StatusRunning)
	go w.loop(runCtx)
	return nil
}

// Stop cancels the watcher and waits for its loop to exit. Cancellation is
// observed at the top of each pass and between signatures; it does not
// pre-empt work already handed to the store.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	defer w.status.Store(StatusStopped)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.markStopped()
			return
		case <-ticker.C:
			err := w.runPass(ctx)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrSlotMonotonicityViolation) {
				if w.onFatal != nil {
					w.onFatal(err)
				}
				w.markStopped()
				return
			}
			if ctx.Err() != nil {
				w.markStopped()
				return
			}
			w.logger.ErrorContext(ctx, "ingestion pass failed",
				"account", w.Account(),
				"error", err,
			)
		}
	}
}

// markStopped best-effort persists the stopped status.
func (w *Watcher) markStopped() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.UpdateWatcherStatus(ctx, w.Account(), "stopped"); err != nil {
		w.logger.Warn("failed to persist stopped status",
			"account", w.Account(),
			"error", err,
		)
	}
}

// runPass wraps pass with the non-overlap guard and metrics.
func (w *Watcher) runPass(ctx context.Context) error {
	if !w.passRunning.CompareAndSwap(false, true) {
		w.logger.DebugContext(ctx, "previous pass still running, skipping",
			"account", w.Account(),
		)
		return nil
	}
	defer w.passRunning.Store(false)

	err := w.pass(ctx)
	if w.metrics != nil {
		status := "success"
		switch {
		case errors.Is(err, ErrSlotMonotonicityViolation):
			status = "fatal"
		case err != nil:
			status = "error"
		}
		w.metrics.RecordWatcherPass(w.Account(), status)
	}
	return err
}

// ensureRecord creates the watcher row on first start.
func (w *Watcher) ensureRecord(ctx context.Context) error {
	rec, err := w.store.GetWatcher(ctx, w.Account())
	if err != nil {
		return fmt.Errorf("loading watcher record: %w", err)
	}
	if rec != nil {
		return w.store.UpdateWatcherStatus(ctx, w.Account(), "running")
	}
	return w.store.SaveWatcher(ctx, db.WatcherRecord{
		Account:      w.Account(),
		LogicVersion: ingest.LogicVersion,
		Status:       "running",
	})
}

// pass ingests every signature newer than the persisted latestSignature in
// ascending slot order. The watermark for a slot is advanced only after all
// of that slot's transactions are durably upserted, so a crash mid-pass
// re-processes at most the last partially-committed slot, never skips one.
func (w *Watcher) pass(ctx context.Context) error {
	rec, err := w.store.GetWatcher(ctx, w.Account())
	if err != nil {
		return fmt.Errorf("loading watcher record: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("watcher record for %s missing", w.Account())
	}

	var until *solanago.Signature
	if rec.LatestSignature != nil {
		sig, err := solanago.SignatureFromBase58(*rec.LatestSignature)
		if err != nil {
			return fmt.Errorf("persisted latest signature %q is invalid: %w", *rec.LatestSignature, err)
		}
		until = &sig
	}

	candidates, err := w.source.SignaturesSince(ctx, w.account, until)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	state := *rec
	i := 0
	for i < len(candidates) {
		if err := ctx.Err(); err != nil {
			// Stopped mid-pass: abandon the remaining candidates without
			// advancing. The next pass resumes from the persisted
			// watermark; data is only re-scanned, never lost.
			return err
		}

		slot := candidates[i].Slot

		// Re-read the persisted watermark before each slot. This guards
		// against concurrent external mutation of the watcher row; it is a
		// best-effort check, not a distributed lock, and is only sound at
		// single-instance deployment scale.
		current, err := w.store.GetWatcher(ctx, w.Account())
		if err != nil {
			return fmt.Errorf("re-reading watcher record: %w", err)
		}
		if current != nil && slot <= current.CheckedUpToSlot {
			if w.metrics != nil {
				w.metrics.RecordInvariantViolation(w.Account())
			}
			return &InvariantViolationError{
				Account:         w.Account(),
				Signature:       candidates[i].Signature.String(),
				Slot:            slot,
				CheckedUpToSlot: current.CheckedUpToSlot,
			}
		}

		// Process every candidate in this slot, then advance the watermark
		// past it in one write.
		for i < len(candidates) && candidates[i].Slot == slot {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := w.ingestSignature(ctx, candidates[i], &state); err != nil {
				return err
			}
			i++
		}

		state.CheckedUpToSlot = slot
		state.LogicVersion = ingest.LogicVersion
		state.Status = "running"
		if err := w.store.SaveWatcher(ctx, state); err != nil {
			return fmt.Errorf("advancing watermark: %w", err)
		}
	}

	w.logger.InfoContext(ctx, "ingestion pass complete",
		"account", w.Account(),
		"processed", len(candidates),
		"checked_up_to_slot", state.CheckedUpToSlot,
	)
	return nil
}

// ingestSignature normalizes and persists one signature, links it to this
// watcher, and advances the in-memory signature cursors.
func (w *Watcher) ingestSignature(ctx context.Context, sig *rpc.TransactionSignature, state *db.WatcherRecord) error {
	signature := sig.Signature.String()

	stored, err := w.store.GetTransaction(ctx, signature)
	if err != nil {
		return fmt.Errorf("loading transaction %s: %w", signature, err)
	}

	if stored == nil || stored.LogicVersion < ingest.LogicVersion {
		tx, err := w.normalizer.Normalize(ctx, signature)
		if err != nil {
			return fmt.Errorf("normalizing %s: %w", signature, err)
		}

		payload, err := ingest.Marshal(tx)
		if err != nil {
			return fmt.Errorf("marshaling %s: %w", signature, err)
		}

		row := db.StoredTransaction{
			Signature:    signature,
			Slot:         sig.Slot,
			LogicVersion: ingest.LogicVersion,
			Payload:      payload,
		}
		if sig.BlockTime != nil {
			t := sig.BlockTime.Time()
			row.BlockTime = &t
		}

		wrote, err := w.store.UpsertTransaction(ctx, row)
		if err != nil {
			return fmt.Errorf("upserting transaction %s: %w", signature, err)
		}

		if wrote && w.publisher != nil {
			event := &events.TransactionEvent{
				Account:      w.Account(),
				Signature:    signature,
				Slot:         sig.Slot,
				BlockTime:    row.BlockTime,
				LogicVersion: ingest.LogicVersion,
				Transaction:  json.RawMessage(payload),
				PublishedAt:  time.Now().UTC(),
			}
			if err := w.publisher.PublishTransaction(ctx, event); err != nil {
				// Publishing is best-effort; the canonical row is durable
				// and downstream consumers can re-read from the store.
				w.logger.WarnContext(ctx, "failed to publish transaction event",
					"signature", signature,
					"error", err,
				)
			}
		}
	}

	if err := w.store.LinkWatcherTransaction(ctx, w.Account(), signature, sig.Slot); err != nil {
		return fmt.Errorf("linking transaction %s: %w", signature, err)
	}

	state.LatestSignature = &signature
	if state.FirstSignature == nil {
		state.FirstSignature = &signature
	}
	return nil
}
