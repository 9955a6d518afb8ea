package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	solanago "github.com/gagliardetto/solana-go"

	"github.com/solsink/solsink/service/events"
	"github.com/solsink/solsink/service/ingest"
	"github.com/solsink/solsink/service/metrics"
)

// ManagerStore extends Store with the desired-set queries the
// reconciliation loop needs.
type ManagerStore interface {
	Store
	ListDesiredAccounts(ctx context.Context) ([]string, error)
	ResetWatcher(ctx context.Context, account string, logicVersion uint32) error
}

// ManagerConfig collects a Manager's dependencies.
type ManagerConfig struct {
	Store             ManagerStore
	Source            SignatureSource
	Normalizer        Normalizer
	Publisher         events.Publisher
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
	WatchInterval     time.Duration
	ReconcileInterval time.Duration
}

// Manager reconciles the set of running watchers against the declarative
// desired set in the store. Accounts added to the desired set get a watcher
// started; accounts removed get theirs stopped; watchers whose persisted
// logic version trails the current one are reset so their history is
// re-ingested under the new normalization rules.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	watchers map[string]*Watcher

	reconciling atomic.Bool
	fatalCh     chan error
}

// NewManager creates a Manager with no running watchers.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		watchers: make(map[string]*Watcher),
		fatalCh:  make(chan error, 1),
	}
}

// Run reconciles immediately, then on every tick, until the context is
// cancelled or a watcher reports a fatal invariant violation. On fatal it
// stops all watchers and returns the violation; the caller is expected to
// exit non-zero.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.reconcile(ctx); err != nil {
		m.cfg.Logger.ErrorContext(ctx, "initial reconciliation failed", "error", err)
	}

	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return ctx.Err()
		case err := <-m.fatalCh:
			m.cfg.Logger.ErrorContext(ctx, "fatal invariant violation, shutting down", "error", err)
			m.stopAll()
			return err
		case <-ticker.C:
			if err := m.reconcile(ctx); err != nil {
				m.cfg.Logger.ErrorContext(ctx, "reconciliation failed", "error", err)
			}
		}
	}
}

// WatcherCount returns the number of managed watchers.
func (m *Manager) WatcherCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

// WatcherStatus reports the status of the named watcher, or "stopped" if no
// watcher exists for the account.
func (m *Manager) WatcherStatus(account string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watchers[account]; ok {
		return w.Status()
	}
	return statusString(StatusStopped)
}

// reconcile diffs the desired set against running watchers. Overlapping
// invocations collapse to one.
func (m *Manager) reconcile(ctx context.Context) error {
	if !m.reconciling.CompareAndSwap(false, true) {
		return nil
	}
	defer m.reconciling.Store(false)

	desired, err := m.cfg.Store.ListDesiredAccounts(ctx)
	if err != nil {
		return fmt.Errorf("listing desired accounts: %w", err)
	}
	desiredSet := make(map[string]struct{}, len(desired))
	for _, a := range desired {
		desiredSet[a] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for account, w := range m.watchers {
		if _, ok := desiredSet[account]; ok {
			continue
		}
		m.cfg.Logger.InfoContext(ctx, "stopping watcher", "account", account)
		w.Stop()
		delete(m.watchers, account)
	}

	for _, account := range desired {
		if err := ctx.Err(); err != nil {
			break
		}
		if _, ok := m.watchers[account]; ok {
			continue
		}
		if err := m.startWatcher(ctx, account); err != nil {
			if errors.Is(err, ErrSlotMonotonicityViolation) {
				m.onFatal(err)
				break
			}
			m.cfg.Logger.ErrorContext(ctx, "failed to start watcher",
				"account", account,
				"error", err,
			)
		}
	}

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SetWatchersRunning(len(m.watchers))
	}
	return nil
}

// startWatcher resets stale persisted state if the logic version advanced,
// then constructs and starts the watcher. Must hold m.mu.
func (m *Manager) startWatcher(ctx context.Context, account string) error {
	pubkey, err := solanago.PublicKeyFromBase58(account)
	if err != nil {
		return fmt.Errorf("invalid account %q: %w", account, err)
	}

	rec, err := m.cfg.Store.GetWatcher(ctx, account)
	if err != nil {
		return fmt.Errorf("loading watcher record: %w", err)
	}
	if rec != nil && rec.LogicVersion < ingest.LogicVersion {
		m.cfg.Logger.InfoContext(ctx, "normalization logic advanced, resetting watcher",
			"account", account,
			"stored_logic_version", rec.LogicVersion,
			"logic_version", ingest.LogicVersion,
		)
		if err := m.cfg.Store.ResetWatcher(ctx, account, ingest.LogicVersion); err != nil {
			return fmt.Errorf("resetting watcher: %w", err)
		}
	}

	w := New(Config{
		Account:    pubkey,
		Store:      m.cfg.Store,
		Source:     m.cfg.Source,
		Normalizer: m.cfg.Normalizer,
		Publisher:  m.cfg.Publisher,
		Logger:     m.cfg.Logger,
		Metrics:    m.cfg.Metrics,
		Interval:   m.cfg.WatchInterval,
		OnFatal:    m.onFatal,
	})
	if err := w.Start(ctx); err != nil {
		return err
	}

	m.cfg.Logger.InfoContext(ctx, "started watcher", "account", account)
	m.watchers[account] = w
	return nil
}

func (m *Manager) onFatal(err error) {
	select {
	case m.fatalCh <- err:
	default:
	}
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range watchers {
		wg.Add(1)
		go func(w *Watcher) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SetWatchersRunning(0)
	}
}
