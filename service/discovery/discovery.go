// Package discovery walks the upstream's paginated signature-history API in
// both directions: backward for historical backfill, forward for incremental
// frontfill against a persisted watermark. Both directions are idempotent
// with respect to storage and safe to re-run after a crash.
package discovery

import (
	"context"
	"fmt"
	"log/slog"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/solsink/solsink/service/db"
	"github.com/solsink/solsink/service/metrics"
)

// frontfillScanDepth bounds the safe-watermark scan. The heuristic assumes
// fewer than this many signatures share the single highest slot; when the
// scan cannot find a safe row the frontfill falls back to an unbounded
// until-cursor rather than guessing.
const frontfillScanDepth = 100

// SignaturePager is the one paging primitive both directions share.
type SignaturePager interface {
	GetSignaturesForAddress(
		ctx context.Context,
		address solanago.PublicKey,
		opts *rpc.GetSignaturesForAddressOpts,
	) ([]*rpc.TransactionSignature, error)
}

// SignatureStore is the storage surface discovery needs. Inserts are
// conflict-free: a duplicate insert is a no-op, not an error.
type SignatureStore interface {
	UpsertSignature(ctx context.Context, rec db.SignatureRecord) (bool, error)
	OldestSignature(ctx context.Context, account string) (*db.SignatureRecord, error)
	RecentSignatures(ctx context.Context, account string, limit int) ([]db.SignatureRecord, error)
}

// Result summarizes one discovery run.
type Result struct {
	Pages    int
	Fetched  int
	Inserted int
}

// Discoverer runs backfill and frontfill for individual accounts.
type Discoverer struct {
	pager     SignaturePager
	store     SignatureStore
	logger    *slog.Logger
	metrics   *metrics.Metrics
	pageLimit int
}

// NewDiscoverer creates a Discoverer. pageLimit caps each signature page
// (the upstream maximum is 1000). If m is nil, no metrics are recorded.
func NewDiscoverer(pager SignaturePager, store SignatureStore, pageLimit int, m *metrics.Metrics, logger *slog.Logger) *Discoverer {
	return &Discoverer{
		pager:     pager,
		store:     store,
		logger:    logger,
		metrics:   m,
		pageLimit: pageLimit,
	}
}

// Backfill walks history backward from the oldest stored signature for the
// account (unbounded when none is stored), inserting every page until an
// empty page signals that genesis has been reached.
func (d *Discoverer) Backfill(ctx context.Context, account solanago.PublicKey) (Result, error) {
	var res Result

	var before solanago.Signature
	oldest, err := d.store.OldestSignature(ctx, account.String())
	if err != nil {
		return res, fmt.Errorf("loading oldest signature for %s: %w", account, err)
	}
	if oldest != nil {
		before, err = solanago.SignatureFromBase58(oldest.Signature)
		if err != nil {
			return res, fmt.Errorf("stored signature %q is invalid: %w", oldest.Signature, err)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		opts := &rpc.GetSignaturesForAddressOpts{Limit: &d.pageLimit}
		if !before.IsZero() {
			opts.Before = before
		}

		page, err := d.pager.GetSignaturesForAddress(ctx, account, opts)
		if err != nil {
			return res, err
		}
		res.Pages++
		if d.metrics != nil {
			d.metrics.RecordDiscoveryPage(account.String(), "backfill")
		}

		if len(page) == 0 {
			break
		}

		inserted, err := d.insertPage(ctx, account.String(), page)
		if err != nil {
			return res, err
		}
		res.Fetched += len(page)
		res.Inserted += inserted
		if d.metrics != nil {
			d.metrics.RecordSignaturesInserted(account.String(), "backfill", inserted)
		}

		// Pages are newest-first; the last entry is the page's oldest.
		before = page[len(page)-1].Signature
	}

	d.logger.InfoContext(ctx, "backfill complete",
		"account", account.String(),
		"pages", res.Pages,
		"inserted", res.Inserted,
	)
	return res, nil
}

// Frontfill walks forward from the safe watermark, inserting every page
// until an empty page signals it has caught up.
func (d *Discoverer) Frontfill(ctx context.Context, account solanago.PublicKey) (Result, error) {
	var res Result

	watermark, err := d.safeWatermark(ctx, account.String())
	if err != nil {
		return res, err
	}

	var before solanago.Signature
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		opts := &rpc.GetSignaturesForAddressOpts{Limit: &d.pageLimit}
		if watermark != nil {
			opts.Until = *watermark
		}
		if !before.IsZero() {
			opts.Before = before
		}

		page, err := d.pager.GetSignaturesForAddress(ctx, account, opts)
		if err != nil {
			return res, err
		}
		res.Pages++
		if d.metrics != nil {
			d.metrics.RecordDiscoveryPage(account.String(), "frontfill")
		}

		if len(page) == 0 {
			break
		}

		inserted, err := d.insertPage(ctx, account.String(), page)
		if err != nil {
			return res, err
		}
		res.Fetched += len(page)
		res.Inserted += inserted
		if d.metrics != nil {
			d.metrics.RecordSignaturesInserted(account.String(), "frontfill", inserted)
		}

		before = page[len(page)-1].Signature
	}

	d.logger.DebugContext(ctx, "frontfill complete",
		"account", account.String(),
		"pages", res.Pages,
		"inserted", res.Inserted,
	)
	return res, nil
}

// SignaturesSince pages every signature for the account newer than until
// (exclusive), persisting each page idempotently, and returns the combined
// list oldest-first. Pass nil until to fetch the full visible history.
func (d *Discoverer) SignaturesSince(ctx context.Context, account solanago.PublicKey, until *solanago.Signature) ([]*rpc.TransactionSignature, error) {
	var all []*rpc.TransactionSignature

	var before solanago.Signature
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		opts := &rpc.GetSignaturesForAddressOpts{Limit: &d.pageLimit}
		if until != nil {
			opts.Until = *until
		}
		if !before.IsZero() {
			opts.Before = before
		}

		page, err := d.pager.GetSignaturesForAddress(ctx, account, opts)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		if _, err := d.insertPage(ctx, account.String(), page); err != nil {
			return nil, err
		}
		all = append(all, page...)
		before = page[len(page)-1].Signature
	}

	// Pages arrive newest-first; callers process in ascending slot order.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

// safeWatermark picks the newest stored signature not in the highest
// observed slot: that slot may still receive siblings we have not persisted,
// so paging until it would risk a gap. Returns nil when no safe row exists.
func (d *Discoverer) safeWatermark(ctx context.Context, account string) (*solanago.Signature, error) {
	recent, err := d.store.RecentSignatures(ctx, account, frontfillScanDepth)
	if err != nil {
		return nil, fmt.Errorf("loading recent signatures for %s: %w", account, err)
	}
	if len(recent) == 0 {
		return nil, nil
	}

	maxSlot := recent[0].Slot
	for _, rec := range recent {
		if rec.Slot < maxSlot {
			sig, err := solanago.SignatureFromBase58(rec.Signature)
			if err != nil {
				return nil, fmt.Errorf("stored signature %q is invalid: %w", rec.Signature, err)
			}
			return &sig, nil
		}
	}

	d.logger.WarnContext(ctx, "no stored signature below the max slot; frontfilling unbounded",
		"account", account,
		"scanned", len(recent),
		"max_slot", maxSlot,
	)
	return nil, nil
}

func (d *Discoverer) insertPage(ctx context.Context, account string, page []*rpc.TransactionSignature) (int, error) {
	inserted := 0
	for _, sig := range page {
		rec := db.SignatureRecord{
			Account:   account,
			Signature: sig.Signature.String(),
			Slot:      sig.Slot,
			Succeeded: sig.Err == nil,
		}
		if sig.BlockTime != nil {
			t := sig.BlockTime.Time()
			rec.BlockTime = &t
		}
		if sig.Err != nil {
			detail := fmt.Sprintf("%v", sig.Err)
			rec.ErrDetail = &detail
		}

		wrote, err := d.store.UpsertSignature(ctx, rec)
		if err != nil {
			return inserted, fmt.Errorf("inserting signature %s: %w", rec.Signature, err)
		}
		if wrote {
			inserted++
		}
	}
	return inserted, nil
}
