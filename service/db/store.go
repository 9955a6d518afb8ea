package db

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solsink/solsink/service/metrics"
)

//go:embed schema.sql
var schemaSQL string

// Store provides database operations for the ingestion pipeline. All writes
// are insert-if-absent or guarded upserts, so concurrent writers are
// commutative.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If m is nil, no metrics are recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SignatureRecord is one observed signature for an account. Immutable once
// observed; duplicate inserts are no-ops.
type SignatureRecord struct {
	Account   string
	Signature string
	Slot      uint64
	BlockTime *time.Time
	Succeeded bool
	ErrDetail *string
}

// WatcherRecord is the persisted state of one account watcher.
type WatcherRecord struct {
	Account         string
	LatestSignature *string
	FirstSignature  *string
	CheckedUpToSlot uint64
	LogicVersion    uint32
	Status          string
	UpdatedAt       time.Time
}

// StoredTransaction is a canonical transaction row; Payload is the
// BIGINT-encoded canonical JSON.
type StoredTransaction struct {
	Signature    string
	Slot         uint64
	BlockTime    *time.Time
	LogicVersion uint32
	Payload      []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (s *Store) record(op, table string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(op, table, time.Since(start).Seconds(), err)
	}
}

// UpsertSignature inserts a signature if absent. Returns true when a new row
// was written.
func (s *Store) UpsertSignature(ctx context.Context, rec SignatureRecord) (bool, error) {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO signatures (account, signature, slot, block_time, succeeded, err_detail)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account, signature) DO NOTHING`,
		rec.Account, rec.Signature, int64(rec.Slot),
		pgTimestamptzFromTimePtr(rec.BlockTime), rec.Succeeded, pgtextFromStringPtr(rec.ErrDetail),
	)
	s.record("upsert", "signatures", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// OldestSignature returns the oldest stored signature for an account, or nil
// when none exists.
func (s *Store) OldestSignature(ctx context.Context, account string) (*SignatureRecord, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		SELECT account, signature, slot, block_time, succeeded, err_detail
		FROM signatures
		WHERE account = $1
		ORDER BY slot ASC, signature ASC
		LIMIT 1`, account)
	rec, err := scanSignature(row)
	s.record("select", "signatures", start, ignoreNoRows(err))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// RecentSignatures returns up to limit signatures for an account, newest
// slot first.
func (s *Store) RecentSignatures(ctx context.Context, account string, limit int) ([]SignatureRecord, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT account, signature, slot, block_time, succeeded, err_detail
		FROM signatures
		WHERE account = $1
		ORDER BY slot DESC, signature DESC
		LIMIT $2`, account, limit)
	s.record("select", "signatures", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SignatureRecord
	for rows.Next() {
		rec, err := scanSignature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// SignaturesAfter returns signatures for an account with slot strictly
// greater than afterSlot, oldest first.
func (s *Store) SignaturesAfter(ctx context.Context, account string, afterSlot uint64) ([]SignatureRecord, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT account, signature, slot, block_time, succeeded, err_detail
		FROM signatures
		WHERE account = $1 AND slot > $2
		ORDER BY slot ASC, signature ASC`, account, afterSlot)
	s.record("select", "signatures", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SignatureRecord
	for rows.Next() {
		rec, err := scanSignature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// UpsertTransaction inserts a canonical transaction, or updates it when the
// stored row was derived under an older logic version. Returns true when a
// row was written.
func (s *Store) UpsertTransaction(ctx context.Context, tx StoredTransaction) (bool, error) {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (signature, slot, block_time, logic_version, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (signature) DO UPDATE
		SET slot = EXCLUDED.slot,
		    block_time = EXCLUDED.block_time,
		    logic_version = EXCLUDED.logic_version,
		    payload = EXCLUDED.payload,
		    updated_at = now()
		WHERE transactions.logic_version < EXCLUDED.logic_version`,
		tx.Signature, int64(tx.Slot), pgTimestamptzFromTimePtr(tx.BlockTime),
		int32(tx.LogicVersion), tx.Payload,
	)
	s.record("upsert", "transactions", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetTransaction retrieves a canonical transaction row by signature, or nil
// when not stored.
func (s *Store) GetTransaction(ctx context.Context, signature string) (*StoredTransaction, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		SELECT signature, slot, block_time, logic_version, payload, created_at, updated_at
		FROM transactions
		WHERE signature = $1`, signature)

	var tx StoredTransaction
	var slot int64
	var blockTime pgtype.Timestamptz
	var logicVersion int32
	var createdAt, updatedAt pgtype.Timestamptz
	err := row.Scan(&tx.Signature, &slot, &blockTime, &logicVersion, &tx.Payload, &createdAt, &updatedAt)
	s.record("select", "transactions", start, ignoreNoRows(err))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tx.Slot = uint64(slot)
	tx.BlockTime = timePtrFromPgTimestamptz(blockTime)
	tx.LogicVersion = uint32(logicVersion)
	tx.CreatedAt = createdAt.Time
	tx.UpdatedAt = updatedAt.Time
	return &tx, nil
}

// LinkWatcherTransaction records that a watcher observed a signature.
// Insert-if-absent keyed by (watcher, signature).
func (s *Store) LinkWatcherTransaction(ctx context.Context, watcherAccount, signature string, slot uint64) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO watcher_transactions (watcher_account, signature, slot)
		VALUES ($1, $2, $3)
		ON CONFLICT (watcher_account, signature) DO NOTHING`,
		watcherAccount, signature, int64(slot),
	)
	s.record("upsert", "watcher_transactions", start, err)
	return err
}

// ListTransactionsForAccountSince answers "transactions for account X since
// slot Y" through the watcher link table, without re-deriving from the
// transaction table.
func (s *Store) ListTransactionsForAccountSince(ctx context.Context, account string, sinceSlot uint64) ([]StoredTransaction, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT t.signature, t.slot, t.block_time, t.logic_version, t.payload, t.created_at, t.updated_at
		FROM watcher_transactions wt
		JOIN transactions t ON t.signature = wt.signature
		WHERE wt.watcher_account = $1 AND wt.slot > $2
		ORDER BY wt.slot ASC`, account, int64(sinceSlot))
	s.record("select", "watcher_transactions", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredTransaction
	for rows.Next() {
		var tx StoredTransaction
		var slot int64
		var blockTime, createdAt, updatedAt pgtype.Timestamptz
		var logicVersion int32
		if err := rows.Scan(&tx.Signature, &slot, &blockTime, &logicVersion, &tx.Payload, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		tx.Slot = uint64(slot)
		tx.BlockTime = timePtrFromPgTimestamptz(blockTime)
		tx.LogicVersion = uint32(logicVersion)
		tx.CreatedAt = createdAt.Time
		tx.UpdatedAt = updatedAt.Time
		out = append(out, tx)
	}
	return out, rows.Err()
}

// GetWatcher retrieves a watcher row by account, or nil when none exists.
func (s *Store) GetWatcher(ctx context.Context, account string) (*WatcherRecord, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		SELECT account, latest_signature, first_signature, checked_up_to_slot, logic_version, status, updated_at
		FROM watchers
		WHERE account = $1`, account)

	var rec WatcherRecord
	var latest, first pgtype.Text
	var checked int64
	var logicVersion int32
	var updatedAt pgtype.Timestamptz
	err := row.Scan(&rec.Account, &latest, &first, &checked, &logicVersion, &rec.Status, &updatedAt)
	s.record("select", "watchers", start, ignoreNoRows(err))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.LatestSignature = stringPtrFromPgtext(latest)
	rec.FirstSignature = stringPtrFromPgtext(first)
	rec.CheckedUpToSlot = uint64(checked)
	rec.LogicVersion = uint32(logicVersion)
	rec.UpdatedAt = updatedAt.Time
	return &rec, nil
}

// SaveWatcher upserts the full watcher row.
func (s *Store) SaveWatcher(ctx context.Context, rec WatcherRecord) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO watchers (account, latest_signature, first_signature, checked_up_to_slot, logic_version, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (account) DO UPDATE
		SET latest_signature = EXCLUDED.latest_signature,
		    first_signature = EXCLUDED.first_signature,
		    checked_up_to_slot = EXCLUDED.checked_up_to_slot,
		    logic_version = EXCLUDED.logic_version,
		    status = EXCLUDED.status,
		    updated_at = now()`,
		rec.Account, pgtextFromStringPtr(rec.LatestSignature), pgtextFromStringPtr(rec.FirstSignature),
		int64(rec.CheckedUpToSlot), int32(rec.LogicVersion), rec.Status,
	)
	s.record("upsert", "watchers", start, err)
	return err
}

// ResetWatcher zeroes a watcher's watermark fields and stamps the current
// logic version, forcing the next pass to re-ingest from scratch.
func (s *Store) ResetWatcher(ctx context.Context, account string, logicVersion uint32) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `
		UPDATE watchers
		SET latest_signature = NULL,
		    first_signature = NULL,
		    checked_up_to_slot = 0,
		    logic_version = $2,
		    updated_at = now()
		WHERE account = $1`,
		account, int32(logicVersion),
	)
	s.record("update", "watchers", start, err)
	return err
}

// UpdateWatcherStatus updates only the status field of a watcher row.
func (s *Store) UpdateWatcherStatus(ctx context.Context, account, status string) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `
		UPDATE watchers SET status = $2, updated_at = now() WHERE account = $1`,
		account, status,
	)
	s.record("update", "watchers", start, err)
	return err
}

// AddWatchedAccount adds an account to the declarative desired set.
func (s *Store) AddWatchedAccount(ctx context.Context, account string) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO watched_accounts (account) VALUES ($1)
		ON CONFLICT (account) DO NOTHING`, account)
	s.record("upsert", "watched_accounts", start, err)
	return err
}

// RemoveWatchedAccount removes an account from the desired set. The
// reconciliation loop stops its watcher on the next cycle.
func (s *Store) RemoveWatchedAccount(ctx context.Context, account string) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `DELETE FROM watched_accounts WHERE account = $1`, account)
	s.record("delete", "watched_accounts", start, err)
	return err
}

// ListDesiredAccounts returns the declarative set the reconciliation loop
// targets.
func (s *Store) ListDesiredAccounts(ctx context.Context) ([]string, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `SELECT account FROM watched_accounts ORDER BY account`)
	s.record("select", "watched_accounts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var account string
		if err := rows.Scan(&account); err != nil {
			return nil, err
		}
		out = append(out, account)
	}
	return out, rows.Err()
}

// Helper functions to convert between pgx types and domain types

type signatureScanner interface {
	Scan(dest ...any) error
}

func scanSignature(row signatureScanner) (*SignatureRecord, error) {
	var rec SignatureRecord
	var slot int64
	var blockTime pgtype.Timestamptz
	var errDetail pgtype.Text
	if err := row.Scan(&rec.Account, &rec.Signature, &slot, &blockTime, &rec.Succeeded, &errDetail); err != nil {
		return nil, err
	}
	rec.Slot = uint64(slot)
	rec.BlockTime = timePtrFromPgTimestamptz(blockTime)
	rec.ErrDetail = stringPtrFromPgtext(errDetail)
	return &rec, nil
}

func ignoreNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func pgTimestamptzFromTimePtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
