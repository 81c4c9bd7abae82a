// Package postgres persists ledger entries in PostgreSQL. Every append runs
// in a SERIALIZABLE transaction that rereads the account's last entry before
// sealing, so sequence assignment and the chain link are decided inside the
// commit boundary. Serialization failures (SQLSTATE 40001) are retried a
// bounded number of times; the reread makes the retry idempotent.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/credit-ledger/internal/ledger"
)

const (
	maxRetries   = 3
	queryTimeout = 5 * time.Second
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the entry table when it does not exist yet. The
// primary key on (account_id, sequence) is what makes a duplicate append
// impossible at the durable layer.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			account_id    TEXT        NOT NULL,
			sequence      BIGINT      NOT NULL,
			kind          TEXT        NOT NULL,
			amount        BIGINT      NOT NULL,
			reference     TEXT        NOT NULL,
			ts            TIMESTAMPTZ NOT NULL,
			prev_checksum TEXT        NOT NULL,
			checksum      TEXT        NOT NULL,
			PRIMARY KEY (account_id, sequence)
		)
	`)
	if err != nil {
		return fmt.Errorf("%w: create schema: %v", ledger.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, d ledger.Draft) (ledger.Entry, error) {
	var entry ledger.Entry
	err := s.withSerializableTx(ctx, func(tx pgx.Tx) error {
		var err error
		entry, err = appendInTx(ctx, tx, d)
		return err
	})
	if err != nil {
		return ledger.Entry{}, err
	}
	return entry, nil
}

func (s *Store) AppendPair(ctx context.Context, first, second ledger.Draft) (ledger.Entry, ledger.Entry, error) {
	var e1, e2 ledger.Entry
	err := s.withSerializableTx(ctx, func(tx pgx.Tx) error {
		var err error
		e1, err = appendInTx(ctx, tx, first)
		if err != nil {
			return err
		}
		e2, err = appendInTx(ctx, tx, second)
		return err
	})
	if err != nil {
		// The transaction rolled back as a whole, so no split commit is
		// possible here; both entries are simply absent.
		return ledger.Entry{}, ledger.Entry{}, err
	}
	return e1, e2, nil
}

// withSerializableTx runs fn in a SERIALIZABLE transaction with a bounded
// retry on serialization failure.
func (s *Store) withSerializableTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := s.runTx(ctx, fn)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "40001" {
				if attempt == maxRetries-1 {
					return fmt.Errorf("%w: %d serialization failures: %v", ledger.ErrStoreUnavailable, maxRetries, err)
				}
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return err
		}
		return nil
	}
	return nil
}

func (s *Store) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	conn, err := s.pool.Acquire(queryCtx)
	if err != nil {
		return fmt.Errorf("%w: acquire connection: %v", ledger.ErrStoreUnavailable, err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", ledger.ErrStoreUnavailable, err)
	}
	defer tx.Rollback(queryCtx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(queryCtx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "40001" {
			return err
		}
		return fmt.Errorf("%w: commit: %v", ledger.ErrStoreUnavailable, err)
	}
	return nil
}

func appendInTx(ctx context.Context, tx pgx.Tx, d ledger.Draft) (ledger.Entry, error) {
	var last ledger.Entry
	hasLast := true

	err := tx.QueryRow(ctx, `
		SELECT account_id, sequence, kind, amount, reference, ts, prev_checksum, checksum
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY sequence DESC
		LIMIT 1
		FOR UPDATE
	`, d.AccountID).Scan(
		&last.AccountID, &last.Sequence, &last.Kind, &last.Amount,
		&last.Reference, &last.Timestamp, &last.PrevChecksum, &last.Checksum,
	)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return ledger.Entry{}, fmt.Errorf("%w: read last entry: %v", ledger.ErrStoreUnavailable, err)
		}
		hasLast = false
	}

	e := ledger.Seal(d, last, hasLast)

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_entries (account_id, sequence, kind, amount, reference, ts, prev_checksum, checksum)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.AccountID, e.Sequence, e.Kind, e.Amount, e.Reference, e.Timestamp, e.PrevChecksum, e.Checksum)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("%w: insert entry: %v", ledger.ErrStoreUnavailable, err)
	}
	return e, nil
}

func (s *Store) List(ctx context.Context, accountID string, sinceSeq int64) ([]ledger.Entry, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.pool.Query(queryCtx, `
		SELECT account_id, sequence, kind, amount, reference, ts, prev_checksum, checksum
		FROM ledger_entries
		WHERE account_id = $1 AND sequence >= $2
		ORDER BY sequence ASC
	`, accountID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("%w: query entries: %v", ledger.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		if err := rows.Scan(
			&e.AccountID, &e.Sequence, &e.Kind, &e.Amount,
			&e.Reference, &e.Timestamp, &e.PrevChecksum, &e.Checksum,
		); err != nil {
			return nil, fmt.Errorf("%w: scan entry: %v", ledger.ErrStoreUnavailable, err)
		}
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate entries: %v", ledger.ErrStoreUnavailable, err)
	}
	return entries, nil
}

func (s *Store) Last(ctx context.Context, accountID string) (ledger.Entry, bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var e ledger.Entry
	err := s.pool.QueryRow(queryCtx, `
		SELECT account_id, sequence, kind, amount, reference, ts, prev_checksum, checksum
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, accountID).Scan(
		&e.AccountID, &e.Sequence, &e.Kind, &e.Amount,
		&e.Reference, &e.Timestamp, &e.PrevChecksum, &e.Checksum,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Entry{}, false, nil
		}
		return ledger.Entry{}, false, fmt.Errorf("%w: read last entry: %v", ledger.ErrStoreUnavailable, err)
	}
	e.Timestamp = e.Timestamp.UTC()
	return e, true, nil
}

func (s *Store) Accounts(ctx context.Context) ([]string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.pool.Query(queryCtx, `
		SELECT DISTINCT account_id FROM ledger_entries ORDER BY account_id
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: query accounts: %v", ledger.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan account: %v", ledger.ErrStoreUnavailable, err)
		}
		accounts = append(accounts, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate accounts: %v", ledger.ErrStoreUnavailable, err)
	}
	return accounts, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

var _ ledger.EntryStore = (*Store)(nil)
