// Package sqlite persists ledger entries in a local SQLite database for
// embedded and single-host deployments. Appends run in one write transaction
// that rereads the account's last entry before sealing; SQLite serializes
// writers, so a pair append is atomic by construction. Timestamps are stored
// as RFC3339Nano text so they round-trip into the chain checksum unchanged.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/example/credit-ledger/internal/ledger"
)

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite database: %v", ledger.ErrStoreUnavailable, err)
	}
	// A single connection keeps write transactions strictly serialized.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			account_id    TEXT    NOT NULL,
			sequence      INTEGER NOT NULL,
			kind          TEXT    NOT NULL,
			amount        INTEGER NOT NULL,
			reference     TEXT    NOT NULL,
			ts            TEXT    NOT NULL,
			prev_checksum TEXT    NOT NULL,
			checksum      TEXT    NOT NULL,
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
	err := s.inTx(ctx, func(tx *sql.Tx) error {
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
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		e1, err = appendInTx(ctx, tx, first)
		if err != nil {
			return err
		}
		e2, err = appendInTx(ctx, tx, second)
		return err
	})
	if err != nil {
		return ledger.Entry{}, ledger.Entry{}, err
	}
	return e1, e2, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", ledger.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ledger.ErrStoreUnavailable, err)
	}
	return nil
}

func appendInTx(ctx context.Context, tx *sql.Tx, d ledger.Draft) (ledger.Entry, error) {
	last, hasLast, err := scanLast(tx.QueryRowContext(ctx, `
		SELECT account_id, sequence, kind, amount, reference, ts, prev_checksum, checksum
		FROM ledger_entries
		WHERE account_id = ?
		ORDER BY sequence DESC
		LIMIT 1
	`, d.AccountID))
	if err != nil {
		return ledger.Entry{}, err
	}

	e := ledger.Seal(d, last, hasLast)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (account_id, sequence, kind, amount, reference, ts, prev_checksum, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.AccountID, e.Sequence, string(e.Kind), e.Amount, e.Reference,
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.PrevChecksum, e.Checksum)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("%w: insert entry: %v", ledger.ErrStoreUnavailable, err)
	}
	return e, nil
}

func scanLast(row *sql.Row) (ledger.Entry, bool, error) {
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Entry{}, false, nil
		}
		return ledger.Entry{}, false, err
	}
	return e, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (ledger.Entry, error) {
	var e ledger.Entry
	var kind, ts string
	if err := row.Scan(
		&e.AccountID, &e.Sequence, &kind, &e.Amount,
		&e.Reference, &ts, &e.PrevChecksum, &e.Checksum,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Entry{}, err
		}
		return ledger.Entry{}, fmt.Errorf("%w: scan entry: %v", ledger.ErrStoreUnavailable, err)
	}

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("%w: parse timestamp %q: %v", ledger.ErrStoreUnavailable, ts, err)
	}
	e.Kind = ledger.Kind(kind)
	e.Timestamp = parsed
	return e, nil
}

func (s *Store) List(ctx context.Context, accountID string, sinceSeq int64) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, sequence, kind, amount, reference, ts, prev_checksum, checksum
		FROM ledger_entries
		WHERE account_id = ? AND sequence >= ?
		ORDER BY sequence ASC
	`, accountID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("%w: query entries: %v", ledger.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate entries: %v", ledger.ErrStoreUnavailable, err)
	}
	return entries, nil
}

func (s *Store) Last(ctx context.Context, accountID string) (ledger.Entry, bool, error) {
	return scanLast(s.db.QueryRowContext(ctx, `
		SELECT account_id, sequence, kind, amount, reference, ts, prev_checksum, checksum
		FROM ledger_entries
		WHERE account_id = ?
		ORDER BY sequence DESC
		LIMIT 1
	`, accountID))
}

func (s *Store) Accounts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
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

func (s *Store) Close() error {
	return s.db.Close()
}

var _ ledger.EntryStore = (*Store)(nil)
