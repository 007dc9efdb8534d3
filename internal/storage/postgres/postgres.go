// Package postgres is the durable mirror of the in-memory bank. The domain
// core never touches it; the API layer writes through after each successful
// mutation and LoadBank rebuilds the bank at startup.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/paul-kang-1/simple-atm/internal/atm"
)

type Storage struct {
	db *sql.DB
}

func New(dbUrl string) (*Storage, error) {
	db, err := sql.Open("postgres", dbUrl)
	if err != nil {
		return nil, fmt.Errorf("database connection error %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect database error %w", err)
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Stop() error {
	return s.db.Close()
}

// SaveAccount inserts a freshly created account. Records are persisted
// separately as they are appended.
func (s *Storage) SaveAccount(ctx context.Context, snap atm.AccountSnapshot) error {
	const op = "storage.postgres.SaveAccount"

	stmt, err := s.db.Prepare(`INSERT INTO accounts (account_number, card_number, holder, pin_hash, balance, status)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, snap.Number, snap.CardNumber, snap.Holder, snap.PINHash, snap.Balance, snap.Status.String())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// UpdateBalance writes the absolute post-mutation balance. The in-memory
// bank is the source of truth, so no delta arithmetic happens here.
func (s *Storage) UpdateBalance(ctx context.Context, accountNumber string, balance int64) error {
	const op = "storage.postgres.UpdateBalance"

	stmt, err := s.db.Prepare("UPDATE accounts SET balance = $1 WHERE account_number = $2")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, balance, accountNumber)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) SetStatus(ctx context.Context, accountNumber string, status atm.Status) error {
	const op = "storage.postgres.SetStatus"

	stmt, err := s.db.Prepare("UPDATE accounts SET status = $1 WHERE account_number = $2")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, status.String(), accountNumber)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// SaveRecord appends one ledger entry. (account_number, seq) is unique, so a
// replayed write fails loudly instead of duplicating history.
func (s *Storage) SaveRecord(ctx context.Context, accountNumber string, rec atm.Record) error {
	const op = "storage.postgres.SaveRecord"

	stmt, err := s.db.Prepare(`INSERT INTO transactions (account_number, seq, kind, amount, balance_after, counterparty, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, accountNumber, rec.Seq, string(rec.Kind), rec.Amount, rec.BalanceAfter, rec.Counterparty, rec.Time)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// LoadBank rebuilds the in-memory bank from the accounts and transactions
// tables at startup.
func (s *Storage) LoadBank(ctx context.Context, name string, log *slog.Logger) (*atm.Bank, error) {
	const op = "storage.postgres.LoadBank"

	rows, err := s.db.QueryContext(ctx,
		"SELECT account_number, card_number, holder, pin_hash, balance, status FROM accounts ORDER BY account_number")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			log.Error("Failed to close accounts rows", "error", err)
		}
	}(rows)

	var snaps []atm.AccountSnapshot
	for rows.Next() {
		var snap atm.AccountSnapshot
		var status string
		if err := rows.Scan(&snap.Number, &snap.CardNumber, &snap.Holder, &snap.PINHash, &snap.Balance, &status); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		snap.Status = atm.ParseStatus(status)

		snap.Records, err = s.loadRecords(ctx, snap.Number, log)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("Loaded bank from database", slog.Int("accounts", len(snaps)))

	return atm.RestoreBank(name, snaps), nil
}

func (s *Storage) loadRecords(ctx context.Context, accountNumber string, log *slog.Logger) ([]atm.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, kind, amount, balance_after, counterparty, created_at FROM transactions WHERE account_number = $1 ORDER BY seq",
		accountNumber)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			log.Error("Failed to close transactions rows", "error", err)
		}
	}(rows)

	var records []atm.Record
	for rows.Next() {
		var rec atm.Record
		var kind string
		if err := rows.Scan(&rec.Seq, &kind, &rec.Amount, &rec.BalanceAfter, &rec.Counterparty, &rec.Time); err != nil {
			return nil, err
		}
		rec.Kind = atm.Kind(kind)
		records = append(records, rec)
	}
	return records, rows.Err()
}
