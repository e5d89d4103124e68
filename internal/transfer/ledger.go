package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"paytag/internal/domain"
)

// Ledger keeps balances in the registry database. Transfers run inside the
// caller's transaction.
type Ledger struct {
	DB     *sql.DB
	Now    func() time.Time
	Logger *slog.Logger
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Ledger) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l Ledger) Transfer(ctx context.Context, tx *sql.Tx, req Request) (Receipt, error) {
	if err := req.validate(); err != nil {
		return Receipt{}, err
	}
	if tx == nil {
		return Receipt{}, errors.New("ledger transfer requires a transaction")
	}
	bal, err := balance(ctx, tx, req.Sender)
	if err != nil {
		return Receipt{}, err
	}
	if bal < req.Amount {
		return Receipt{}, fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientFunds, req.Sender, bal, req.Amount)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE balances SET amount=amount-? WHERE party=?`, int64(req.Amount), req.Sender); err != nil {
		return Receipt{}, fmt.Errorf("debit %s: %w", req.Sender, err)
	}
	if err := credit(ctx, tx, req.Recipient, req.Amount); err != nil {
		return Receipt{}, err
	}
	ref := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `INSERT INTO transfers(reference,sender,recipient,amount,ts) VALUES (?,?,?,?,?)`,
		ref, req.Sender, req.Recipient, int64(req.Amount), l.now().UTC().Format(time.RFC3339)); err != nil {
		return Receipt{}, fmt.Errorf("record transfer: %w", err)
	}
	l.logger().Debug("ledger transfer staged", "reference", ref, "tag_id", req.TagID, "sender", req.Sender, "recipient", req.Recipient, "amount", req.Amount)
	return Receipt{Reference: ref}, nil
}

// Mint credits party out of thin air. Local networks use it to fund test parties.
func (l Ledger) Mint(ctx context.Context, party string, amount uint64) (uint64, error) {
	if party == "" || amount == 0 {
		return 0, ErrInvalidRequest
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if err := credit(ctx, tx, party, amount); err != nil {
		return 0, err
	}
	bal, err := balance(ctx, tx, party)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	l.logger().Info("ledger mint", "party", party, "amount", amount, "balance", bal)
	return bal, nil
}

func (l Ledger) Balance(ctx context.Context, party string) (uint64, error) {
	var amount int64
	err := l.DB.QueryRowContext(ctx, `SELECT amount FROM balances WHERE party=?`, party).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return uint64(amount), err
}

// Transfers lists recorded transfers involving party, newest first.
func (l Ledger) Transfers(ctx context.Context, party string, limit int) ([]domain.Transfer, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT reference,sender,recipient,amount,ts FROM transfers
WHERE sender=? OR recipient=? ORDER BY ts DESC, rowid DESC LIMIT ?`, party, party, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transfer
	for rows.Next() {
		var t domain.Transfer
		var amount int64
		if err := rows.Scan(&t.Reference, &t.Sender, &t.Recipient, &amount, &t.TS); err != nil {
			return nil, err
		}
		t.Amount = uint64(amount)
		res = append(res, t)
	}
	return res, rows.Err()
}

func balance(ctx context.Context, tx *sql.Tx, party string) (uint64, error) {
	var amount int64
	err := tx.QueryRowContext(ctx, `SELECT amount FROM balances WHERE party=?`, party).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance of %s: %w", party, err)
	}
	return uint64(amount), nil
}

func credit(ctx context.Context, tx *sql.Tx, party string, amount uint64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO balances(party,amount) VALUES (?,?)
ON CONFLICT(party) DO UPDATE SET amount=amount+excluded.amount`, party, int64(amount))
	if err != nil {
		return fmt.Errorf("credit %s: %w", party, err)
	}
	return nil
}
