package transfer_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paytag/internal/db"
	"paytag/internal/migrate"
	"paytag/internal/transfer"
)

func newLedger(t *testing.T) transfer.Ledger {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return transfer.Ledger{DB: conn}
}

func TestLedgerTransferMovesFunds(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	_, err := l.Mint(ctx, "payer", 5000)
	require.NoError(t, err)

	tx, err := l.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	receipt, err := l.Transfer(ctx, tx, transfer.Request{TagID: 1, Sender: "payer", Recipient: "merchant", Amount: 1200})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.Reference)
	require.NoError(t, tx.Commit())

	bal, err := l.Balance(ctx, "payer")
	require.NoError(t, err)
	assert.Equal(t, uint64(3800), bal)
	bal, err = l.Balance(ctx, "merchant")
	require.NoError(t, err)
	assert.Equal(t, uint64(1200), bal)

	history, err := l.Transfers(ctx, "merchant", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, receipt.Reference, history[0].Reference)
}

func TestLedgerTransferRollsBackWithTransaction(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	_, err := l.Mint(ctx, "payer", 1000)
	require.NoError(t, err)

	tx, err := l.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = l.Transfer(ctx, tx, transfer.Request{TagID: 1, Sender: "payer", Recipient: "merchant", Amount: 400})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	bal, err := l.Balance(ctx, "payer")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), bal)
}

func TestLedgerInsufficientFunds(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	tx, err := l.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = l.Transfer(ctx, tx, transfer.Request{TagID: 1, Sender: "broke", Recipient: "merchant", Amount: 1})
	require.True(t, errors.Is(err, transfer.ErrInsufficientFunds))

	_, err = l.Transfer(ctx, tx, transfer.Request{TagID: 1, Sender: "broke", Recipient: "merchant"})
	require.ErrorIs(t, err, transfer.ErrInvalidRequest)
}

func TestTransferToSelfRejected(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	_, err := l.Mint(ctx, "payer", 1000)
	require.NoError(t, err)

	tx, err := l.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = l.Transfer(ctx, tx, transfer.Request{TagID: 1, Sender: "payer", Recipient: "payer", Amount: 400})
	require.ErrorIs(t, err, transfer.ErrSelfTransfer)

	_, err = transfer.NewMock().Transfer(ctx, nil, transfer.Request{TagID: 1, Sender: "payer", Recipient: "payer", Amount: 400})
	require.ErrorIs(t, err, transfer.ErrSelfTransfer)
}

func TestMockRecordsCalls(t *testing.T) {
	m := transfer.NewMock()
	_, err := m.Transfer(context.Background(), nil, transfer.Request{TagID: 7, Sender: "a", Recipient: "b", Amount: 3})
	require.NoError(t, err)
	m.Fail(errors.New("node offline"))
	_, err = m.Transfer(context.Background(), nil, transfer.Request{TagID: 8, Sender: "a", Recipient: "b", Amount: 3})
	require.Error(t, err)
	calls := m.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, uint64(7), calls[0].TagID)
}
