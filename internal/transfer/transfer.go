// Package transfer defines the value-transfer port the lifecycle engine settles
// tags through, plus a SQLite ledger and a mock implementation.
package transfer

import (
	"context"
	"database/sql"
	"errors"
)

// Request moves Amount base units from Sender to Recipient to settle TagID.
type Request struct {
	TagID     uint64
	Sender    string
	Recipient string
	Amount    uint64
}

// Receipt identifies a completed transfer.
type Receipt struct {
	Reference string
}

// Transferer performs one atomic transfer. tx is the registry transaction the
// call is part of; implementations backed by the same database must use it so
// the transfer commits or rolls back with the tag transition. Implementations
// talking to an external system may ignore it.
type Transferer interface {
	Transfer(ctx context.Context, tx *sql.Tx, req Request) (Receipt, error)
}

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidRequest    = errors.New("invalid transfer request")
	ErrSelfTransfer      = errors.New("sender and recipient are the same party")
)

func (r Request) validate() error {
	if r.Sender == "" || r.Recipient == "" || r.Amount == 0 {
		return ErrInvalidRequest
	}
	if r.Sender == r.Recipient {
		return ErrSelfTransfer
	}
	return nil
}
