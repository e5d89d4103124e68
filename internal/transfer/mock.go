package transfer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
)

// Mock records every transfer and succeeds unless Fail is set.
type Mock struct {
	mu    sync.Mutex
	calls []Request
	fail  error
}

func NewMock() *Mock { return &Mock{} }

// Fail makes subsequent transfers return err; nil restores success.
func (m *Mock) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *Mock) Transfer(_ context.Context, _ *sql.Tx, req Request) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	slog.Debug("mock transfer", "tag_id", req.TagID, "sender", req.Sender, "recipient", req.Recipient, "amount", req.Amount)
	if err := req.validate(); err != nil {
		return Receipt{}, err
	}
	if m.fail != nil {
		return Receipt{}, m.fail
	}
	return Receipt{Reference: fmt.Sprintf("mock-%d-%d", req.TagID, len(m.calls))}, nil
}

// Calls returns a copy of the requests seen so far.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}
