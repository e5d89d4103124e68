package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"paytag/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q routes through tx when one is open so reads see uncommitted writes of the same call.
func (r Repo) q(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const tagColumns = `id,creator,recipient,amount,created_at,expires_at,memo,state,settlement_ref,settled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTag(row rowScanner) (domain.Tag, error) {
	var (
		t                  domain.Tag
		id, amount         int64
		createdAt, expires int64
		memo, ref, state   sql.NullString
		settledAt          sql.NullInt64
	)
	if err := row.Scan(&id, &t.Creator, &t.Recipient, &amount, &createdAt, &expires, &memo, &state, &ref, &settledAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	st, err := domain.ParseState(state.String)
	if err != nil {
		return t, fmt.Errorf("tag %d: %w", id, err)
	}
	t.ID = uint64(id)
	t.Amount = uint64(amount)
	t.CreatedAt = uint64(createdAt)
	t.ExpiresAt = uint64(expires)
	t.State = st
	if memo.Valid {
		m := memo.String
		t.Memo = &m
	}
	if ref.Valid && settledAt.Valid {
		t.Settlement = &domain.Settlement{Reference: ref.String, Height: uint64(settledAt.Int64)}
	}
	return t, nil
}

func (r Repo) InsertTag(ctx context.Context, tx *sql.Tx, t domain.Tag) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tags(`+tagColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		int64(t.ID), t.Creator, t.Recipient, int64(t.Amount), int64(t.CreatedAt), int64(t.ExpiresAt),
		nullableStringPtr(t.Memo), string(t.State), nil, nil)
	if err != nil {
		return fmt.Errorf("insert tag %d: %w", t.ID, err)
	}
	return nil
}

// UpdateTagState moves a pending tag to a terminal state. The WHERE clause
// refuses to touch a tag that already left pending.
func (r Repo) UpdateTagState(ctx context.Context, tx *sql.Tx, id uint64, state domain.State, settlement *domain.Settlement) error {
	var ref, settledAt any
	if settlement != nil {
		ref = settlement.Reference
		settledAt = int64(settlement.Height)
	}
	res, err := tx.ExecContext(ctx, `UPDATE tags SET state=?, settlement_ref=?, settled_at=? WHERE id=? AND state='pending'`,
		string(state), ref, settledAt, int64(id))
	if err != nil {
		return fmt.Errorf("update tag %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update tag %d: no pending row", id)
	}
	return nil
}

// GetTag reads a tag; tx may be nil.
func (r Repo) GetTag(ctx context.Context, tx *sql.Tx, id uint64) (domain.Tag, error) {
	return scanTag(r.q(tx).QueryRowContext(ctx, `SELECT `+tagColumns+` FROM tags WHERE id=?`, int64(id)))
}

// GetTags returns the tags that exist among ids, keyed by id.
func (r Repo) GetTags(ctx context.Context, ids []uint64) (map[uint64]domain.Tag, error) {
	res := make(map[uint64]domain.Tag, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	args := make([]any, 0, len(ids))
	placeholders := make([]byte, 0, len(ids)*2)
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, int64(id))
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+tagColumns+` FROM tags WHERE id IN (`+string(placeholders)+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, err
		}
		res[t.ID] = t
	}
	return res, rows.Err()
}

// TagCounter returns the last assigned tag id.
func (r Repo) TagCounter(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var n int64
	if err := r.q(tx).QueryRowContext(ctx, `SELECT tag_counter FROM registry_state WHERE id=1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("read tag counter: %w", err)
	}
	return uint64(n), nil
}

func (r Repo) SetTagCounter(ctx context.Context, tx *sql.Tx, v uint64) error {
	_, err := tx.ExecContext(ctx, `UPDATE registry_state SET tag_counter=? WHERE id=1`, int64(v))
	return err
}

func (r Repo) Paused(ctx context.Context, tx *sql.Tx) (bool, error) {
	var p int
	if err := r.q(tx).QueryRowContext(ctx, `SELECT paused FROM registry_state WHERE id=1`).Scan(&p); err != nil {
		return false, fmt.Errorf("read pause flag: %w", err)
	}
	return p != 0, nil
}

func (r Repo) SetPaused(ctx context.Context, tx *sql.Tx, paused bool) error {
	v := 0
	if paused {
		v = 1
	}
	_, err := tx.ExecContext(ctx, `UPDATE registry_state SET paused=? WHERE id=1`, v)
	return err
}

// IncrementStat bumps a counter, creating it at 1 when absent.
func (r Repo) IncrementStat(ctx context.Context, tx *sql.Tx, key string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stats(key,value) VALUES (?,1)
ON CONFLICT(key) DO UPDATE SET value=value+1`, key)
	if err != nil {
		return fmt.Errorf("increment stat %s: %w", key, err)
	}
	return nil
}

// Stat returns a counter value, 0 when the key was never written.
func (r Repo) Stat(ctx context.Context, key string) (uint64, error) {
	var v int64
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM stats WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

// Stats returns every written counter.
func (r Repo) Stats(ctx context.Context) (map[string]uint64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key, value FROM stats`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]uint64{}
	for rows.Next() {
		var k string
		var v int64
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		res[k] = uint64(v)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
