package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Role selects one of the two party indexes.
type Role string

const (
	RoleCreator   Role = "creator"
	RoleRecipient Role = "recipient"
)

// ErrIndexFull is returned when a party already holds the maximum number of entries.
var ErrIndexFull = errors.New("party index full")

// AppendIndex adds tagID to the party's list for role, unless the list is at capacity.
func (r Repo) AppendIndex(ctx context.Context, tx *sql.Tx, role Role, party string, tagID uint64, capacity int) error {
	count, err := r.indexCount(ctx, tx, role, party)
	if err != nil {
		return err
	}
	if count >= capacity {
		return fmt.Errorf("%s index for %s: %w", role, party, ErrIndexFull)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO party_index(role,party,position,tag_id) VALUES (?,?,?,?)`,
		string(role), party, count, int64(tagID)); err != nil {
		return fmt.Errorf("append %s index: %w", role, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO party_index_counts(role,party,count) VALUES (?,?,1)
ON CONFLICT(role,party) DO UPDATE SET count=count+1`, string(role), party); err != nil {
		return fmt.Errorf("bump %s index count: %w", role, err)
	}
	return nil
}

func (r Repo) indexCount(ctx context.Context, tx *sql.Tx, role Role, party string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT count FROM party_index_counts WHERE role=? AND party=?`, string(role), party).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// ListIndex returns tag ids in insertion order; unknown parties yield an empty list.
func (r Repo) ListIndex(ctx context.Context, role Role, party string) ([]uint64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tag_id FROM party_index WHERE role=? AND party=? ORDER BY position`, string(role), party)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []uint64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, uint64(id))
	}
	return ids, rows.Err()
}

// IndexCount returns the running count kept alongside the list.
func (r Repo) IndexCount(ctx context.Context, role Role, party string) (int, error) {
	return r.indexCount(ctx, nil, role, party)
}
