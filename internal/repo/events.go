package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"paytag/internal/domain"
)

// EventFilters narrows event listings. Zero values match everything.
type EventFilters struct {
	Type  string
	TagID uint64
	Actor string
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e      domain.Event
			tagID  sql.NullInt64
			height int64
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &tagID, &e.ActorID, &height, &e.Payload); err != nil {
			return nil, err
		}
		if tagID.Valid {
			e.TagID = uint64(tagID.Int64)
		}
		e.Height = uint64(height)
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns newest-first events older than cursor (0 = from the top).
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.TagID != 0 {
		clauses = append(clauses, "tag_id=?")
		args = append(args, int64(f.TagID))
	}
	if f.Actor != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.Actor)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,tag_id,actor_id,height,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns oldest-first events with id greater than cursor.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,tag_id,actor_id,height,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
