package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types, one per successful mutation.
const (
	TagCreated   = "tag_created"
	TagFulfilled = "tag_fulfilled"
	TagCanceled  = "tag_canceled"
	TagExpired   = "tag_expired"
	PauseToggled = "pause_toggled"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event row inside tx so it commits with the mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, tagID uint64, actorID string, height uint64, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,tag_id,actor_id,height,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullableID(tagID), actorID, int64(height), string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullableID(v uint64) any {
	if v == 0 {
		return nil
	}
	return int64(v)
}
