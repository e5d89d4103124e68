package domain

import "fmt"

// State is the lifecycle state of a tag. Only the four constants below are valid.
type State string

const (
	StatePending  State = "pending"
	StatePaid     State = "paid"
	StateCanceled State = "canceled"
	StateExpired  State = "expired"
)

// ParseState rejects anything other than the four lifecycle states.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StatePending, StatePaid, StateCanceled, StateExpired:
		return State(s), nil
	}
	return "", fmt.Errorf("invalid tag state %q", s)
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StatePaid || s == StateCanceled || s == StateExpired
}

func (s State) String() string { return string(s) }

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Settlement is recorded when a tag transitions to paid.
type Settlement struct {
	Reference string `json:"reference"`
	Height    uint64 `json:"height"`
}

type Tag struct {
	ID         uint64      `json:"id"`
	Creator    string      `json:"creator"`
	Recipient  string      `json:"recipient"`
	Amount     uint64      `json:"amount"`
	CreatedAt  uint64      `json:"created_at"`
	ExpiresAt  uint64      `json:"expires_at"`
	Memo       *string     `json:"memo,omitempty"`
	State      State       `json:"state" enum:"pending,paid,canceled,expired"`
	Settlement *Settlement `json:"settlement,omitempty"`
}

// Event is a committed lifecycle record. Payload holds the JSON body.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	TagID   uint64 `json:"tag_id,omitempty"`
	ActorID string `json:"actor_id"`
	Height  uint64 `json:"height"`
	Payload string `json:"payload_json"`
}

// Info summarizes the registry.
type Info struct {
	TotalTags uint64 `json:"total_tags"`
	Paused    bool   `json:"paused"`
	Version   string `json:"version"`
}

type APIKey struct {
	ID        string `json:"id"`
	PartyID   string `json:"party_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Transfer is one settled movement in the local ledger.
type Transfer struct {
	Reference string `json:"reference"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
	TS        string `json:"ts" format:"date-time"`
}
