package server

import (
	"encoding/json"

	"paytag/internal/amount"
	"paytag/internal/config"
	"paytag/internal/domain"
)

// Request payloads

type CreateTagRequest struct {
	Recipient string  `json:"recipient" doc:"Party that receives the payment"`
	Amount    uint64  `json:"amount" doc:"Amount in base units"`
	Duration  uint64  `json:"duration" doc:"Blocks until the tag expires"`
	Memo      *string `json:"memo,omitempty"`
}

type BatchRequest struct {
	IDs []uint64 `json:"ids"`
}

// Response payloads

type SettlementResponse struct {
	Reference string `json:"reference"`
	Height    uint64 `json:"height"`
}

type TagResponse struct {
	ID            uint64              `json:"id"`
	Creator       string              `json:"creator"`
	Recipient     string              `json:"recipient"`
	Amount        uint64              `json:"amount"`
	AmountDisplay string              `json:"amount_display"`
	CreatedAt     uint64              `json:"created_at"`
	ExpiresAt     uint64              `json:"expires_at"`
	Memo          *string             `json:"memo,omitempty"`
	State         string              `json:"state" enum:"pending,paid,canceled,expired"`
	Settlement    *SettlementResponse `json:"settlement,omitempty"`
}

type BatchResponse struct {
	Items []*TagResponse `json:"items" nullable:"true"`
}

type CanExpireResponse struct {
	ID        uint64 `json:"id"`
	Height    uint64 `json:"height"`
	CanExpire bool   `json:"can_expire"`
}

type PartyTagsResponse struct {
	Party  string   `json:"party"`
	Role   string   `json:"role" enum:"creator,recipient"`
	TagIDs []uint64 `json:"tag_ids"`
	Count  int      `json:"count"`
}

type StatResponse struct {
	Key   string `json:"key"`
	Value uint64 `json:"value"`
}

type GovernanceResponse struct {
	Paused bool   `json:"paused"`
	Admin  string `json:"admin"`
}

type InfoResponse struct {
	TotalTags   uint64 `json:"total_tags"`
	Paused      bool   `json:"paused"`
	Version     string `json:"version"`
	Height      uint64 `json:"height"`
	TokenSymbol string `json:"token_symbol"`
	MinAmount   uint64 `json:"min_amount"`
	MaxDuration uint64 `json:"max_duration"`
}

type EventResponse struct {
	ID      int64           `json:"id"`
	TS      string          `json:"ts" format:"date-time"`
	Type    string          `json:"type"`
	TagID   uint64          `json:"tag_id,omitempty"`
	ActorID string          `json:"actor_id"`
	Height  uint64          `json:"height"`
	Payload json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	PartyID string `json:"party_id"`
	Source  string `json:"source"`
	Admin   bool   `json:"admin"`
}

func tagResponse(t domain.Tag, token config.Token) TagResponse {
	resp := TagResponse{
		ID:            t.ID,
		Creator:       t.Creator,
		Recipient:     t.Recipient,
		Amount:        t.Amount,
		AmountDisplay: amount.FormatSymbol(t.Amount, token.Decimals, token.Symbol),
		CreatedAt:     t.CreatedAt,
		ExpiresAt:     t.ExpiresAt,
		Memo:          t.Memo,
		State:         t.State.String(),
	}
	if t.Settlement != nil {
		resp.Settlement = &SettlementResponse{Reference: t.Settlement.Reference, Height: t.Settlement.Height}
	}
	return resp
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:      evt.ID,
		TS:      evt.TS,
		Type:    evt.Type,
		TagID:   evt.TagID,
		ActorID: evt.ActorID,
		Height:  evt.Height,
		Payload: payload,
	}
}

func nonNilIDs(ids []uint64) []uint64 {
	if ids == nil {
		return []uint64{}
	}
	return ids
}
