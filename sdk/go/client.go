package paytagsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Paytag HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Settlement struct {
	Reference string `json:"reference"`
	Height    uint64 `json:"height"`
}

// Tag mirrors the API tag model.
type Tag struct {
	ID            uint64      `json:"id"`
	Creator       string      `json:"creator"`
	Recipient     string      `json:"recipient"`
	Amount        uint64      `json:"amount"`
	AmountDisplay string      `json:"amount_display"`
	CreatedAt     uint64      `json:"created_at"`
	ExpiresAt     uint64      `json:"expires_at"`
	Memo          *string     `json:"memo,omitempty"`
	State         string      `json:"state"`
	Settlement    *Settlement `json:"settlement,omitempty"`
}

type CreateTag struct {
	Recipient string  `json:"recipient"`
	Amount    uint64  `json:"amount"`
	Duration  uint64  `json:"duration"`
	Memo      *string `json:"memo,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	TagID   uint64         `json:"tag_id,omitempty"`
	ActorID string         `json:"actor_id"`
	Height  uint64         `json:"height"`
	Payload map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type Info struct {
	TotalTags   uint64 `json:"total_tags"`
	Paused      bool   `json:"paused"`
	Version     string `json:"version"`
	Height      uint64 `json:"height"`
	TokenSymbol string `json:"token_symbol"`
	MinAmount   uint64 `json:"min_amount"`
	MaxDuration uint64 `json:"max_duration"`
}

type Governance struct {
	Paused bool   `json:"paused"`
	Admin  string `json:"admin"`
}

// APIError wraps non-2xx responses. Code is the API error code when the body
// carries the standard envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrorCode returns the API error code carried by err, or "".
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// CreateTag asks req.Recipient to pay the authenticated party.
func (c *Client) CreateTag(ctx context.Context, req CreateTag) (Tag, error) {
	var resp Tag
	err := c.do(ctx, http.MethodPost, "tags", req, &resp)
	return resp, err
}

func (c *Client) GetTag(ctx context.Context, id uint64) (Tag, error) {
	var resp Tag
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tags/%d", id), nil, &resp)
	return resp, err
}

func (c *Client) FulfillTag(ctx context.Context, id uint64) (Tag, error) {
	return c.transition(ctx, id, "fulfill")
}

func (c *Client) CancelTag(ctx context.Context, id uint64) (Tag, error) {
	return c.transition(ctx, id, "cancel")
}

func (c *Client) ExpireTag(ctx context.Context, id uint64) (Tag, error) {
	return c.transition(ctx, id, "expire")
}

func (c *Client) transition(ctx context.Context, id uint64, op string) (Tag, error) {
	var resp Tag
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tags/%d/%s", id, op), nil, &resp)
	return resp, err
}

// CanExpire evaluates at height, or at the server's current height when 0.
func (c *Client) CanExpire(ctx context.Context, id, height uint64) (bool, error) {
	endpoint := fmt.Sprintf("tags/%d/can-expire", id)
	if height > 0 {
		endpoint += "?height=" + strconv.FormatUint(height, 10)
	}
	var resp struct {
		CanExpire bool `json:"can_expire"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.CanExpire, err
}

// GetMultiple returns one entry per id; unknown ids are nil.
func (c *Client) GetMultiple(ctx context.Context, ids []uint64) ([]*Tag, error) {
	var resp struct {
		Items []*Tag `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "tags/batch", map[string]any{"ids": ids}, &resp)
	return resp.Items, err
}

func (c *Client) CreatedBy(ctx context.Context, party string) ([]uint64, error) {
	return c.partyTags(ctx, party, "created")
}

func (c *Client) ReceivedBy(ctx context.Context, party string) ([]uint64, error) {
	return c.partyTags(ctx, party, "received")
}

func (c *Client) partyTags(ctx context.Context, party, role string) ([]uint64, error) {
	var resp struct {
		TagIDs []uint64 `json:"tag_ids"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("parties/%s/%s", url.PathEscape(party), role), nil, &resp)
	return resp.TagIDs, err
}

func (c *Client) Stats(ctx context.Context) (map[string]uint64, error) {
	resp := map[string]uint64{}
	err := c.do(ctx, http.MethodGet, "stats", nil, &resp)
	return resp, err
}

func (c *Client) Info(ctx context.Context) (Info, error) {
	var resp Info
	err := c.do(ctx, http.MethodGet, "info", nil, &resp)
	return resp, err
}

func (c *Client) Governance(ctx context.Context) (Governance, error) {
	var resp Governance
	err := c.do(ctx, http.MethodGet, "governance", nil, &resp)
	return resp, err
}

// TogglePause flips the pause flag; only the admin party may call it.
func (c *Client) TogglePause(ctx context.Context) (Governance, error) {
	var resp Governance
	err := c.do(ctx, http.MethodPost, "governance/toggle", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
