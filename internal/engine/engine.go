package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"paytag/internal/config"
	"paytag/internal/domain"
	"paytag/internal/engine/auth"
	"paytag/internal/events"
	"paytag/internal/repo"
	"paytag/internal/transfer"
)

// Version is reported by Info.
const Version = "paytag/1.0.0"

// Stat keys.
const (
	StatCreated   = "created"
	StatFulfilled = "fulfilled"
	StatCanceled  = "canceled"
	StatExpired   = "expired"
)

// StatKeys lists every counter the engine maintains.
var StatKeys = []string{StatCreated, StatFulfilled, StatCanceled, StatExpired}

// maxStored is the largest amount or height the SQL store can hold.
const maxStored = 1<<63 - 1

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Transfer transfer.Transferer
	Logger   *slog.Logger

	// mu serializes mutations across copies of the engine.
	mu *sync.Mutex
}

func (e Engine) policy() auth.Policy {
	return auth.Policy{Admin: e.Config.Registry.Admin}
}

// New wires an engine settling through the local ledger.
func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{Now: time.Now},
		Config:   cfg,
		Transfer: transfer.Ledger{DB: db},
		Logger:   slog.Default(),
		mu:       &sync.Mutex{},
	}
}

// Call carries who is acting and at which height. Heights come from the
// caller on every call; the engine keeps no clock of its own.
type Call struct {
	Caller string
	Height uint64
}

type CreateOptions struct {
	Recipient string
	Amount    uint64
	Duration  uint64
	Memo      *string
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// mutate runs fn in one transaction while holding the engine lock. Either
// everything fn wrote commits or nothing does.
func (e Engine) mutate(ctx context.Context, op string, call Call, fn func(tx *sql.Tx) error) error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	if e.mu != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		if code := CodeOf(err); code != "" {
			e.logger().Debug("call rejected", "op", op, "caller", call.Caller, "height", call.Height, "code", code, "reason", err.Error())
		}
		return err
	}
	return tx.Commit()
}

func (e Engine) loadTag(ctx context.Context, tx *sql.Tx, id uint64) (domain.Tag, error) {
	t, err := e.Repo.GetTag(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return t, newError(CodeNotFound, "tag %d not found", id)
	}
	return t, err
}

func (e Engine) checkNotPaused(ctx context.Context, tx *sql.Tx) error {
	paused, err := e.Repo.Paused(ctx, tx)
	if err != nil {
		return err
	}
	if paused {
		return ErrPaused
	}
	return nil
}

// validateCreate applies the create checks in their fixed order after the pause check.
func (e Engine) validateCreate(call Call, opts CreateOptions) error {
	reg := e.Config.Registry
	if call.Caller == "" {
		return newError(CodeUnauthorized, "caller is required")
	}
	if opts.Amount < reg.MinAmount || opts.Amount > maxStored {
		return newError(CodeInvalidAmount, "amount %d outside allowed range, minimum is %d", opts.Amount, reg.MinAmount)
	}
	if opts.Duration == 0 {
		return newError(CodeDurationExceeded, "duration must be positive")
	}
	if opts.Duration > reg.MaxDuration {
		return newError(CodeDurationExceeded, "duration %d exceeds maximum %d", opts.Duration, reg.MaxDuration)
	}
	if opts.Duration > maxStored || call.Height > maxStored-opts.Duration {
		return newError(CodeDurationExceeded, "expiry height overflows")
	}
	if opts.Recipient == "" {
		return newError(CodeInvalidRecipient, "recipient is required")
	}
	if opts.Recipient == call.Caller {
		return ErrSelfPayment
	}
	if opts.Memo != nil {
		if *opts.Memo == "" {
			return ErrEmptyMemo
		}
		if n := utf8.RuneCountInString(*opts.Memo); n > reg.MaxMemoLength {
			return newError(CodeMemoTooLong, "memo has %d characters, maximum is %d", n, reg.MaxMemoLength)
		}
	}
	return nil
}

// CreateTag registers a pending tag from call.Caller to opts.Recipient.
func (e Engine) CreateTag(ctx context.Context, call Call, opts CreateOptions) (domain.Tag, error) {
	var t domain.Tag
	err := e.mutate(ctx, "create", call, func(tx *sql.Tx) error {
		if err := e.checkNotPaused(ctx, tx); err != nil {
			return err
		}
		if err := e.validateCreate(call, opts); err != nil {
			return err
		}
		last, err := e.Repo.TagCounter(ctx, tx)
		if err != nil {
			return err
		}
		t = domain.Tag{
			ID:        last + 1,
			Creator:   call.Caller,
			Recipient: opts.Recipient,
			Amount:    opts.Amount,
			CreatedAt: call.Height,
			ExpiresAt: call.Height + opts.Duration,
			Memo:      opts.Memo,
			State:     domain.StatePending,
		}
		if err := e.Repo.InsertTag(ctx, tx, t); err != nil {
			return err
		}
		capacity := e.Config.Registry.MaxTagsPerParty
		if err := e.appendIndex(ctx, tx, repo.RoleCreator, t.Creator, t.ID, capacity); err != nil {
			return err
		}
		if err := e.appendIndex(ctx, tx, repo.RoleRecipient, t.Recipient, t.ID, capacity); err != nil {
			return err
		}
		if err := e.Repo.SetTagCounter(ctx, tx, t.ID); err != nil {
			return err
		}
		if err := e.Repo.IncrementStat(ctx, tx, StatCreated); err != nil {
			return err
		}
		payload := events.EventPayload{
			"creator":    t.Creator,
			"recipient":  t.Recipient,
			"amount":     t.Amount,
			"created_at": t.CreatedAt,
			"expires_at": t.ExpiresAt,
		}
		if t.Memo != nil {
			payload["memo"] = *t.Memo
		}
		return e.Events.Append(ctx, tx, events.TagCreated, t.ID, call.Caller, call.Height, payload)
	})
	if err != nil {
		return domain.Tag{}, err
	}
	e.logger().Info("tag created", "tag_id", t.ID, "creator", t.Creator, "recipient", t.Recipient, "amount", t.Amount, "expires_at", t.ExpiresAt)
	return t, nil
}

func (e Engine) appendIndex(ctx context.Context, tx *sql.Tx, role repo.Role, party string, id uint64, capacity int) error {
	err := e.Repo.AppendIndex(ctx, tx, role, party, id, capacity)
	if errors.Is(err, repo.ErrIndexFull) {
		return newError(CodeIndexFull, "%s index of %s holds %d tags", role, party, capacity)
	}
	return err
}

// FulfillTag pays a pending tag. The transfer runs in the same transaction as
// the state change, so a failed transfer leaves the tag pending.
func (e Engine) FulfillTag(ctx context.Context, call Call, id uint64) (domain.Tag, error) {
	var t domain.Tag
	err := e.mutate(ctx, "fulfill", call, func(tx *sql.Tx) error {
		if err := e.checkNotPaused(ctx, tx); err != nil {
			return err
		}
		var err error
		if t, err = e.loadTag(ctx, tx, id); err != nil {
			return err
		}
		if t.State != domain.StatePending {
			return newError(CodeNotPending, "tag %d is %s", id, t.State)
		}
		if call.Height >= t.ExpiresAt {
			return newError(CodeExpired, "tag %d expired at height %d", id, t.ExpiresAt)
		}
		if e.Transfer == nil {
			return errors.New("no transfer primitive configured")
		}
		receipt, err := e.Transfer.Transfer(ctx, tx, transfer.Request{
			TagID:     t.ID,
			Sender:    call.Caller,
			Recipient: t.Recipient,
			Amount:    t.Amount,
		})
		if err != nil {
			return wrapError(CodeTransferFailed, fmt.Sprintf("transfer for tag %d failed", id), err)
		}
		t.State = domain.StatePaid
		t.Settlement = &domain.Settlement{Reference: receipt.Reference, Height: call.Height}
		if err := e.Repo.UpdateTagState(ctx, tx, t.ID, t.State, t.Settlement); err != nil {
			return err
		}
		if err := e.Repo.IncrementStat(ctx, tx, StatFulfilled); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TagFulfilled, t.ID, call.Caller, call.Height, events.EventPayload{
			"payer":      call.Caller,
			"creator":    t.Creator,
			"recipient":  t.Recipient,
			"amount":     t.Amount,
			"reference":  receipt.Reference,
			"settled_at": call.Height,
		})
	})
	if err != nil {
		return domain.Tag{}, err
	}
	e.logger().Info("tag fulfilled", "tag_id", t.ID, "payer", call.Caller, "reference", t.Settlement.Reference)
	return t, nil
}

// CancelTag lets the creator withdraw a pending tag at any height.
func (e Engine) CancelTag(ctx context.Context, call Call, id uint64) (domain.Tag, error) {
	var t domain.Tag
	err := e.mutate(ctx, "cancel", call, func(tx *sql.Tx) error {
		var err error
		if t, err = e.loadTag(ctx, tx, id); err != nil {
			return err
		}
		if err := e.policy().Require(auth.PermCancelTag, call.Caller, t.Creator); err != nil {
			return wrapError(CodeUnauthorized, fmt.Sprintf("only the creator can cancel tag %d", id), err)
		}
		if t.State != domain.StatePending {
			return newError(CodeNotPending, "tag %d is %s", id, t.State)
		}
		t.State = domain.StateCanceled
		if err := e.Repo.UpdateTagState(ctx, tx, t.ID, t.State, nil); err != nil {
			return err
		}
		if err := e.Repo.IncrementStat(ctx, tx, StatCanceled); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TagCanceled, t.ID, call.Caller, call.Height, events.EventPayload{
			"creator":   t.Creator,
			"recipient": t.Recipient,
			"amount":    t.Amount,
		})
	})
	if err != nil {
		return domain.Tag{}, err
	}
	e.logger().Info("tag canceled", "tag_id", t.ID, "creator", t.Creator)
	return t, nil
}

// ExpireTag marks a pending tag expired once its height is reached. Anyone may call it.
func (e Engine) ExpireTag(ctx context.Context, call Call, id uint64) (domain.Tag, error) {
	var t domain.Tag
	err := e.mutate(ctx, "expire", call, func(tx *sql.Tx) error {
		var err error
		if t, err = e.loadTag(ctx, tx, id); err != nil {
			return err
		}
		if t.State != domain.StatePending {
			return newError(CodeNotPending, "tag %d is %s", id, t.State)
		}
		if call.Height < t.ExpiresAt {
			return newError(CodeNotYetExpired, "tag %d expires at height %d, current height %d", id, t.ExpiresAt, call.Height)
		}
		t.State = domain.StateExpired
		if err := e.Repo.UpdateTagState(ctx, tx, t.ID, t.State, nil); err != nil {
			return err
		}
		if err := e.Repo.IncrementStat(ctx, tx, StatExpired); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TagExpired, t.ID, call.Caller, call.Height, events.EventPayload{
			"creator":    t.Creator,
			"recipient":  t.Recipient,
			"amount":     t.Amount,
			"expires_at": t.ExpiresAt,
			"expired_by": call.Caller,
		})
	})
	if err != nil {
		return domain.Tag{}, err
	}
	e.logger().Info("tag expired", "tag_id", t.ID, "expired_by", call.Caller)
	return t, nil
}

// TogglePause flips the governance flag and returns its new value.
func (e Engine) TogglePause(ctx context.Context, call Call) (bool, error) {
	var paused bool
	err := e.mutate(ctx, "toggle_pause", call, func(tx *sql.Tx) error {
		if err := e.policy().Require(auth.PermTogglePause, call.Caller, ""); err != nil {
			return wrapError(CodeUnauthorized, "only the administrator can toggle pause", err)
		}
		current, err := e.Repo.Paused(ctx, tx)
		if err != nil {
			return err
		}
		paused = !current
		if err := e.Repo.SetPaused(ctx, tx, paused); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.PauseToggled, 0, call.Caller, call.Height, events.EventPayload{
			"paused": paused,
			"admin":  call.Caller,
		})
	})
	if err != nil {
		return false, err
	}
	e.logger().Warn("registry pause toggled", "paused", paused, "admin", call.Caller)
	return paused, nil
}

// GetTag returns one tag.
func (e Engine) GetTag(ctx context.Context, id uint64) (domain.Tag, error) {
	return e.loadTag(ctx, nil, id)
}

func (e Engine) ListByCreator(ctx context.Context, party string) ([]uint64, error) {
	return e.Repo.ListIndex(ctx, repo.RoleCreator, party)
}

func (e Engine) ListByRecipient(ctx context.Context, party string) ([]uint64, error) {
	return e.Repo.ListIndex(ctx, repo.RoleRecipient, party)
}

// CanExpire reports whether ExpireTag would succeed at height.
func (e Engine) CanExpire(ctx context.Context, id, height uint64) (bool, error) {
	t, err := e.loadTag(ctx, nil, id)
	if err != nil {
		return false, err
	}
	return t.State == domain.StatePending && height >= t.ExpiresAt, nil
}

// Stat returns a counter; unknown keys read as zero.
func (e Engine) Stat(ctx context.Context, key string) (uint64, error) {
	return e.Repo.Stat(ctx, key)
}

// Stats returns every engine counter, including those still at zero.
func (e Engine) Stats(ctx context.Context) (map[string]uint64, error) {
	stored, err := e.Repo.Stats(ctx)
	if err != nil {
		return nil, err
	}
	res := make(map[string]uint64, len(StatKeys))
	for _, k := range StatKeys {
		res[k] = stored[k]
	}
	return res, nil
}

func (e Engine) IsPaused(ctx context.Context) (bool, error) {
	return e.Repo.Paused(ctx, nil)
}

// GetMultiple returns one entry per requested id, in order. Missing ids yield nil.
func (e Engine) GetMultiple(ctx context.Context, ids []uint64) ([]*domain.Tag, error) {
	if e.Config != nil && len(ids) > e.Config.Registry.MaxBatch {
		return nil, newError(CodeBatchTooLarge, "requested %d ids, maximum is %d", len(ids), e.Config.Registry.MaxBatch)
	}
	found, err := e.Repo.GetTags(ctx, ids)
	if err != nil {
		return nil, err
	}
	res := make([]*domain.Tag, len(ids))
	for i, id := range ids {
		if t, ok := found[id]; ok {
			res[i] = &t
		}
	}
	return res, nil
}

func (e Engine) Info(ctx context.Context) (domain.Info, error) {
	total, err := e.Repo.TagCounter(ctx, nil)
	if err != nil {
		return domain.Info{}, err
	}
	paused, err := e.Repo.Paused(ctx, nil)
	if err != nil {
		return domain.Info{}, err
	}
	return domain.Info{TotalTags: total, Paused: paused, Version: Version}, nil
}

// ListEvents lists committed events newest first.
func (e Engine) ListEvents(ctx context.Context, limit int, cursor int64, f repo.EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.Repo.LatestEvents(ctx, limit, cursor, f)
}
