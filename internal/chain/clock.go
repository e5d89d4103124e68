// Package chain supplies the logical time ("height") every registry call is evaluated at.
package chain

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// HeightSource reports the current height. Callers read it once per operation.
type HeightSource interface {
	Height(ctx context.Context) (uint64, error)
}

// WallClock derives height from elapsed wall time since genesis.
type WallClock struct {
	Genesis       time.Time
	BlockInterval time.Duration
	Now           func() time.Time
}

func (c WallClock) Height(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if c.BlockInterval <= 0 {
		return 0, errors.New("block interval must be positive")
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	elapsed := now().Sub(c.Genesis)
	if elapsed < 0 {
		return 0, nil
	}
	return uint64(elapsed / c.BlockInterval), nil
}

// Fixed always reports the same height.
type Fixed uint64

func (f Fixed) Height(context.Context) (uint64, error) { return uint64(f), nil }

// ManualClock is advanced explicitly. Safe for concurrent use.
type ManualClock struct {
	h atomic.Uint64
}

func NewManualClock(start uint64) *ManualClock {
	c := &ManualClock{}
	c.h.Store(start)
	return c
}

func (c *ManualClock) Height(context.Context) (uint64, error) { return c.h.Load(), nil }

// Set moves the clock to h. Heights never go backwards; lower values are ignored.
func (c *ManualClock) Set(h uint64) {
	for {
		cur := c.h.Load()
		if h <= cur || c.h.CompareAndSwap(cur, h) {
			return
		}
	}
}

func (c *ManualClock) Advance(n uint64) uint64 {
	return c.h.Add(n)
}
