package divider

import (
	"context"
	"sync/atomic"
	"time"
)

// Gate bounds the number of concurrently live sessions. The counter is only ever
// touched through TryAdmit and Release.
type Gate struct {
	max  int64
	live atomic.Int64
}

func NewGate(limit int) *Gate {
	if limit < 1 {
		limit = 1
	}
	return &Gate{max: int64(limit)}
}

// TryAdmit takes a slot if one is free and reports whether it did.
func (g *Gate) TryAdmit() bool {
	for {
		cur := g.live.Load()
		if cur >= g.max {
			return false
		}
		if g.live.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release returns a slot taken by TryAdmit. Extra calls never push the counter below zero.
func (g *Gate) Release() {
	for {
		cur := g.live.Load()
		if cur <= 0 {
			return
		}
		if g.live.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Wait polls TryAdmit every backoff until it succeeds or ctx is done.
func (g *Gate) Wait(ctx context.Context, backoff time.Duration) bool {
	if g.TryAdmit() {
		return true
	}
	if backoff <= 0 {
		backoff = defaultAdmissionBackoff
	}
	t := time.NewTicker(backoff)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			if g.TryAdmit() {
				return true
			}
		}
	}
}

func (g *Gate) Live() int { return int(g.live.Load()) }
func (g *Gate) Max() int  { return int(g.max) }
