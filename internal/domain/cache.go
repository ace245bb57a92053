package domain

import (
	"context"
	"time"
)

// Cache is the key/value store behind market statistics and the shared
// alert gate. A miss is (nil, nil). Backend failures wrap
// ErrTransientStore.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// ReserveWindow admits r.Member at r.At unless the cooldown or cap
	// window rejects it. Check and insert are one atomic step.
	ReserveWindow(ctx context.Context, r WindowReservation) (bool, error)

	// ReleaseWindow removes a member previously admitted by ReserveWindow.
	ReleaseWindow(ctx context.Context, r WindowReservation) error

	Ping(ctx context.Context) error
	Close() error
}

// WindowReservation claims one slot at At in two rolling windows measured
// on event time, centred on At:
//
//	CooldownKey  rejected if any member lies strictly within Cooldown of At
//	CapKey       rejected if Limit members lie strictly within Window of At
//
// A zero Cooldown disables the first check.
type WindowReservation struct {
	Member string
	At     time.Time

	CooldownKey string
	Cooldown    time.Duration

	CapKey string
	Window time.Duration
	Limit  int
}

// Horizon is how far behind the newest member a window entry can still
// affect a decision. Older entries may be discarded.
func (r WindowReservation) Horizon() time.Duration {
	return 2 * max(r.Cooldown, r.Window)
}

// CacheConfig selects the cache backend.
//
//	memory  in-process LRU only
//	redis   Redis only
//	redis + EnableTwoPhase  LRU in front of Redis
type CacheConfig struct {
	Type string

	LocalMaxSize int
	LocalTTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	EnableTwoPhase bool
}
