package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Gate decides whether a candidate may become an alert. Reserve is atomic
// per key: two concurrent candidates cannot both take the last slot.
// The returned release undoes the reservation; it is safe to call once.
type Gate interface {
	Reserve(ctx context.Context, c *domain.AlertCandidate) (release func(), ok bool, err error)
}

// hourlyWindow is the rolling window of the per-wallet cap.
const hourlyWindow = time.Hour

// MemoryGate enforces the cooldown and hourly cap with in-process sliding
// windows. Windows are measured on trade event time, so replaying history
// gates the same way live traffic does.
type MemoryGate struct {
	mu       sync.Mutex
	cooldown time.Duration
	cap      int

	// accepted event times per wallet, tagged with alert type
	wallets map[string][]reservation
	latest  time.Time
	seq     uint64
}

type reservation struct {
	id        uint64
	alertType domain.AlertType
	at        time.Time
}

// NewMemoryGate creates a gate with the given cooldown and hourly cap.
func NewMemoryGate(cooldown time.Duration, hourlyCap int) *MemoryGate {
	return &MemoryGate{
		cooldown: cooldown,
		cap:      hourlyCap,
		wallets:  make(map[string][]reservation),
	}
}

func within(a, b time.Time, d time.Duration) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff < d
}

// Reserve implements Gate.
func (g *MemoryGate) Reserve(ctx context.Context, c *domain.AlertCandidate) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	at := c.TradeTime
	inHour := 0
	for _, r := range g.wallets[c.Wallet] {
		if r.alertType == c.Type && within(r.at, at, g.cooldown) {
			return nil, false, nil
		}
		if within(r.at, at, hourlyWindow) {
			inHour++
		}
	}
	if inHour >= g.cap {
		return nil, false, nil
	}

	g.seq++
	id := g.seq
	g.wallets[c.Wallet] = append(g.wallets[c.Wallet], reservation{id: id, alertType: c.Type, at: at})
	if at.After(g.latest) {
		g.latest = at
	}

	var once sync.Once
	release := func() {
		once.Do(func() { g.remove(c.Wallet, id) })
	}
	return release, true, nil
}

func (g *MemoryGate) remove(wallet string, id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rs := g.wallets[wallet]
	for i, r := range rs {
		if r.id == id {
			g.wallets[wallet] = append(rs[:i], rs[i+1:]...)
			break
		}
	}
	if len(g.wallets[wallet]) == 0 {
		delete(g.wallets, wallet)
	}
}

// Cleanup drops reservations that can no longer affect a decision relative
// to the newest event time seen. Call periodically.
func (g *MemoryGate) Cleanup() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	horizon := hourlyWindow
	if g.cooldown > horizon {
		horizon = g.cooldown
	}
	cutoff := g.latest.Add(-2 * horizon)

	removed := 0
	for wallet, rs := range g.wallets {
		kept := rs[:0]
		for _, r := range rs {
			if r.at.After(cutoff) {
				kept = append(kept, r)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(g.wallets, wallet)
			continue
		}
		g.wallets[wallet] = kept
	}
	return removed
}

// Tracked returns the number of wallets with live reservations.
func (g *MemoryGate) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.wallets)
}

// WindowGate enforces the same rolling limits through the cache's window
// reservations, so several nodes behind one Redis share a single budget.
type WindowGate struct {
	cache    domain.Cache
	cooldown time.Duration
	cap      int
}

// NewWindowGate creates a gate backed by cache window sets.
func NewWindowGate(cache domain.Cache, cooldown time.Duration, hourlyCap int) *WindowGate {
	return &WindowGate{cache: cache, cooldown: cooldown, cap: hourlyCap}
}

// Reserve implements Gate. Keys carry the wallet as a Redis hash tag so
// both sets of one wallet live on the same cluster slot.
func (g *WindowGate) Reserve(ctx context.Context, c *domain.AlertCandidate) (func(), bool, error) {
	r := domain.WindowReservation{
		Member:      uuid.NewString(),
		At:          c.TradeTime,
		CooldownKey: fmt.Sprintf("gate:cool:{%s}:%s", c.Wallet, c.Type),
		Cooldown:    g.cooldown,
		CapKey:      fmt.Sprintf("gate:hour:{%s}", c.Wallet),
		Window:      hourlyWindow,
		Limit:       g.cap,
	}
	ok, err := g.cache.ReserveWindow(ctx, r)
	if err != nil || !ok {
		return nil, false, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := g.cache.ReleaseWindow(context.WithoutCancel(ctx), r); err != nil {
				slog.Warn("gate release failed", "wallet", c.Wallet, "type", c.Type, "error", err)
			}
		})
	}
	return release, true, nil
}
