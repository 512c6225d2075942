// Package rotation bounds how many symbols the engine analyses at once by
// periodically picking a fresh active subset, weighted towards pairs quoted
// in stable or base assets.
package rotation

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// Share of MaxActive drawn from the stable and base categories. The rest is
// drawn from every other symbol.
const (
	stableShare = 0.4
	baseShare   = 0.4
)

// Target receives each new active set.
type Target interface {
	SetActive(ids []domain.SymbolID)
}

// Config tunes the rotator.
type Config struct {
	// MaxActive is the size of the active set. Zero or at least the universe
	// size keeps every symbol active.
	MaxActive    int
	Interval     time.Duration
	StableAssets []string
	BaseAssets   []string

	// Shuffle is injectable for tests.
	Shuffle func(n int, swap func(i, j int))
}

// Rotator picks active symbols on an interval.
type Rotator struct {
	cfg    Config
	u      *domain.Universe
	target Target
	logger *slog.Logger

	stable []domain.SymbolID
	base   []domain.SymbolID
	other  []domain.SymbolID
}

// New classifies every symbol of u once. A symbol is stable when any of its
// legs is a stable asset, base when a leg is a base asset, and other
// otherwise.
func New(u *domain.Universe, cfg Config, target Target, logger *slog.Logger) *Rotator {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Shuffle == nil {
		cfg.Shuffle = rand.Shuffle
	}
	r := &Rotator{
		cfg:    cfg,
		u:      u,
		target: target,
		logger: logger.With(slog.String("component", "rotation")),
	}
	for i, name := range u.Symbols() {
		id := domain.SymbolID(i)
		legs := Legs(name)
		switch {
		case hasAny(legs, cfg.StableAssets):
			r.stable = append(r.stable, id)
		case hasAny(legs, cfg.BaseAssets):
			r.base = append(r.base, id)
		default:
			r.other = append(r.other, id)
		}
	}
	return r
}

// Enabled reports whether rotation would ever deactivate a symbol.
func (r *Rotator) Enabled() bool {
	return r.cfg.MaxActive > 0 && r.cfg.MaxActive < r.u.SymbolCount()
}

// Rotate picks a new active set, applies it to the target and returns it
// sorted. Categories short of their share leave the set smaller.
func (r *Rotator) Rotate() []domain.SymbolID {
	var active []domain.SymbolID
	if !r.Enabled() {
		active = make([]domain.SymbolID, r.u.SymbolCount())
		for i := range active {
			active[i] = domain.SymbolID(i)
		}
	} else {
		n := r.cfg.MaxActive
		stableN := int(float64(n) * stableShare)
		baseN := int(float64(n) * baseShare)
		active = append(active, r.pick(r.stable, stableN)...)
		active = append(active, r.pick(r.base, baseN)...)
		active = append(active, r.pick(r.other, n-stableN-baseN)...)
		slices.Sort(active)
	}

	r.target.SetActive(active)
	r.logger.Info("rotated active symbols",
		slog.Int("active", len(active)),
		slog.Int("stable", len(r.stable)),
		slog.Int("base", len(r.base)),
		slog.Int("other", len(r.other)),
	)
	return active
}

func (r *Rotator) pick(from []domain.SymbolID, n int) []domain.SymbolID {
	ids := slices.Clone(from)
	r.cfg.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	return ids[:min(n, len(ids))]
}

// Run rotates immediately and then on every interval until ctx is cancelled.
func (r *Rotator) Run(ctx context.Context) error {
	r.Rotate()
	if !r.Enabled() {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Rotate()
		}
	}
}

// Legs splits a symbol such as "ETH-USDC" or "eth/usdc" into upper-cased
// asset codes.
func Legs(symbol string) []string {
	return strings.FieldsFunc(strings.ToUpper(symbol), func(c rune) bool {
		return c == '-' || c == '/' || c == '_'
	})
}

func hasAny(legs, assets []string) bool {
	for _, a := range assets {
		if slices.Contains(legs, strings.ToUpper(a)) {
			return true
		}
	}
	return false
}
