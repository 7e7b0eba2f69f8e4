// Package sweeper removes abandoned rooms from the store. Clients clean up
// after themselves on an orderly leave; the sweeper handles the sessions
// that never got to say goodbye.
package sweeper

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mkarlsen/cotimer/internal/room"
	"github.com/mkarlsen/cotimer/internal/store"
)

// Config tunes the sweep schedule.
type Config struct {
	// Interval is the time between sweeps.
	Interval time.Duration
	// StaleAfter is how long a user may go without a heartbeat before
	// counting as gone.
	StaleAfter time.Duration
}

// DefaultConfig returns the production schedule.
func DefaultConfig() Config {
	return Config{
		Interval:   time.Hour,
		StaleAfter: 24 * time.Hour,
	}
}

// Sweeper periodically prunes stale users and deletes emptied rooms.
// Permanent rooms are never deleted, though their stale users still are.
type Sweeper struct {
	store store.Store
	clock clockwork.Clock
	cfg   Config
}

// Result summarizes one sweep.
type Result struct {
	RoomsScanned int
	RoomsDeleted int
	UsersPruned  int
}

// New returns a Sweeper over st.
func New(st store.Store, clock clockwork.Clock, cfg Config) *Sweeper {
	return &Sweeper{store: st, clock: clock, cfg: cfg}
}

// Run sweeps at the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			res, err := s.Sweep(ctx)
			if err != nil {
				log.Error().Err(err).Msg("sweep failed")
				continue
			}
			log.Info().
				Int("rooms_scanned", res.RoomsScanned).
				Int("rooms_deleted", res.RoomsDeleted).
				Int("users_pruned", res.UsersPruned).
				Msg("sweep complete")
		}
	}
}

// Sweep runs one pass over every room.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	data, ok, err := s.store.ReadOnce(ctx, room.RootPath)
	if err != nil {
		return res, fmt.Errorf("read rooms: %w", err)
	}
	if !ok {
		return res, nil
	}
	rooms := make(map[string]room.Room)
	if err := json.Unmarshal(data, &rooms); err != nil {
		return res, fmt.Errorf("decode rooms: %w", err)
	}

	cutoff := s.clock.Now().Add(-s.cfg.StaleAfter).UnixMilli()
	for code, r := range rooms {
		res.RoomsScanned++
		s.sweepRoom(ctx, code, r, cutoff, &res)
	}
	return res, nil
}

func (s *Sweeper) sweepRoom(ctx context.Context, code string, r room.Room, cutoff int64, res *Result) {
	live := len(r.Users)
	for uid, p := range r.Users {
		if p.LastSeen >= cutoff {
			continue
		}
		if err := s.store.Remove(ctx, room.UserPath(code, uid)); err != nil {
			log.Warn().Err(err).Str("room", code).Str("user", uid).Msg("prune stale user")
			continue
		}
		res.UsersPruned++
		live--
		log.Debug().Str("room", code).Str("user", uid).Msg("pruned stale user")
	}
	if live > 0 || r.Metadata.Permanent {
		return
	}
	if err := s.store.Remove(ctx, room.Path(code)); err != nil {
		log.Warn().Err(err).Str("room", code).Msg("delete abandoned room")
		return
	}
	res.RoomsDeleted++
	log.Info().Str("room", code).Msg("deleted abandoned room")
}
