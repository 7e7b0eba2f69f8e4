package room

import "time"

// ElapsedSeconds computes a participant's live elapsed seconds at the given
// instant. While the record is stopped, paused or missing a start stamp it
// is exactly BaseSeconds; while running it accrues wall time since
// StartedAt. StartedAt is the writer's local clock, so the result is
// self-consistent per user rather than synchronized across users.
func ElapsedSeconds(p Presence, now time.Time) int64 {
	if !p.TimerRunning || p.TimerPaused || p.StartedAt == nil {
		return p.BaseSeconds
	}
	return p.BaseSeconds + (now.UnixMilli()-*p.StartedAt)/1000
}

// TotalElapsed sums elapsed seconds across every user in the room.
func TotalElapsed(users map[string]Presence, now time.Time) int64 {
	var total int64
	for _, u := range users {
		total += ElapsedSeconds(u, now)
	}
	return total
}
