package room

import (
	"sort"
	"time"
)

// GoalSeconds converts an hours/minutes goal entry to seconds.
func GoalSeconds(hours, minutes int) int64 {
	return int64(hours)*3600 + int64(minutes)*60
}

// ProgressPercent returns total progress toward a goal as a percentage
// capped at 100. A missing or non-positive goal yields 0.
func ProgressPercent(total, goal int64) float64 {
	if goal <= 0 {
		return 0
	}
	p := float64(total) / float64(goal) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// Contribution is one user's share of the room total.
type Contribution struct {
	UserID  string  `json:"userId"`
	Name    string  `json:"name"`
	Seconds int64   `json:"seconds"`
	OfTotal float64 `json:"ofTotal"` // percent of the room total
	OfGoal  float64 `json:"ofGoal"`  // percent of the goal, 0 when no goal
}

// Contributions computes the per-user breakdown of the room total, sorted by
// elapsed seconds descending. Users with zero elapsed time are omitted. A
// zero total yields zero shares rather than a division error.
func Contributions(users map[string]Presence, goal *int64, now time.Time) []Contribution {
	total := TotalElapsed(users, now)
	out := make([]Contribution, 0, len(users))
	for id, u := range users {
		secs := ElapsedSeconds(u, now)
		if secs <= 0 {
			continue
		}
		c := Contribution{UserID: id, Name: u.Name, Seconds: secs}
		if total > 0 {
			c.OfTotal = float64(secs) / float64(total) * 100
		}
		if goal != nil && *goal > 0 {
			c.OfGoal = float64(secs) / float64(*goal) * 100
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seconds != out[j].Seconds {
			return out[i].Seconds > out[j].Seconds
		}
		return out[i].Name < out[j].Name
	})
	return out
}
