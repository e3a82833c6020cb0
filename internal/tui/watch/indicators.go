package watch

import (
	"strings"
	"time"
)

const (
	activityWindow = 10 * time.Second
	activityDots   = 5
)

// Activity counts render events seen over the last activityWindow and draws
// them as a row of dots, one per two events.
type Activity struct {
	seen []time.Time
	last time.Time
}

// Record notes an event at t.
func (a *Activity) Record(t time.Time) {
	a.seen = append(a.seen, t)
	a.last = t
}

// Prune drops events older than the window, relative to now.
func (a *Activity) Prune(now time.Time) {
	cut := 0
	for cut < len(a.seen) && now.Sub(a.seen[cut]) > activityWindow {
		cut++
	}
	a.seen = a.seen[cut:]
}

// Recent returns the number of events inside the window.
func (a Activity) Recent() int {
	return len(a.seen)
}

// Last returns the time of the most recent event, zero if none.
func (a Activity) Last() time.Time {
	return a.last
}

func (a Activity) Render(theme Theme) string {
	lit := (len(a.seen) + 1) / 2
	var b strings.Builder
	for i := range activityDots {
		if i < lit {
			b.WriteString(theme.ActivityOn.Render("●"))
		} else {
			b.WriteString(theme.ActivityOff.Render("○"))
		}
	}
	return b.String()
}
