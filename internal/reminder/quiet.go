package reminder

import (
	"fmt"
	"strings"
	"time"

	"github.com/conorfennell/recall/internal/domain"
)

// TimeOfDay is a local wall-clock time.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "15:04".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) minutes() int {
	return t.Hour*60 + t.Minute
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// QuietHours is an owner's local window [Start, End) during which nothing is
// dispatched. A window with End before Start wraps past midnight. Start equal
// to End means there is no window.
type QuietHours struct {
	Start    TimeOfDay
	End      TimeOfDay
	Location *time.Location
}

// QuietHoursFor builds the quiet hours of an owner. Owners without a window
// get the zero value. Unknown timezones fall back to UTC.
func QuietHoursFor(o domain.Owner) (QuietHours, error) {
	if o.QuietStart == "" && o.QuietEnd == "" {
		return QuietHours{}, nil
	}
	start, err := ParseTimeOfDay(o.QuietStart)
	if err != nil {
		return QuietHours{}, fmt.Errorf("owner %s quiet hours start: %w", o.ID, err)
	}
	end, err := ParseTimeOfDay(o.QuietEnd)
	if err != nil {
		return QuietHours{}, fmt.Errorf("owner %s quiet hours end: %w", o.ID, err)
	}
	return QuietHours{Start: start, End: end, Location: resolveLocation(o.Timezone)}, nil
}

func resolveLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Enabled reports whether the window is non-empty.
func (q QuietHours) Enabled() bool {
	return q.Start != q.End
}

func (q QuietHours) location() *time.Location {
	if q.Location == nil {
		return time.UTC
	}
	return q.Location
}

// Contains reports whether now falls inside the window in the owner's local
// time.
func (q QuietHours) Contains(now time.Time) bool {
	if !q.Enabled() {
		return false
	}
	local := now.In(q.location())
	m := local.Hour()*60 + local.Minute()
	start, end := q.Start.minutes(), q.End.minutes()
	if start < end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

// EndAfter returns the first end of the window strictly after now. It is the
// earliest instant a deferred reminder becomes dispatchable again.
func (q QuietHours) EndAfter(now time.Time) time.Time {
	loc := q.location()
	local := now.In(loc)
	y, m, d := local.Date()
	end := time.Date(y, m, d, q.End.Hour, q.End.Minute, 0, 0, loc)
	if !end.After(local) {
		end = time.Date(y, m, d+1, q.End.Hour, q.End.Minute, 0, 0, loc)
	}
	return end.UTC()
}
