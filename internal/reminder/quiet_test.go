package reminder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/recall/internal/domain"
)

func at(hour, minute int) time.Time {
	return time.Date(2025, 1, 1, hour, minute, 0, 0, time.UTC)
}

func TestQuietHoursContains(t *testing.T) {
	overnight := QuietHours{Start: TimeOfDay{21, 0}, End: TimeOfDay{8, 0}}
	daytime := QuietHours{Start: TimeOfDay{12, 0}, End: TimeOfDay{13, 30}}

	testCases := []struct {
		name  string
		quiet QuietHours
		now   time.Time
		want  bool
	}{
		{"overnight before start", overnight, at(20, 59), false},
		{"overnight at start", overnight, at(21, 0), true},
		{"overnight before midnight", overnight, at(23, 59), true},
		{"overnight after midnight", overnight, at(0, 0), true},
		{"overnight just before end", overnight, at(7, 59), true},
		{"overnight at end", overnight, at(8, 0), false},
		{"overnight midday", overnight, at(12, 0), false},
		{"daytime inside", daytime, at(12, 45), true},
		{"daytime at end", daytime, at(13, 30), false},
		{"daytime before", daytime, at(11, 59), false},
		{"disabled window", QuietHours{Start: TimeOfDay{9, 0}, End: TimeOfDay{9, 0}}, at(9, 0), false},
		{"zero value", QuietHours{}, at(0, 0), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.quiet.Contains(tc.now))
		})
	}
}

func TestQuietHoursUsesOwnerTimezone(t *testing.T) {
	q, err := QuietHoursFor(domain.Owner{ID: "u", Timezone: "America/New_York", QuietStart: "21:00", QuietEnd: "08:00"})
	require.NoError(t, err)

	// 03:00 UTC is 22:00 in New York (EST).
	assert.True(t, q.Contains(time.Date(2025, 1, 15, 3, 0, 0, 0, time.UTC)))
	// 14:00 UTC is 09:00 in New York.
	assert.False(t, q.Contains(time.Date(2025, 1, 15, 14, 0, 0, 0, time.UTC)))
}

func TestQuietHoursFor(t *testing.T) {
	q, err := QuietHoursFor(domain.Owner{ID: "u"})
	require.NoError(t, err)
	assert.False(t, q.Enabled())

	q, err = QuietHoursFor(domain.Owner{ID: "u", Timezone: "Not/AZone", QuietStart: "22:00", QuietEnd: "06:00"})
	require.NoError(t, err)
	assert.Equal(t, time.UTC, q.Location)
	assert.Equal(t, TimeOfDay{22, 0}, q.Start)

	_, err = QuietHoursFor(domain.Owner{ID: "u", QuietStart: "25:00", QuietEnd: "06:00"})
	assert.Error(t, err)

	_, err = QuietHoursFor(domain.Owner{ID: "u", QuietStart: "22:00"})
	assert.Error(t, err)
}

func TestQuietHoursEndAfter(t *testing.T) {
	q := QuietHours{Start: TimeOfDay{21, 0}, End: TimeOfDay{8, 0}, Location: time.UTC}

	assert.Equal(t, time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC), q.EndAfter(at(22, 0)))
	assert.Equal(t, time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC), q.EndAfter(at(3, 0)))
	assert.Equal(t, time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC), q.EndAfter(at(8, 0)))
}

func TestParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay(" 07:05 ")
	require.NoError(t, err)
	assert.Equal(t, TimeOfDay{7, 5}, tod)
	assert.Equal(t, "07:05", tod.String())

	_, err = ParseTimeOfDay("7pm")
	assert.Error(t, err)
}
