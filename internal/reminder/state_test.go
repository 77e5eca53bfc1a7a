package reminder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/conorfennell/recall/internal/domain"
)

func TestStateOf(t *testing.T) {
	now := at(12, 0)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	quiet := QuietHours{Start: TimeOfDay{11, 0}, End: TimeOfDay{13, 0}}

	testCases := []struct {
		name  string
		r     domain.Reminder
		quiet QuietHours
		want  State
	}{
		{"not yet due", domain.Reminder{DueAt: future}, QuietHours{}, Pending},
		{"due now", domain.Reminder{DueAt: now}, QuietHours{}, Due},
		{"overdue", domain.Reminder{DueAt: past}, QuietHours{}, Due},
		{"due in quiet hours", domain.Reminder{DueAt: past}, quiet, Deferred},
		{"pending in quiet hours", domain.Reminder{DueAt: future}, quiet, Pending},
		{"waiting for retry", domain.Reminder{DueAt: past, AttemptCount: 1, NextAttemptAt: &future}, QuietHours{}, RetryWaiting},
		{"retry time passed", domain.Reminder{DueAt: past, AttemptCount: 1, NextAttemptAt: &past}, QuietHours{}, Due},
		{"sent", domain.Reminder{DueAt: past, Sent: true, SentAt: &past}, quiet, Sent},
		{"dead-lettered", domain.Reminder{DueAt: past, AttemptCount: 10, DeadLetteredAt: &past}, QuietHours{}, DeadLettered},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StateOf(tc.r, now, tc.quiet))
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "retry_waiting", RetryWaiting.String())
	assert.Equal(t, "dead_lettered", DeadLettered.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, Sent.Terminal())
	assert.True(t, DeadLettered.Terminal())
	assert.False(t, Deferred.Terminal())
}
