// Package dunning provides the failed-payment escalation levels.
package dunning

import (
	"time"
)

// MaxLevel is the final escalation level.
const MaxLevel = 4

// Priority of a dunning message.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Level describes one escalation step.
type Level struct {
	Number   int
	Offset   time.Duration // from the first failure
	Tone     string
	Priority Priority
	Subject  string
	Template string
}

var levels = map[int]Level{
	1: {
		Number:   1,
		Offset:   0,
		Tone:     "friendly",
		Priority: PriorityNormal,
		Subject:  "Payment failed for invoice {{.InvoiceNumber}}",
		Template: "dunning_1",
	},
	2: {
		Number:   2,
		Offset:   3 * 24 * time.Hour,
		Tone:     "helpful",
		Priority: PriorityNormal,
		Subject:  "Reminder: update your payment method",
		Template: "dunning_2",
	},
	3: {
		Number:   3,
		Offset:   7 * 24 * time.Hour,
		Tone:     "urgent",
		Priority: PriorityHigh,
		Subject:  "Final warning: your subscription will be suspended",
		Template: "dunning_3",
	},
	4: {
		Number:   4,
		Offset:   10 * 24 * time.Hour,
		Tone:     "regretful",
		Priority: PriorityHigh,
		Subject:  "Your subscription has been suspended",
		Template: "dunning_4",
	},
}

// LevelFor returns the definition of level n.
func LevelFor(n int) (Level, bool) {
	l, ok := levels[n]
	return l, ok
}

// LevelForDays maps days since the failure to the level that should have been sent.
func LevelForDays(days int) int {
	switch {
	case days >= 10:
		return 4
	case days >= 7:
		return 3
	case days >= 3:
		return 2
	default:
		return 1
	}
}

// NextLevel returns the level to send in catch-up processing, or 0 if the
// current level is already at or above the target.
func NextLevel(current, daysSinceFailure int) int {
	target := LevelForDays(daysSinceFailure)
	if target <= current {
		return 0
	}
	return target
}

// LevelForRetry returns the level queued when retry n is scheduled, or 0.
func LevelForRetry(n int) int {
	switch n {
	case 2:
		return 2
	case 3:
		return 3
	}
	return 0
}

// Email records a sent dunning message.
type Email struct {
	ID             string
	SubscriptionID string
	InvoiceID      string
	UserID         string
	Level          int
	SentAt         time.Time
}
