package retry_test

import (
	"testing"
	"time"

	"github.com/artpar/billingd/domain/retry"
)

func TestScheduleFor(t *testing.T) {
	failure := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	r1 := retry.ScheduleFor(1, failure)
	r2 := retry.ScheduleFor(2, r1)
	r3 := retry.ScheduleFor(3, r2)

	tests := []struct {
		name string
		got  time.Time
		days int
	}{
		{"retry 1", r1, 1},
		{"retry 2", r2, 4},
		{"retry 3", r3, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := failure.AddDate(0, 0, tt.days)
			if !tt.got.Equal(want) {
				t.Errorf("scheduled at %v, want %v", tt.got, want)
			}
		})
	}
}

func TestDelta_OutOfRange(t *testing.T) {
	if retry.Delta(0) != 0 || retry.Delta(4) != 0 {
		t.Error("expected zero delta outside 1..3")
	}
}

func TestOffsetFromFirstFailure(t *testing.T) {
	want := map[int]time.Duration{1: 1 * retry.Day, 2: 4 * retry.Day, 3: 7 * retry.Day, 4: 7 * retry.Day}
	for n, w := range want {
		if got := retry.OffsetFromFirstFailure(n); got != w {
			t.Errorf("OffsetFromFirstFailure(%d) = %v, want %v", n, got, w)
		}
	}
}

func TestFailedEngineAttempts(t *testing.T) {
	attempts := []retry.Attempt{
		{AttemptNumber: 0, Status: retry.AttemptFailed, ErrorCode: retry.CodeCardDeclined},
		{AttemptNumber: 1, Status: retry.AttemptFailed, ErrorCode: retry.CodeCardDeclined},
		{AttemptNumber: 2, Status: retry.AttemptFailed, ErrorCode: retry.CodeNoPaymentMethod},
		{AttemptNumber: 2, Status: retry.AttemptFailed, ErrorCode: retry.CodeTimeout},
		{AttemptNumber: 3, Status: retry.AttemptSuccess},
	}
	if got := retry.FailedEngineAttempts(attempts); got != 2 {
		t.Errorf("FailedEngineAttempts() = %d, want 2", got)
	}
	if retry.Exhausted(2) || !retry.Exhausted(3) {
		t.Error("unexpected Exhausted result")
	}
}

func TestFirstFailureAt(t *testing.T) {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	attempts := []retry.Attempt{
		{Status: retry.AttemptFailed, ErrorCode: retry.CodeNotConfigured, CreatedAt: base},
		{Status: retry.AttemptFailed, ErrorCode: retry.CodeCardDeclined, CreatedAt: base.Add(3 * time.Hour)},
		{Status: retry.AttemptFailed, ErrorCode: retry.CodeCardDeclined, CreatedAt: base.Add(time.Hour)},
	}
	got, ok := retry.FirstFailureAt(attempts)
	if !ok || !got.Equal(base.Add(time.Hour)) {
		t.Errorf("FirstFailureAt() = %v, %v", got, ok)
	}
	if _, ok := retry.FirstFailureAt(nil); ok {
		t.Error("expected no first failure")
	}
}

func TestIsConfigurationError(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{retry.CodeCardDeclined, false},
		{retry.CodeRateLimited, false},
		{retry.CodeNetworkError, false},
		{retry.CodeTimeout, false},
		{retry.CodeInvalidRequest, false},
		{retry.CodeNotConfigured, true},
		{retry.CodeNoPaymentMethod, true},
		{retry.CodeAuthFailed, true},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := retry.IsConfigurationError(tt.code); got != tt.want {
				t.Errorf("IsConfigurationError(%s) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestRetry_IsDue(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	r := retry.Retry{Status: retry.StatusScheduled, ScheduledAt: now}
	if !r.IsDue(now) {
		t.Error("expected due at scheduled time")
	}
	r.Status = retry.StatusInProgress
	if r.IsDue(now) {
		t.Error("in-progress retry must not be due")
	}
}
