package statusengine

import (
	"testing"
	"time"

	"agentbill_go/models"
)

func mustClock(t *testing.T, tz, cutoff string) Clock {
	t.Helper()
	clock, err := NewClock(models.Agency{
		BaseModel:         models.BaseModel{ID: 1},
		Timezone:          tz,
		OverdueCutoffTime: cutoff,
	})
	if err != nil {
		t.Fatalf("unexpected error building clock: %v", err)
	}
	return clock
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNewClockInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		tz     string
		cutoff string
	}{
		{name: "bad timezone", tz: "Mars/Olympus", cutoff: "17:00"},
		{name: "empty timezone", tz: "", cutoff: "17:00"},
		{name: "bad cutoff", tz: "Australia/Sydney", cutoff: "5pm"},
		{name: "out of range hour", tz: "Australia/Sydney", cutoff: "25:00"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewClock(models.Agency{Timezone: tc.tz, OverdueCutoffTime: tc.cutoff})
			if err == nil {
				t.Fatalf("expected error for tz=%q cutoff=%q", tc.tz, tc.cutoff)
			}
		})
	}
}

func TestShouldMarkOverdueCutoffBoundary(t *testing.T) {
	clock := mustClock(t, "Australia/Sydney", "17:00")
	sydney := clock.Location

	dueToday := models.Installment{
		Status:         models.InstallmentStatusPending,
		StudentDueDate: date(2025, time.March, 10),
	}

	// 16:59 local, due today: stays pending.
	now := time.Date(2025, time.March, 10, 16, 59, 0, 0, sydney)
	if clock.ShouldMarkOverdue(dueToday, now) {
		t.Fatalf("16:59 local should stay pending")
	}

	// 17:00 sharp: still not past the cutoff.
	now = time.Date(2025, time.March, 10, 17, 0, 0, 0, sydney)
	if clock.ShouldMarkOverdue(dueToday, now) {
		t.Fatalf("17:00 sharp should stay pending")
	}

	// 17:01 local: overdue.
	now = time.Date(2025, time.March, 10, 17, 1, 0, 0, sydney)
	if !clock.ShouldMarkOverdue(dueToday, now) {
		t.Fatalf("17:01 local should be overdue")
	}
}

func TestShouldMarkOverdueDueBeforeToday(t *testing.T) {
	clock := mustClock(t, "Australia/Sydney", "17:00")

	inst := models.Installment{
		Status:         models.InstallmentStatusPending,
		StudentDueDate: date(2025, time.March, 9),
	}

	// Early morning, due yesterday: overdue regardless of cutoff.
	now := time.Date(2025, time.March, 10, 0, 5, 0, 0, clock.Location)
	if !clock.ShouldMarkOverdue(inst, now) {
		t.Fatalf("due yesterday should be overdue before the cutoff")
	}

	// Year and month boundaries go through the same comparison.
	inst.StudentDueDate = date(2024, time.December, 31)
	if !clock.ShouldMarkOverdue(inst, now) {
		t.Fatalf("due last year should be overdue")
	}
}

func TestShouldMarkOverdueStatusPrecondition(t *testing.T) {
	clock := mustClock(t, "Australia/Sydney", "17:00")
	now := time.Date(2025, time.March, 10, 18, 0, 0, 0, clock.Location)

	for _, status := range []string{
		models.InstallmentStatusDraft,
		models.InstallmentStatusOverdue,
		models.InstallmentStatusPaid,
		models.InstallmentStatusCancelled,
	} {
		inst := models.Installment{Status: status, StudentDueDate: date(2025, time.March, 1)}
		if clock.ShouldMarkOverdue(inst, now) {
			t.Fatalf("status %q must never transition", status)
		}
	}
}

// Running the same pass twice on already-transitioned data yields nothing new:
// overdue is excluded by the pending precondition.
func TestEvaluateIdempotent(t *testing.T) {
	clock := mustClock(t, "Australia/Sydney", "17:00")
	now := time.Date(2025, time.March, 10, 18, 0, 0, 0, clock.Location)

	installments := []models.Installment{
		{BaseModel: models.BaseModel{ID: 1}, Status: models.InstallmentStatusPending, StudentDueDate: date(2025, time.March, 9)},
		{BaseModel: models.BaseModel{ID: 2}, Status: models.InstallmentStatusPending, StudentDueDate: date(2025, time.March, 10)},
		{BaseModel: models.BaseModel{ID: 3}, Status: models.InstallmentStatusPending, StudentDueDate: date(2025, time.April, 1)},
	}

	overdue, _ := Evaluate(clock, installments, now, 0)
	if len(overdue) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(overdue))
	}

	// Apply the decisions, run again.
	for i := range installments {
		for _, o := range overdue {
			if installments[i].ID == o.ID {
				installments[i].Status = models.InstallmentStatusOverdue
			}
		}
	}
	again, _ := Evaluate(clock, installments, now, 0)
	if len(again) != 0 {
		t.Fatalf("second pass must be a no-op, got %d transitions", len(again))
	}
}

// Two agencies in different timezones looking at the same UTC instant reach
// different conclusions, each correct in its own local frame.
func TestTimezoneIsolation(t *testing.T) {
	sydney := mustClock(t, "Australia/Sydney", "17:00")
	london := mustClock(t, "Europe/London", "17:00")

	inst := models.Installment{
		Status:         models.InstallmentStatusPending,
		StudentDueDate: date(2025, time.June, 10),
	}

	// 2025-06-10 08:00 UTC = 18:00 in Sydney (past cutoff, due today)
	//                      = 09:00 in London (well before cutoff).
	now := time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC)

	if !sydney.ShouldMarkOverdue(inst, now) {
		t.Fatalf("Sydney agency should see overdue at 18:00 local")
	}
	if london.ShouldMarkOverdue(inst, now) {
		t.Fatalf("London agency should still be pending at 09:00 local")
	}
}

func TestDueWithin(t *testing.T) {
	clock := mustClock(t, "Australia/Sydney", "17:00")
	now := time.Date(2025, time.March, 10, 9, 0, 0, 0, clock.Location)

	tests := []struct {
		name     string
		due      time.Time
		days     int
		status   string
		expected bool
	}{
		{name: "due in window", due: date(2025, time.March, 15), days: 7, status: models.InstallmentStatusPending, expected: true},
		{name: "due today", due: date(2025, time.March, 10), days: 7, status: models.InstallmentStatusPending, expected: true},
		{name: "past window", due: date(2025, time.March, 20), days: 7, status: models.InstallmentStatusPending, expected: false},
		{name: "already due", due: date(2025, time.March, 9), days: 7, status: models.InstallmentStatusPending, expected: false},
		{name: "not pending", due: date(2025, time.March, 12), days: 7, status: models.InstallmentStatusDraft, expected: false},
		{name: "threshold disabled", due: date(2025, time.March, 12), days: 0, status: models.InstallmentStatusPending, expected: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			inst := models.Installment{Status: tc.status, StudentDueDate: tc.due}
			if got := clock.DueWithin(inst, now, tc.days); got != tc.expected {
				t.Fatalf("expected %v, got %v", tc.expected, got)
			}
		})
	}
}

func TestParseHourMinute(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		expHour    int
		expMinutes int
	}{
		{name: "simple time", input: "17:00", expHour: 17, expMinutes: 0},
		{name: "with seconds", input: "09:15:00", expHour: 9, expMinutes: 15},
		{name: "leading space", input: " 08:30", expHour: 8, expMinutes: 30},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			h, m, err := parseHourMinute(tc.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if h != tc.expHour || m != tc.expMinutes {
				t.Fatalf("expected %02d:%02d, got %02d:%02d", tc.expHour, tc.expMinutes, h, m)
			}
		})
	}
}
