package termcal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newCalendar(t *testing.T) *Calendar {
	t.Helper()
	cal, err := New(Config{TransitionMonth: 7, TransitionDay: 1, LeadDays: 30})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return cal
}

func TestNextTransitionDateBeforeAndAfterBoundary(t *testing.T) {
	cal := newCalendar(t)

	before := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	got := cal.NextTransitionDate(before)
	want := time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextTransitionDate(%v) = %v, want %v", before, got, want)
	}

	after := time.Date(2026, time.July, 1, 0, 0, 0, 1, time.UTC)
	got = cal.NextTransitionDate(after)
	want = time.Date(2027, time.July, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextTransitionDate(%v) = %v, want %v", after, got, want)
	}
}

func TestNextTransitionDateExactBoundaryRollsForward(t *testing.T) {
	cal := newCalendar(t)
	exact := time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)
	got := cal.NextTransitionDate(exact)
	want := time.Date(2027, time.July, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextTransitionDate(boundary) = %v, want %v", got, want)
	}
}

func TestTermNameFor(t *testing.T) {
	cal := newCalendar(t)
	tests := []struct {
		date time.Time
		want string
	}{
		{time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC), "2026-2027"},
		{time.Date(2026, time.December, 31, 0, 0, 0, 0, time.UTC), "2026-2027"},
		{time.Date(2027, time.June, 30, 23, 59, 0, 0, time.UTC), "2026-2027"},
		{time.Date(2027, time.July, 2, 0, 0, 0, 0, time.UTC), "2027-2028"},
		{time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC), "2025-2026"},
	}
	for _, tc := range tests {
		if got := cal.TermNameFor(tc.date); got != tc.want {
			t.Errorf("TermNameFor(%v) = %q, want %q", tc.date, got, tc.want)
		}
	}
}

func TestUpcomingTransitionDatesSortedAscending(t *testing.T) {
	cal := newCalendar(t)
	now := time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC)
	dates := cal.UpcomingTransitionDates(now, 3)
	if len(dates) != 3 {
		t.Fatalf("expected 3 dates, got %d", len(dates))
	}
	for i := 1; i < len(dates); i++ {
		if !dates[i].After(dates[i-1]) {
			t.Fatalf("dates not ascending: %v then %v", dates[i-1], dates[i])
		}
	}
	if dates[0].Year() != 2026 || dates[2].Year() != 2028 {
		t.Fatalf("unexpected years: %v", dates)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []Config{
		{TransitionMonth: 0, TransitionDay: 1},
		{TransitionMonth: 13, TransitionDay: 1},
		{TransitionMonth: 7, TransitionDay: 0},
		{TransitionMonth: 2, TransitionDay: 30},
		{TransitionMonth: 7, TransitionDay: 1, LeadDays: -1},
		{TransitionMonth: 7, TransitionDay: 1, Timezone: "Mars/Olympus"},
	}
	for _, cfg := range tests {
		if _, err := New(cfg); err == nil {
			t.Errorf("New(%+v) expected error, got nil", cfg)
		}
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "term-calendar.yaml")
	contents := "transitionMonth: 7\ntransitionDay: 1\nleadDays: 45\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cal, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cal.LeadDays() != 45 {
		t.Fatalf("expected leadDays 45, got %d", cal.LeadDays())
	}
}
