// Package termcal computes the club's canonical term boundaries. A term
// begins on the configured transition date (e.g. July 1) and runs until the
// next one; the calendar itself holds no mutable state.
package termcal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	TransitionMonth int    `yaml:"transitionMonth"`
	TransitionDay   int    `yaml:"transitionDay"`
	LeadDays        int    `yaml:"leadDays"`
	Timezone        string `yaml:"timezone"`
}

type Calendar struct {
	month    time.Month
	day      int
	leadDays int
	loc      *time.Location
}

// Load reads the calendar configuration from a YAML file. Configuration
// errors are fatal at startup, never surfaced per-call.
func Load(path string) (*Calendar, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read term calendar: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("parse term calendar: %w", err)
	}
	return New(cfg)
}

func New(cfg Config) (*Calendar, error) {
	if cfg.TransitionMonth < 1 || cfg.TransitionMonth > 12 {
		return nil, fmt.Errorf("term calendar: transitionMonth %d out of range", cfg.TransitionMonth)
	}
	if cfg.TransitionDay < 1 || cfg.TransitionDay > 28 {
		// Capped at 28 so the date exists in every year.
		return nil, fmt.Errorf("term calendar: transitionDay %d out of range", cfg.TransitionDay)
	}
	if cfg.LeadDays < 0 {
		return nil, fmt.Errorf("term calendar: leadDays %d must not be negative", cfg.LeadDays)
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		parsed, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("term calendar: timezone: %w", err)
		}
		loc = parsed
	}
	leadDays := cfg.LeadDays
	if leadDays == 0 {
		leadDays = 30
	}
	return &Calendar{
		month:    time.Month(cfg.TransitionMonth),
		day:      cfg.TransitionDay,
		leadDays: leadDays,
		loc:      loc,
	}, nil
}

func (c *Calendar) LeadDays() int { return c.leadDays }

// NextTransitionDate returns the first transition instant strictly after now.
func (c *Calendar) NextTransitionDate(now time.Time) time.Time {
	candidate := c.transitionIn(now.In(c.loc).Year())
	if !candidate.After(now) {
		candidate = c.transitionIn(now.In(c.loc).Year() + 1)
	}
	return candidate
}

// UpcomingTransitionDates returns the next n transition dates in ascending order.
func (c *Calendar) UpcomingTransitionDates(now time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	dates := make([]time.Time, 0, n)
	next := c.NextTransitionDate(now)
	for i := 0; i < n; i++ {
		dates = append(dates, next)
		next = c.transitionIn(next.Year() + 1)
	}
	return dates
}

// TermNameFor names the term containing date, e.g. "2026-2027" for any
// instant between the 2026 and 2027 transitions.
func (c *Calendar) TermNameFor(date time.Time) string {
	local := date.In(c.loc)
	startYear := local.Year()
	if local.Before(c.transitionIn(startYear)) {
		startYear--
	}
	return fmt.Sprintf("%d-%d", startYear, startYear+1)
}

func (c *Calendar) transitionIn(year int) time.Time {
	return time.Date(year, c.month, c.day, 0, 0, 0, 0, c.loc)
}
