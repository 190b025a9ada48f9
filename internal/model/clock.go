package model

import (
	"fmt"
	"time"
)

const DateLayout = "2006-01-02"

// Clock is a time of day, stored as the offset from midnight.
type Clock time.Duration

func NewClock(hour, minute int) Clock {
	return Clock(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

// ParseClock accepts "HH:MM".
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	return NewClock(t.Hour(), t.Minute()), nil
}

func (c Clock) Add(d time.Duration) Clock { return c + Clock(d) }

func (c Clock) Duration() time.Duration { return time.Duration(c) }

// On anchors the clock to the given day.
func (c Clock) On(day time.Time) time.Time {
	return Day(day).Add(time.Duration(c))
}

func (c Clock) String() string {
	d := time.Duration(c)
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

// UnmarshalText lets the clock be used with json, yaml and envconfig.
func (c *Clock) UnmarshalText(b []byte) error {
	v, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func (c Clock) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// ClockOf returns the time-of-day part of t.
func ClockOf(t time.Time) Clock {
	return Clock(t.Sub(Day(t)))
}

// Day truncates t to UTC midnight. Schedule dates are always UTC.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NextDay returns midnight of the calendar day after t.
func NextDay(t time.Time) time.Time {
	return Day(t).AddDate(0, 0, 1)
}

func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}
