// Package clock provides the bot's notion of "now" in its delivery timezone.
package clock

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const DefaultZone = "Europe/Moscow"

// Source reports the current time in the configured zone.
// When the zone database is unavailable it falls back to a fixed UTC offset.
type Source struct {
	loc      *time.Location
	label    string
	fallback bool
	// offset is the configured fixed offset, kept to cross-check the zone database.
	offset    int
	hasOffset bool

	// Now is the wall clock; overridden in tests.
	Now func() time.Time
}

// New loads zone, or builds a fixed zone from fallbackOffset ("+03:00") if loading fails.
func New(zone, fallbackOffset string) (*Source, error) {
	zone = strings.TrimSpace(zone)
	if zone == "" {
		zone = DefaultZone
	}
	s := &Source{Now: time.Now}
	if strings.TrimSpace(fallbackOffset) == "" {
		fallbackOffset = "+03:00"
	}
	off, offErr := ParseOffset(fallbackOffset)
	if offErr == nil {
		s.offset, s.hasOffset = off, true
	}
	if loc, err := time.LoadLocation(zone); err == nil {
		s.loc = loc
		s.label = zone
		return s, nil
	}
	if offErr != nil {
		return nil, fmt.Errorf("clock: zone %q unavailable and fallback: %w", zone, offErr)
	}
	name := "UTC" + FormatOffset(off)
	s.loc = time.FixedZone(name, off)
	s.label = name
	s.fallback = true
	return s, nil
}

// Fixed returns a Source pinned to loc with a constant Now. Intended for tests and previews.
func Fixed(loc *time.Location, now time.Time) *Source {
	return &Source{loc: loc, label: loc.String(), Now: func() time.Time { return now }}
}

func (s *Source) Location() *time.Location { return s.loc }

// Label is the zone name shown in logs.
func (s *Source) Label() string { return s.label }

// UsingFallback reports whether the fixed-offset zone is in use.
func (s *Source) UsingFallback() bool { return s.fallback }

// Current returns the present instant in the delivery zone.
func (s *Source) Current() time.Time {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return now().In(s.loc)
}

// Drift is the difference between the zone's UTC offset and the host's local offset at t.
// Non-zero drift is normal on servers running in UTC; it is only logged.
func (s *Source) Drift(t time.Time) time.Duration {
	_, zoneOff := t.In(s.loc).Zone()
	_, hostOff := t.In(time.Local).Zone()
	return time.Duration(zoneOff-hostOff) * time.Second
}

// ErrZoneMismatch is returned by Verify when the zone database and the fixed
// offset disagree about the wall clock.
var ErrZoneMismatch = errors.New("clock: zone and fixed offset disagree")

// Verify checks that the zone database and the configured fixed offset yield the
// same wall clock minute at t. It is a no-op when the fallback zone is already in use.
func (s *Source) Verify(t time.Time) error {
	if s.fallback || !s.hasOffset {
		return nil
	}
	byZone := t.In(s.loc)
	byOffset := t.In(time.FixedZone("fixed", s.offset))
	if byZone.Hour() != byOffset.Hour() || byZone.Minute() != byOffset.Minute() {
		return fmt.Errorf("%w: %s says %s, %s says %s", ErrZoneMismatch,
			s.label, byZone.Format("15:04"), "UTC"+FormatOffset(s.offset), byOffset.Format("15:04"))
	}
	return nil
}

// ParseOffset parses "+03:00", "-0530", "+3" into seconds east of UTC.
func ParseOffset(s string) (int, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "UTC"))
	if s == "" {
		return 0, nil
	}
	sign := 1
	switch s[0] {
	case '+':
		s = s[1:]
	case '-':
		sign = -1
		s = s[1:]
	}
	var hh, mm string
	switch {
	case strings.Contains(s, ":"):
		hh, mm, _ = strings.Cut(s, ":")
	case len(s) == 4:
		hh, mm = s[:2], s[2:]
	default:
		hh, mm = s, "0"
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 14 {
		return 0, fmt.Errorf("invalid utc offset %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid utc offset %q", s)
	}
	return sign * (h*3600 + m*60), nil
}

func FormatOffset(sec int) string {
	sign := '+'
	if sec < 0 {
		sign = '-'
		sec = -sec
	}
	return fmt.Sprintf("%c%02d:%02d", sign, sec/3600, (sec%3600)/60)
}
