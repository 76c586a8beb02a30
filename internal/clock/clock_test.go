package clock

import (
	"errors"
	"testing"
	"time"
)

func TestParseOffset(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"+03:00", 3 * 3600, false},
		{"UTC+3", 3 * 3600, false},
		{"-0530", -(5*3600 + 30*60), false},
		{"", 0, false},
		{"+25:00", 0, true},
		{"+03:75", 0, true},
		{"abc", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseOffset(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseOffset(%q) err=%v wantErr=%v", tc.in, err, tc.wantErr)
		}
		if err == nil && got != tc.want {
			t.Fatalf("ParseOffset(%q)=%d want %d", tc.in, got, tc.want)
		}
	}
}

func TestNewFallsBackToFixedOffset(t *testing.T) {
	t.Parallel()

	s, err := New("Nowhere/Invalid_Zone", "+03:00")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !s.UsingFallback() || s.Label() != "UTC+03:00" {
		t.Fatalf("expected fallback zone, got %q", s.Label())
	}
	s.Now = func() time.Time { return time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC) }
	if got := s.Current(); got.Hour() != 8 {
		t.Fatalf("hour = %d, want 8", got.Hour())
	}
}

func TestNewRejectsBadFallback(t *testing.T) {
	t.Parallel()
	if _, err := New("Nowhere/Invalid_Zone", "soon"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDriftAgainstUTCHost(t *testing.T) {
	t.Parallel()

	s := Fixed(time.FixedZone("MSK", 3*3600), time.Time{})
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	_, hostOff := at.In(time.Local).Zone()
	want := time.Duration(3*3600-hostOff) * time.Second
	if got := s.Drift(at); got != want {
		t.Fatalf("drift = %v, want %v", got, want)
	}
}

func TestVerifyCrossChecksZoneAndOffset(t *testing.T) {
	t.Parallel()

	s, err := New("UTC", "+00:00")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	at := time.Date(2024, 3, 10, 7, 59, 0, 0, time.UTC)
	if err := s.Verify(at); err != nil {
		t.Fatalf("expected agreement: %v", err)
	}

	s, err = New("UTC", "+03:00")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Verify(at); !errors.Is(err, ErrZoneMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}
