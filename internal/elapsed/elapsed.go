// Package elapsed computes and formats time spent between workflow events.
// Nothing here reads the wall clock; callers pass "now" explicitly.
package elapsed

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/repairtrack/engine/internal/domain"
)

// Clock supplies wall-clock readings to callers of this package.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns T. Handy in tests and replays.
type FixedClock struct {
	T time.Time
}

// Now returns the fixed instant.
func (c FixedClock) Now() time.Time { return c.T }

// Elapsed returns end-start. An end before start is a caller error.
func Elapsed(start, end time.Time) (time.Duration, error) {
	if end.Before(start) {
		return 0, domain.Detail(domain.ErrInvalidInterval, "start %s, end %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return end.Sub(start), nil
}

// Since is Elapsed with the end taken from clock.
func Since(start time.Time, clock Clock) (time.Duration, error) {
	return Elapsed(start, clock.Now())
}

// Format renders d in two coarse components and never shows seconds:
// under an hour "Nm", under a day "Hh Mm", otherwise "Dd Hh".
func Format(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	switch {
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	case d < 24*time.Hour:
		h := int(d / time.Hour)
		m := int((d % time.Hour) / time.Minute)
		return fmt.Sprintf("%dh %dm", h, m)
	default:
		days := int(d / (24 * time.Hour))
		h := int((d % (24 * time.Hour)) / time.Hour)
		return fmt.Sprintf("%dd %dh", days, h)
	}
}

// FormatBetween is Elapsed followed by Format.
func FormatBetween(start, end time.Time) (string, error) {
	d, err := Elapsed(start, end)
	if err != nil {
		return "", err
	}
	return Format(d), nil
}

// Relative renders then relative to now ("3 hours ago").
func Relative(then, now time.Time) string {
	return humanize.RelTime(then, now, "ago", "from now")
}
