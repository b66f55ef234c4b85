// Package period maps wall-clock time onto ledger periods.
//
// A Calendar divides time since an epoch into fixed-length
// buckets. Components never read the clock directly; they
// take a Func so tests can pin "today".
package period

import (
	"errors"
	"time"

	"github.com/i5heu/ouroboros-ledger/pkg/auth"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

// Day is the default bucket length.
const Day = 24 * time.Hour

// Func returns the current period.
type Func func() types.Period

// Calendar converts between times and periods.
type Calendar struct { // A
	epoch  time.Time
	length time.Duration
}

// NewCalendar builds a Calendar. The epoch is normalised
// to UTC and length must be at least one second.
func NewCalendar( // A
	epoch time.Time,
	length time.Duration,
) (Calendar, error) {
	if length < time.Second {
		return Calendar{}, errors.New(
			"period length must be at least one second",
		)
	}
	return Calendar{epoch: epoch.UTC(), length: length}, nil
}

// Daily returns whole UTC days since the Unix epoch.
func Daily() Calendar { // A
	return Calendar{epoch: time.Unix(0, 0).UTC(), length: Day}
}

// Of returns the period containing t. Times before the
// epoch map to period 0.
func (c Calendar) Of(t time.Time) types.Period { // A
	d := t.Sub(c.epoch)
	if d < 0 {
		return 0
	}
	return types.Period(d / c.length)
}

// Start returns the first instant of p.
func (c Calendar) Start(p types.Period) time.Time { // A
	return c.epoch.Add(time.Duration(p) * c.length)
}

// Length returns the bucket length.
func (c Calendar) Length() time.Duration { // A
	return c.length
}

// Current binds the calendar to a clock.
func (c Calendar) Current(clock auth.Clock) Func { // A
	return func() types.Period {
		return c.Of(clock.Now())
	}
}

// Fixed returns a Func that always reports p.
func Fixed(p types.Period) Func { // A
	return func() types.Period { return p }
}
