// Package clock implements the time-point and period primitives the rest of
// the agent builds on: a UTC instant with microsecond precision and a
// half-open period, plus the wire formats the control plane and object-key
// layout require.
package clock

import (
	"errors"
	"time"
)

// canonicalLayout is the ISO-8601 form used in API fields.
const canonicalLayout = "2006-01-02T15:04:05.000000"

// packedLayout is the form used in filenames and storage keys.
const packedLayout = "20060102T150405.000000"

// ErrInvalidTime is returned when a string matches neither wire layout.
var ErrInvalidTime = errors.New("clock: value is not a valid time point")

// Time is an absolute UTC instant with microsecond precision.
// The zero value is Null (unset), not the Unix epoch.
type Time struct {
	t     time.Time
	null  bool
	isMax bool
}

// Null returns the sentinel "unset" time point.
func Null() Time { return Time{null: true} }

// Max returns the sentinel "infinitely far in the future" time point.
func Max() Time { return Time{isMax: true} }

// Now returns the current instant, truncated to microsecond precision.
func Now() Time { return FromTime(time.Now()) }

// FromTime wraps a standard time.Time, truncating to microsecond precision
// and normalizing to UTC.
func FromTime(t time.Time) Time {
	return Time{t: t.UTC().Truncate(time.Microsecond)}
}

// IsNull reports whether this is the unset sentinel.
func (t Time) IsNull() bool { return t.null }

// IsMax reports whether this is the open-ended sentinel.
func (t Time) IsMax() bool { return t.isMax }

// Std returns the underlying standard library time. Calling it on a Null or
// Max time point returns the zero time.Time.
func (t Time) Std() time.Time { return t.t }

// Before reports whether t occurs strictly before o. Max sorts after
// everything except itself; Null sorts before everything except itself.
func (t Time) Before(o Time) bool {
	if t.null {
		return !o.null
	}
	if o.null {
		return false
	}
	if t.isMax {
		return false
	}
	if o.isMax {
		return true
	}
	return t.t.Before(o.t)
}

// Equal reports whether t and o denote the same instant (or the same
// sentinel).
func (t Time) Equal(o Time) bool {
	if t.null || o.null {
		return t.null == o.null
	}
	if t.isMax || o.isMax {
		return t.isMax == o.isMax
	}
	return t.t.Equal(o.t)
}

// After reports whether t occurs strictly after o.
func (t Time) After(o Time) bool { return o.Before(t) }

// AtOrAfter reports whether t occurs at or after o.
func (t Time) AtOrAfter(o Time) bool { return !t.Before(o) }

// Add returns t shifted by d. Adding to Null or Max is a no-op.
func (t Time) Add(d time.Duration) Time {
	if t.null || t.isMax {
		return t
	}
	return FromTime(t.t.Add(d))
}

// Sub returns the duration from o to t. Undefined (returns 0) if either
// operand is a sentinel.
func (t Time) Sub(o Time) time.Duration {
	if t.null || t.isMax || o.null || o.isMax {
		return 0
	}
	return t.t.Sub(o.t)
}

// Canonical formats t using the API-field ISO-8601 layout.
func (t Time) Canonical() string {
	if t.null {
		return ""
	}
	if t.isMax {
		return "9999-12-31T23:59:59.999999"
	}
	return t.t.Format(canonicalLayout)
}

// Packed formats t using the filename/storage-key layout.
func (t Time) Packed() string {
	if t.null {
		return ""
	}
	if t.isMax {
		return "99991231T235959.999999"
	}
	return t.t.Format(packedLayout)
}

// String implements fmt.Stringer, preferring the canonical layout.
func (t Time) String() string { return t.Canonical() }

// ParseAny parses either the canonical or packed ISO-8601 layout.
func ParseAny(s string) (Time, error) {
	if s == "" {
		return Null(), nil
	}
	if parsed, err := time.Parse(canonicalLayout, s); err == nil {
		return FromTime(parsed), nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return FromTime(parsed), nil
	}
	if parsed, err := time.Parse(packedLayout, s); err == nil {
		return FromTime(parsed), nil
	}
	return Time{}, ErrInvalidTime
}

// MarshalJSON implements json.Marshaler using the canonical layout.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.null {
		return []byte("null"), nil
	}
	return []byte(`"` + t.Canonical() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler, accepting either wire layout.
func (t *Time) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == `""` {
		*t = Null()
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := ParseAny(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
