package schedule

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidInstant is returned for a stored timestamp that cannot be read
var ErrInvalidInstant = errors.New("invalid instant")

// documentTimestamp is the object form the document store exports
// timestamps in. Both field spellings appear in exports.
type documentTimestamp struct {
	Seconds      *int64 `json:"seconds"`
	Nanoseconds  *int64 `json:"nanoseconds"`
	USeconds     *int64 `json:"_seconds"`
	UNanoseconds *int64 `json:"_nanoseconds"`
}

// ParseInstant reads a stored timestamp in any of its historical shapes:
// an RFC 3339 string, epoch milliseconds, or a {seconds, nanoseconds} object.
func ParseInstant(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidInstant)
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidInstant, err)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidInstant, s)
		}
		return t, nil

	case '{':
		var ts documentTimestamp
		if err := json.Unmarshal(raw, &ts); err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidInstant, err)
		}
		sec, nsec := ts.Seconds, ts.Nanoseconds
		if sec == nil {
			sec, nsec = ts.USeconds, ts.UNanoseconds
		}
		if sec == nil {
			return time.Time{}, fmt.Errorf("%w: object without seconds", ErrInvalidInstant)
		}
		var n int64
		if nsec != nil {
			n = *nsec
		}
		return time.Unix(*sec, n).UTC(), nil

	default:
		var ms float64
		if err := json.Unmarshal(raw, &ms); err != nil {
			return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidInstant, string(raw))
		}
		if math.IsNaN(ms) || math.IsInf(ms, 0) || ms <= 0 {
			return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidInstant, string(raw))
		}
		return time.UnixMilli(int64(ms)).UTC(), nil
	}
}

// NormalizeInstants parses every entry, dropping the ones that cannot be read.
// Order of the valid entries is preserved.
func NormalizeInstants(raw []json.RawMessage) (valid []time.Time, dropped int) {
	valid = make([]time.Time, 0, len(raw))
	for _, r := range raw {
		t, err := ParseInstant(r)
		if err != nil {
			dropped++
			continue
		}
		valid = append(valid, t)
	}
	return valid, dropped
}

// ValidInstants filters out zero values
func ValidInstants(ts []time.Time) []time.Time {
	out := make([]time.Time, 0, len(ts))
	for _, t := range ts {
		if !t.IsZero() {
			out = append(out, t)
		}
	}
	return out
}
