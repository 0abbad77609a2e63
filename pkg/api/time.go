package api

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Time is a timestamp that accepts both epoch numbers and RFC 3339 strings.
// Numbers above 1e12 are treated as milliseconds, the rest as (fractional) seconds.
type Time struct{ time.Time }

const msThreshold = 1e12

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(t.UnixMilli(), 10)), nil
}

func (t *Time) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			t.Time = fromEpoch(v)
			return nil
		}
		v, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("bad timestamp %q: %w", s, err)
		}
		t.Time = v
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("bad timestamp %s: %w", data, err)
	}
	t.Time = fromEpoch(v)
	return nil
}

func fromEpoch(v float64) time.Time {
	if v > msThreshold {
		return time.UnixMilli(int64(v))
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9))
}
