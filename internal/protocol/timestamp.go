package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Timestamp is a point in time on the wire. It is written as RFC3339 UTC and
// read from either an RFC3339 string or a number of epoch seconds, since
// microcontroller firmware usually reports the latter.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t, normalised to UTC with second precision.
func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{Time: t.UTC().Truncate(time.Second)}
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.UTC().Format(time.RFC3339))
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("empty timestamp")
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}

		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}

		ts.Time = t.UTC()

		return nil
	}

	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("timestamp %s: %w", data, err)
	}

	if secs < 0 {
		return fmt.Errorf("negative timestamp %v", secs)
	}

	whole := int64(secs)
	ts.Time = time.Unix(whole, int64((secs-float64(whole))*float64(time.Second))).UTC()

	return nil
}
