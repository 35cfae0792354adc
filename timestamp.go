package bikecurate

import (
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the serialized form of every curated timestamp.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// Layouts seen across the raw trip files. All are local wall time.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
}

func ParseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}
