package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// WeekSeconds is the bundling period.
	WeekSeconds = 7 * 24 * 60 * 60

	// BulkEpoch is the first week that holds ledger ops (2022-11-17).
	BulkEpoch Week = 1668643200

	// ImmutableAfter is how long after a week ends its content is final:
	// the 72h nullification window plus an hour of slack.
	ImmutableAfter = 73 * time.Hour
)

// Week identifies a bundling period by its start in unix seconds.
type Week int64

// WeekOf returns the week containing t.
func WeekOf(t time.Time) Week {
	u := t.Unix()
	return Week(u - u%WeekSeconds)
}

func (w Week) Start() time.Time { return time.Unix(int64(w), 0).UTC() }
func (w Week) End() time.Time   { return w.Next().Start() }
func (w Week) Next() Week       { return w + WeekSeconds }

// Immutable reports whether no more ops can land in w as of now.
func (w Week) Immutable(now time.Time) bool {
	return now.Sub(w.End()) > ImmutableAfter
}

// LastImmutable returns the most recent immutable week as of now.
func LastImmutable(now time.Time) Week {
	w := WeekOf(now.Add(-ImmutableAfter))
	for !w.Immutable(now) {
		w -= WeekSeconds
	}
	return w
}

// FileName is the bundle name for the first part of the week.
func (w Week) FileName() string { return PartName(w, 0) }

// PartName names the part-th bundle of a week.
func PartName(w Week, part int) string {
	if part == 0 {
		return fmt.Sprintf("%d.jsonl.gz", int64(w))
	}
	return fmt.Sprintf("%d.%d.jsonl.gz", int64(w), part)
}

// ParseWeek accepts a unix timestamp or an RFC3339 time and returns the week
// containing it.
func ParseWeek(s string) (Week, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return WeekOf(time.Unix(n, 0)), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("invalid week %q: want unix seconds or RFC3339", s)
	}
	return WeekOf(t), nil
}
