package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is a resumable position in the ledger.
//
// In sequence mode everything with seq <= Seq has been consumed. In timestamp
// mode everything created strictly before At has been consumed, plus the ops
// at exactly At whose keys are listed in Boundary. The zero Cursor is the
// start of the log.
type Cursor struct {
	Seq      uint64
	At       time.Time
	Boundary []OpKey
}

// SeqCursor is the cursor after seq.
func SeqCursor(seq uint64) Cursor { return Cursor{Seq: seq} }

// TimeCursor is the cursor just before t.
func TimeCursor(t time.Time) Cursor { return Cursor{At: t.UTC()} }

func (c Cursor) IsZero() bool { return c.Seq == 0 && c.At.IsZero() }

// Covers reports whether op has already been consumed at this position.
func (c Cursor) Covers(op Op) bool {
	if c.Seq > 0 && op.Seq > 0 {
		return op.Seq <= c.Seq
	}
	if c.At.IsZero() {
		return false
	}
	if op.CreatedAt.Before(c.At) {
		return true
	}
	if op.CreatedAt.Equal(c.At) {
		return c.hasKey(op.Key())
	}
	return false
}

// Advance returns the position after consuming ops, which must be in ledger
// order. Ops already covered do not move the cursor.
func (c Cursor) Advance(ops []Op) Cursor {
	next := c.clone()
	for _, op := range ops {
		if next.Covers(op) {
			continue
		}
		if op.Seq > next.Seq {
			next.Seq = op.Seq
		}
		switch {
		case op.CreatedAt.After(next.At):
			next.At = op.CreatedAt.UTC()
			next.Boundary = []OpKey{op.Key()}
		case op.CreatedAt.Equal(next.At):
			next.Boundary = append(next.Boundary, op.Key())
		}
	}
	return next
}

// Before reports whether c is strictly behind o.
func (c Cursor) Before(o Cursor) bool {
	if c.Seq > 0 || o.Seq > 0 {
		if c.Seq != o.Seq {
			return c.Seq < o.Seq
		}
	}
	if !c.At.Equal(o.At) {
		return c.At.Before(o.At)
	}
	return len(c.Boundary) < len(o.Boundary)
}

// Equal reports whether both cursors denote the same position.
func (c Cursor) Equal(o Cursor) bool {
	return !c.Before(o) && !o.Before(c)
}

// Max returns the further of two cursors.
func Max(a, b Cursor) Cursor {
	if a.Before(b) {
		return b
	}
	return a
}

// Min returns the earlier of the given cursors, or the zero cursor.
func Min(cs ...Cursor) Cursor {
	if len(cs) == 0 {
		return Cursor{}
	}
	m := cs[0]
	for _, c := range cs[1:] {
		if c.Before(m) {
			m = c
		}
	}
	return m
}

// After returns the value sent as the export endpoint's after parameter.
func (c Cursor) After(seqMode bool) string {
	if seqMode {
		return strconv.FormatUint(c.Seq, 10)
	}
	if c.At.IsZero() {
		return ""
	}
	return c.At.UTC().Format(time.RFC3339Nano)
}

// String encodes the cursor. ParseCursor reverses it.
func (c Cursor) String() string {
	var parts []string
	if c.Seq > 0 {
		parts = append(parts, "seq:"+strconv.FormatUint(c.Seq, 10))
	}
	if !c.At.IsZero() {
		var b strings.Builder
		b.WriteString("ts:")
		b.WriteString(c.At.UTC().Format(time.RFC3339Nano))
		if len(c.Boundary) > 0 {
			b.WriteByte('|')
			for i, k := range c.Boundary {
				if i > 0 {
					b.WriteByte(',')
				}
				b.WriteString(k.String())
			}
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, ";")
}

// ParseCursor decodes a cursor produced by Cursor.String. A bare RFC3339
// timestamp is accepted as a timestamp cursor with no boundary keys.
func ParseCursor(s string) (Cursor, error) {
	var c Cursor
	for _, part := range strings.Split(strings.TrimSpace(s), ";") {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
		case strings.HasPrefix(part, "seq:"):
			n, err := strconv.ParseUint(strings.TrimPrefix(part, "seq:"), 10, 64)
			if err != nil {
				return Cursor{}, fmt.Errorf("invalid seq cursor %q: %w", s, err)
			}
			c.Seq = n
		default:
			if err := c.parseTimestamp(strings.TrimPrefix(part, "ts:")); err != nil {
				return Cursor{}, err
			}
		}
	}
	return c, nil
}

func (c *Cursor) parseTimestamp(s string) error {
	ts, keys, _ := strings.Cut(s, "|")
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return fmt.Errorf("invalid timestamp cursor %q: %w", s, err)
	}
	c.At = at.UTC()
	c.Boundary = nil
	if keys == "" {
		return nil
	}
	for _, part := range strings.Split(keys, ",") {
		did, cid, ok := strings.Cut(part, " ")
		if !ok || did == "" || cid == "" {
			return fmt.Errorf("invalid boundary key %q in cursor", part)
		}
		c.Boundary = append(c.Boundary, OpKey{Did: did, CID: cid})
	}
	return nil
}

func (c Cursor) hasKey(k OpKey) bool {
	for _, b := range c.Boundary {
		if b == k {
			return true
		}
	}
	return false
}

func (c Cursor) clone() Cursor {
	out := c
	if len(c.Boundary) > 0 {
		out.Boundary = append([]OpKey(nil), c.Boundary...)
	}
	return out
}
