package domain

import "fmt"

// TailStream is the stream id used by the live tail.
const TailStream = "tail"

// Batch is the unit handed atomically to a sink: the ops, and the cursor to
// commit for Stream once they are applied.
type Batch struct {
	Stream string
	Ops    []Op
	Next   Cursor
}

// Trim returns the ops of b not covered by c.
func (b Batch) Trim(c Cursor) []Op {
	if c.IsZero() {
		return b.Ops
	}
	i := 0
	for i < len(b.Ops) && c.Covers(b.Ops[i]) {
		i++
	}
	if i == len(b.Ops) {
		return nil
	}
	out := make([]Op, 0, len(b.Ops)-i)
	for _, op := range b.Ops[i:] {
		if !c.Covers(op) {
			out = append(out, op)
		}
	}
	return out
}

// BackfillStream is the stream id a backfill range commits under.
func BackfillStream(rangeID string) string { return "backfill/" + rangeID }

// RangeStatus is the lifecycle state of a worker range.
type RangeStatus string

const (
	RangePending RangeStatus = "pending"
	RangeRunning RangeStatus = "running"
	RangeDone    RangeStatus = "done"
	RangeFailed  RangeStatus = "failed"
)

// WorkerRange is the sub-range of the ledger assigned to one backfill worker.
// For sequence ranges Low and High bound seq as [Low, High); for bundle ranges
// Low is the week and Source names the bundle.
type WorkerRange struct {
	ID       string
	Low      int64
	High     int64
	Source   string
	Attempts int
	Status   RangeStatus
}

func (r WorkerRange) String() string {
	if r.Source != "" {
		return fmt.Sprintf("%s (%s)", r.ID, r.Source)
	}
	return fmt.Sprintf("%s [%d, %d)", r.ID, r.Low, r.High)
}
