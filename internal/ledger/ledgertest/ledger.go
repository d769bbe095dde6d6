// Package ledgertest provides an in-memory ledger for engine and client tests.
package ledgertest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/SteelMorgan/allegedly/internal/domain"
)

// Start is the createdAt of the first generated op.
var Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Generate returns n ops with seq 1..n. Every three consecutive ops share a
// timestamp so page boundaries regularly split a timestamp.
func Generate(n int) []domain.Op {
	ops := make([]domain.Op, 0, n)
	for i := 1; i <= n; i++ {
		ops = append(ops, MakeOp(uint64(i), Start.Add(time.Duration((i-1)/3)*time.Millisecond)))
	}
	return ops
}

// MakeOp builds an op the way upstream would serialize it.
func MakeOp(seq uint64, at time.Time) domain.Op {
	line, _ := json.Marshal(map[string]any{
		"did":       fmt.Sprintf("did:plc:%08d", seq),
		"cid":       fmt.Sprintf("bafyop%08d", seq),
		"createdAt": at.UTC().Format("2006-01-02T15:04:05.000Z"),
		"nullified": false,
		"operation": map[string]any{"type": "plc_operation", "n": seq},
		"seq":       seq,
	})
	op, err := domain.ParseOp(line)
	if err != nil {
		panic(err)
	}
	return op
}

// Unsequenced strips seq from ops, as served by upstreams that page by
// timestamp only.
func Unsequenced(ops []domain.Op) []domain.Op {
	out := make([]domain.Op, 0, len(ops))
	for _, op := range ops {
		var fields map[string]any
		_ = json.Unmarshal(op.Raw, &fields)
		delete(fields, "seq")
		line, _ := json.Marshal(fields)
		parsed, err := domain.ParseOp(line)
		if err != nil {
			panic(err)
		}
		out = append(out, parsed)
	}
	return out
}

// Ledger serves a fixed list of ops through the same contract as the
// upstream client.
type Ledger struct {
	mu       sync.Mutex
	ops      []domain.Op
	calls    int
	failures []error
	delay    time.Duration
}

func New(ops []domain.Op) *Ledger {
	return &Ledger{ops: ops}
}

// Append adds ops to the end of the log.
func (l *Ledger) Append(ops ...domain.Op) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, ops...)
}

// FailNext makes the next len(errs) fetches return errs in order.
func (l *Ledger) FailNext(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, errs...)
}

// SetDelay slows every fetch down.
func (l *Ledger) SetDelay(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delay = d
}

// Calls returns the number of fetches served.
func (l *Ledger) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *Ledger) FetchBatch(ctx context.Context, cursor domain.Cursor, limit int) ([]domain.Op, domain.Cursor, error) {
	l.mu.Lock()
	l.calls++
	delay := l.delay
	if len(l.failures) > 0 {
		err := l.failures[0]
		l.failures = l.failures[1:]
		l.mu.Unlock()
		return nil, cursor, err
	}
	page := make([]domain.Op, 0, limit)
	for _, op := range l.ops {
		if len(page) == limit {
			break
		}
		if !cursor.Covers(op) {
			page = append(page, op)
		}
	}
	l.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, cursor, ctx.Err()
		case <-time.After(delay):
		}
	}
	return page, cursor.Advance(page), nil
}

// Handler serves /export and /{did}/log/audit over HTTP. Timestamp paging
// is inclusive of the after value so clients must dedup the boundary.
func (l *Ledger) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l.mu.Lock()
		ops := append([]domain.Op(nil), l.ops...)
		l.mu.Unlock()

		if r.URL.Path == "/export" {
			serveExport(w, r, ops)
			return
		}
		if did, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/"), "/log/audit"); ok {
			var entries []json.RawMessage
			for _, op := range ops {
				if op.Did == did {
					entries = append(entries, op.Line())
				}
			}
			if entries == nil {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(entries)
			return
		}
		http.NotFound(w, r)
	})
}

func serveExport(w http.ResponseWriter, r *http.Request, ops []domain.Op) {
	count := 1000
	if v := r.URL.Query().Get("count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			count = n
		}
	}
	after := r.URL.Query().Get("after")
	var afterSeq uint64
	var afterTime time.Time
	if after != "" {
		if n, err := strconv.ParseUint(after, 10, 64); err == nil {
			afterSeq = n
		} else if t, err := time.Parse(time.RFC3339Nano, after); err == nil {
			afterTime = t
		} else {
			http.Error(w, "bad after", http.StatusBadRequest)
			return
		}
	}

	w.Header().Set("Content-Type", "application/jsonlines")
	sent := 0
	for _, op := range ops {
		if sent == count {
			break
		}
		if afterSeq > 0 && op.Seq <= afterSeq {
			continue
		}
		if !afterTime.IsZero() && op.CreatedAt.Before(afterTime) {
			continue
		}
		w.Write(op.Line())
		w.Write([]byte("\n"))
		sent++
	}
}
