package domain

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/SteelMorgan/allegedly/internal/errmodel"
)

// Op is one signed ledger operation as served by the export endpoint.
// The payload is kept opaque; only the addressing fields are decoded.
type Op struct {
	Did       string          `json:"did"`
	CID       string          `json:"cid"`
	CreatedAt time.Time       `json:"createdAt"`
	Nullified bool            `json:"nullified"`
	Operation json.RawMessage `json:"operation"`
	Seq       uint64          `json:"seq,omitempty"`

	// Raw holds the exact upstream line so output reproduces upstream bytes.
	Raw []byte `json:"-"`
}

// OpKey is the dedup key of an op.
type OpKey struct {
	Did string
	CID string
}

func (k OpKey) String() string { return k.Did + " " + k.CID }

func (o Op) Key() OpKey { return OpKey{Did: o.Did, CID: o.CID} }

// ParseOp decodes one export line.
func ParseOp(line []byte) (Op, error) {
	line = bytes.TrimSpace(line)
	var op Op
	if err := json.Unmarshal(line, &op); err != nil {
		return Op{}, errmodel.Malformed("decode op", err)
	}
	if op.Did == "" || op.CID == "" {
		return Op{}, errmodel.Malformedf("decode op", "op is missing did or cid: %.120s", line)
	}
	if op.CreatedAt.IsZero() {
		return Op{}, errmodel.Malformedf("decode op", "op %s has no createdAt", op.Key())
	}
	op.Raw = append([]byte(nil), line...)
	return op, nil
}

// Line returns the op serialized as a single JSON line without the newline.
func (o Op) Line() []byte {
	if len(o.Raw) > 0 {
		return o.Raw
	}
	b, _ := json.Marshal(o)
	return b
}
