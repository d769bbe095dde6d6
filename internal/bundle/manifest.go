package bundle

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
)

// ManifestName is the manifest file kept next to the bundles.
const ManifestName = "manifest.jsonl"

// Entry describes one sealed bundle.
type Entry struct {
	Name     string      `json:"name"`
	Stream   string      `json:"stream"`
	Week     domain.Week `json:"week"`
	Part     int         `json:"part"`
	Start    string      `json:"start"`
	End      string      `json:"end"`
	First    time.Time   `json:"first"`
	Last     time.Time   `json:"last"`
	Count    int         `json:"count"`
	Bytes    int64       `json:"bytes"`
	SHA256   string      `json:"sha256"`
	SealedAt time.Time   `json:"sealed_at"`
}

// EndCursor decodes the cursor after the bundle's last op.
func (e Entry) EndCursor() (domain.Cursor, error) { return domain.ParseCursor(e.End) }

// Manifest is the append-only index of sealed bundles.
type Manifest struct {
	path    string
	entries []Entry
}

// LoadManifest reads dir's manifest; a missing file is an empty manifest.
func LoadManifest(dir string) (*Manifest, error) {
	m := &Manifest{path: filepath.Join(dir, ManifestName)}
	f, err := os.Open(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, errmodel.Storage("open manifest", m.path, err)
	}
	defer f.Close()

	entries, err := ParseManifest(f)
	if err != nil {
		return nil, err
	}
	m.entries = entries
	return m, nil
}

// ParseManifest decodes manifest lines. A torn final line, left by a crash
// mid-append, is ignored.
func ParseManifest(r io.Reader) ([]Entry, error) {
	var entries []Entry
	br := bufio.NewReader(r)
	for lineNo := 1; ; lineNo++ {
		line, err := br.ReadBytes('\n')
		complete := err == nil
		if len(bytes.TrimSpace(line)) > 0 {
			var e Entry
			if jerr := json.Unmarshal(line, &e); jerr != nil {
				if !complete {
					break
				}
				return nil, errmodel.Malformed("parse manifest", fmt.Errorf("line %d: %w", lineNo, jerr))
			}
			entries = append(entries, e)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errmodel.Storage("read manifest", "", err)
		}
	}
	return entries, nil
}

// Entries returns the entries ordered by week, then part.
func (m *Manifest) Entries() []Entry {
	out := append([]Entry(nil), m.entries...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Week != out[j].Week {
			return out[i].Week < out[j].Week
		}
		return out[i].Part < out[j].Part
	})
	return out
}

// Append durably adds e.
func (m *Manifest) Append(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errmodel.Storage("append manifest", m.path, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return errmodel.Storage("append manifest", m.path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errmodel.Storage("sync manifest", m.path, err)
	}
	if err := f.Close(); err != nil {
		return errmodel.Storage("close manifest", m.path, err)
	}
	m.entries = append(m.entries, e)
	return nil
}

// parts returns how many bundles week already has.
func (m *Manifest) parts(w domain.Week) int {
	n := 0
	for _, e := range m.entries {
		if e.Week == w && e.Part >= n {
			n = e.Part + 1
		}
	}
	return n
}

// streamCursors returns the end cursor of the last sealed bundle per stream.
func (m *Manifest) streamCursors() (map[string]domain.Cursor, error) {
	out := make(map[string]domain.Cursor)
	for _, e := range m.entries {
		c, err := e.EndCursor()
		if err != nil {
			return nil, errmodel.Malformed("manifest cursor", fmt.Errorf("%s: %w", e.Name, err))
		}
		out[e.Stream] = domain.Max(out[e.Stream], c)
	}
	return out, nil
}

// Problem is one finding of Verify.
type Problem struct {
	Name   string
	Reason string
}

func (p Problem) String() string { return p.Name + ": " + p.Reason }

// Verify checks every bundle's checksum and reports gaps or overlaps between
// consecutive bundles of the same stream.
func Verify(dir string) ([]Problem, error) {
	m, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}

	var problems []Problem
	for _, e := range m.entries {
		sum, err := fileChecksum(filepath.Join(dir, e.Name))
		if err != nil {
			problems = append(problems, Problem{e.Name, err.Error()})
			continue
		}
		if sum != e.SHA256 {
			problems = append(problems, Problem{e.Name, "checksum mismatch"})
		}
	}

	byStream := make(map[string][]Entry)
	for _, e := range m.entries {
		byStream[e.Stream] = append(byStream[e.Stream], e)
	}
	for _, entries := range byStream {
		for i := 1; i < len(entries); i++ {
			prev, cur := entries[i-1], entries[i]
			if cur.Start != prev.End {
				problems = append(problems, Problem{cur.Name, fmt.Sprintf("starts at %q but %s ended at %q", cur.Start, prev.Name, prev.End)})
			}
			if cur.First.Before(prev.Last) {
				problems = append(problems, Problem{cur.Name, "overlaps " + prev.Name})
			}
		}
	}
	return problems, nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
