package bundle

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/SteelMorgan/allegedly/internal/domain"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/klauspost/compress/gzip"
)

// maxLine bounds a single op line.
const maxLine = 4 << 20

// Scan decompresses a bundle from r and calls fn for each op in file order.
func Scan(r io.Reader, fn func(domain.Op) error) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return errmodel.Malformed("open bundle", err)
	}
	defer gz.Close()

	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		op, err := domain.ParseOp(line)
		if err != nil {
			return errmodel.WithSubject(err, fmt.Sprintf("line %d", lineNo))
		}
		if err := fn(op); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return errmodel.Malformed("read bundle", err)
	}
	return nil
}

// ReadFile returns every op of the bundle at path.
func ReadFile(path string) ([]domain.Op, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errmodel.Storage("open bundle", path, err)
	}
	defer f.Close()

	var ops []domain.Op
	err = Scan(f, func(op domain.Op) error {
		ops = append(ops, op)
		return nil
	})
	return ops, errmodel.WithSubject(err, path)
}

// Dir opens bundles from a local directory.
type Dir struct {
	Path string
}

// Open opens the named bundle. A missing file wraps errmodel.ErrNotFound.
func (d Dir) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(d.Path, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, errmodel.ErrNotFound)
	}
	if err != nil {
		return nil, errmodel.Storage("open bundle", name, err)
	}
	return f, nil
}

func (d Dir) String() string { return d.Path }
