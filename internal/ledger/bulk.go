package ledger

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/rs/zerolog/log"
)

// Bulk downloads weekly bundles and their manifest from a static HTTP prefix.
type Bulk struct {
	base *url.URL
	http *http.Client
}

// NewBulk creates a downloader for prefix.
func NewBulk(prefix string, hc *http.Client) (*Bulk, error) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	base, err := url.Parse(prefix)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errmodel.Configf("invalid bulk prefix %q", prefix)
	}
	if hc == nil {
		hc = NewHTTPClient()
	}
	return &Bulk{base: base, http: hc}, nil
}

// Open streams the named object. The caller closes the body.
func (b *Bulk) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	target := b.base.ResolveReference(&url.URL{Path: name})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, errmodel.Configuration("build request", err)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errmodel.Transient("download "+name, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		log.Debug().Str("url", target.String()).Msg("Downloading bundle")
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", name, errmodel.ErrNotFound)
	default:
		defer resp.Body.Close()
		return nil, checkStatus("download "+name, resp)
	}
}

// String describes the source for logs.
func (b *Bulk) String() string { return b.base.String() }
