package modelcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// Source fetches blob bytes starting at a byte offset.
type Source interface {
	// Fetch opens rawURL positioned at offset. The caller closes the
	// returned reader.
	Fetch(ctx context.Context, rawURL string, offset int64) (io.ReadCloser, error)
}

// SourceFunc adapts a function to [Source].
type SourceFunc func(ctx context.Context, rawURL string, offset int64) (io.ReadCloser, error)

// Fetch implements [Source].
func (f SourceFunc) Fetch(ctx context.Context, rawURL string, offset int64) (io.ReadCloser, error) {
	return f(ctx, rawURL, offset)
}

// ErrPermanent marks source errors that retrying the same URL cannot fix
// (not found, forbidden, range not satisfiable).
var ErrPermanent = errors.New("modelcache: permanent source error")

// ── HTTP ────────────────────────────────────────────────────────────────────

// HTTPSource fetches over http(s) with "Range: bytes=N-" requests.
type HTTPSource struct {
	// Client defaults to [http.DefaultClient].
	Client *http.Client

	// UserAgent is sent when non-empty.
	UserAgent string
}

var _ Source = (*HTTPSource)(nil)

// Fetch implements [Source]. A server that ignores the Range header is
// handled by discarding the first offset bytes.
func (s *HTTPSource) Fetch(ctx context.Context, rawURL string, offset int64) (io.ReadCloser, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	if s.UserAgent != "" {
		req.Header.Set("User-Agent", s.UserAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("modelcache: GET %s: %w", rawURL, err)
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		return resp.Body, nil
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
				resp.Body.Close()
				return nil, fmt.Errorf("modelcache: GET %s: skip to offset %d: %w", rawURL, offset, err)
			}
		}
		return resp.Body, nil
	}

	resp.Body.Close()
	err = fmt.Errorf("modelcache: GET %s: unexpected status %s", rawURL, resp.Status)
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusForbidden, http.StatusUnauthorized, http.StatusRequestedRangeNotSatisfiable, http.StatusGone:
		return nil, fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	return nil, err
}

// ── File ────────────────────────────────────────────────────────────────────

// FileSource reads file:// URLs and plain paths.
type FileSource struct{}

var _ Source = FileSource{}

// Fetch implements [Source].
func (FileSource) Fetch(ctx context.Context, rawURL string, offset int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := filePath(rawURL)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		return nil, fmt.Errorf("modelcache: open %s: %w", path, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("modelcache: seek %s: %w", path, err)
		}
	}
	return f, nil
}

func filePath(rawURL string) (string, error) {
	if !strings.HasPrefix(rawURL, "file:") {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	if u.Path == "" {
		return u.Opaque, nil
	}
	return u.Path, nil
}

// ── Multi ───────────────────────────────────────────────────────────────────

// MultiSource dispatches by URL scheme. Scheme-less URLs are treated as
// "file".
type MultiSource map[string]Source

var _ Source = MultiSource(nil)

// DefaultSource serves http, https and file URLs.
func DefaultSource(client *http.Client) MultiSource {
	h := &HTTPSource{Client: client, UserAgent: "murmur"}
	return MultiSource{"http": h, "https": h, "file": FileSource{}}
}

// Fetch implements [Source].
func (m MultiSource) Fetch(ctx context.Context, rawURL string, offset int64) (io.ReadCloser, error) {
	scheme := "file"
	if i := strings.Index(rawURL, "://"); i > 0 {
		scheme = strings.ToLower(rawURL[:i])
	} else if strings.HasPrefix(rawURL, "file:") {
		scheme = "file"
	}
	src, ok := m[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no source for scheme %q", ErrPermanent, scheme)
	}
	return src.Fetch(ctx, rawURL, offset)
}
