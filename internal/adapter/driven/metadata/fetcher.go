// Package metadata implements the MetadataFetcher port over HTTP.
package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"github.com/ericfisherdev/ledgerkeys/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeys/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.MetadataFetcher = (*Fetcher)(nil)

// DefaultTimeout bounds a single metadata fetch.
const DefaultTimeout = 5 * time.Second

// maxDocumentSize caps how much of a response body is read.
const maxDocumentSize = 1 << 20

// Length limits applied after sanitising.
const (
	maxTitleLen       = 200
	maxDescriptionLen = 10000
)

// document is the JSON published at a record URI. Unknown fields are ignored.
type document struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	CreatedAt   any    `json:"createdAt"`
}

// Fetcher reads record metadata documents. Responses go through an
// in-memory ETag cache so repeated sweeps revalidate instead of re-downloading.
// Titles and descriptions are reduced to plain text before they are returned.
type Fetcher struct {
	client   *http.Client
	markdown goldmark.Markdown
	policy   *bluemonday.Policy
}

// NewFetcher creates a Fetcher whose requests time out after timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return NewFetcherWithHTTPClient(&http.Client{
		Transport: httpcache.NewMemoryCacheTransport(),
		Timeout:   timeout,
	})
}

// NewFetcherWithHTTPClient creates a Fetcher with a custom http.Client.
// This constructor is intended for testing.
func NewFetcherWithHTTPClient(client *http.Client) *Fetcher {
	return &Fetcher{
		client:   client,
		markdown: goldmark.New(),
		policy:   bluemonday.StrictPolicy(),
	}
}

// Fetch downloads and parses the metadata document at uri. Every failure
// wraps driven.ErrMetadataUnavailable.
func (f *Fetcher) Fetch(ctx context.Context, uri string) (*model.RecordMetadata, error) {
	u, err := url.Parse(uri)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("unsupported metadata uri %q: %w", uri, driven.ErrMetadataUnavailable)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building metadata request: %w: %w", driven.ErrMetadataUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w: %w", uri, driven.ErrMetadataUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetching %s: status %d: %w", uri, resp.StatusCode, driven.ErrMetadataUnavailable)
	}

	// Read to EOF so the cache transport stores the body.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w: %w", uri, driven.ErrMetadataUnavailable, err)
	}

	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding %s: %w: %w", uri, driven.ErrMetadataUnavailable, err)
	}

	return &model.RecordMetadata{
		Title:       truncate(f.plainText(doc.Title), maxTitleLen),
		Description: truncate(f.renderDescription(doc.Description), maxDescriptionLen),
		CreatedAt:   parseCreatedAt(doc.CreatedAt),
	}, nil
}

// plainText strips all markup from s.
func (f *Fetcher) plainText(s string) string {
	return strings.TrimSpace(html.UnescapeString(f.policy.Sanitize(s)))
}

// renderDescription treats the description as markdown and returns its text
// content with block boundaries kept as line breaks.
func (f *Fetcher) renderDescription(src string) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}

	var buf bytes.Buffer
	if err := f.markdown.Convert([]byte(src), &buf); err != nil {
		return f.plainText(src)
	}

	text := f.plainText(buf.String())
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// parseCreatedAt accepts RFC 3339 strings and unix seconds or milliseconds.
func parseCreatedAt(v any) time.Time {
	switch t := v.(type) {
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.UTC()
		}
	case float64:
		if t <= 0 {
			return time.Time{}
		}
		if t > 1e12 {
			return time.UnixMilli(int64(t)).UTC()
		}
		return time.Unix(int64(t), 0).UTC()
	}
	return time.Time{}
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
