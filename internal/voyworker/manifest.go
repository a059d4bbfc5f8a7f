package voyworker

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// manifestSource yields the critical assets pre-cached on install: the fixed
// list from config plus same-origin URLs listed in the configured sitemaps.
type manifestSource struct {
	origin   *url.URL
	static   []string
	sitemaps []string
	client   *http.Client
	log      *zap.Logger
}

// ErrManifest wraps every failure to build the install manifest.
var ErrManifest = errors.New("manifest")

const maxSitemapBytes = 8 << 20

// URLs returns absolute, de-duplicated manifest URLs in declaration order.
// A configured entry that does not resolve fails the whole manifest.
func (m *manifestSource) URLs(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	add := func(u string) {
		if _, ok := seen[u]; !ok {
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}

	for _, s := range m.static {
		u, err := m.resolve(s)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %q: %w", ErrManifest, s, err)
		}
		add(u)
	}
	if len(m.sitemaps) == 0 {
		return out, nil
	}
	discovered, err := m.discover(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range discovered {
		add(u)
	}
	return out, nil
}

// resolve makes u absolute against the origin.
func (m *manifestSource) resolve(u string) (string, error) {
	u = strings.TrimSpace(u)
	if u == "" {
		return "", errors.New("empty url")
	}
	ref, err := url.Parse(u)
	if err != nil {
		return "", err
	}
	return m.origin.ResolveReference(ref).String(), nil
}

// discover walks the sitemap tree breadth-first and collects same-origin
// page URLs. Unusable <loc> values inside a sitemap are skipped; a sitemap
// that cannot be fetched or decoded fails discovery.
func (m *manifestSource) discover(ctx context.Context) ([]string, error) {
	var pending []string
	for _, sm := range m.sitemaps {
		u, err := m.resolve(sm)
		if err != nil {
			return nil, fmt.Errorf("%w: sitemap %q: %w", ErrManifest, sm, err)
		}
		pending = append(pending, u)
	}

	visited := map[string]bool{}
	var out []string
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next := pending[0]
		pending = pending[1:]
		if visited[next] {
			continue
		}
		visited[next] = true

		doc, err := m.sitemap(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("%w: sitemap %s: %w", ErrManifest, next, err)
		}
		for _, loc := range doc.Sitemaps {
			if u, err := m.resolve(loc); err == nil {
				pending = append(pending, u)
			}
		}
		before := len(out)
		for _, loc := range doc.URLs {
			if u, err := m.resolve(loc); err == nil && m.sameOrigin(u) {
				out = append(out, u)
			}
		}
		m.log.Debug("manifest sitemap parsed",
			zap.String("sitemap", next),
			zap.Int("urls", len(doc.URLs)),
			zap.Int("kept", len(out)-before))
	}
	return out, nil
}

func (m *manifestSource) sameOrigin(u string) bool {
	p, err := url.Parse(u)
	if err != nil {
		return false
	}
	return strings.EqualFold(p.Scheme, m.origin.Scheme) && strings.EqualFold(p.Host, m.origin.Host)
}

// sitemap fetches and decodes one sitemap or sitemap index.
func (m *manifestSource) sitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	req.Header.Set("Accept", "application/xml, text/xml;q=0.9, */*;q=0.1")
	resp, err := m.client.Do(req)
	if err != nil {
		return sitemapDoc{}, &NetworkError{URL: sitemapURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return sitemapDoc{}, fmt.Errorf("status %d", resp.StatusCode)
	}

	raw, err := readBounded(resp.Body, maxSitemapBytes)
	if err != nil {
		return sitemapDoc{}, err
	}
	if raw, err = gunzipIfCompressed(raw); err != nil {
		return sitemapDoc{}, err
	}
	var doc sitemapDoc
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return sitemapDoc{}, fmt.Errorf("decode: %w", err)
	}
	return doc, nil
}

var gzipMagic = []byte{0x1f, 0x8b}

// gunzipIfCompressed decides by content rather than by the .gz suffix: the
// transport already decodes sitemaps served with Content-Encoding: gzip.
func gunzipIfCompressed(raw []byte) ([]byte, error) {
	if !bytes.HasPrefix(raw, gzipMagic) {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	defer zr.Close()
	return readBounded(zr, maxSitemapBytes)
}
