package voyworker

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Fetcher performs the network leg of a request.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// originFetcher forwards requests over HTTP. Any response, whatever its
// status, is a successful fetch; only transport failures are NetworkErrors.
type originFetcher struct {
	client *http.Client
	origin *url.URL
}

func newOriginFetcher(client *http.Client, origin *url.URL) *originFetcher {
	return &originFetcher{client: client, origin: origin}
}

func (f *originFetcher) Fetch(ctx context.Context, r *Request) (*Response, error) {
	target := r.URL.String()
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}

	out := &Response{
		Status: resp.StatusCode,
		Header: cloneHeader(resp.Header),
		Body:   respBody,
		Type:   f.responseType(r),
		URL:    target,
	}
	out.Header.Del("Content-Length")
	return out, nil
}

func (f *originFetcher) responseType(r *Request) ResponseType {
	if f.origin == nil || strings.EqualFold(r.URL.Host, f.origin.Host) {
		return ResponseBasic
	}
	if r.Mode == ModeNoCORS {
		return ResponseOpaque
	}
	return ResponseCORS
}

// hop-by-hop headers are not forwarded upstream
var skipForwardHeaders = map[string]bool{
	"Host":              true,
	"Connection":        true,
	"Upgrade":           true,
	"Keep-Alive":        true,
	"Te":                true,
	"Trailer":           true,
	"Transfer-Encoding": true,
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if skipForwardHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
