package voyworker

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

var (
	// ErrNetwork is matched by every *NetworkError.
	ErrNetwork       = errors.New("network error")
	ErrInstallFailed = errors.New("install failed")
	ErrNoHandler     = errors.New("no handler registered")
	ErrBodyTooLarge  = errors.New("body too large")
)

// NetworkError is returned when the origin could not be reached.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("network error: %s", e.URL)
	}
	return fmt.Sprintf("network error: %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// Request is the fetch-relevant view of an intercepted page request.
type Request struct {
	Method      string
	URL         *url.URL
	Destination string // Sec-Fetch-Dest: image, script, style, document, empty, ...
	Mode        string // Sec-Fetch-Mode: navigate, cors, no-cors, same-origin
	Header      http.Header
	Body        []byte
}

const (
	ModeNavigate = "navigate"
	ModeNoCORS   = "no-cors"
)

// NewRequest builds a GET request for an absolute URL.
func NewRequest(rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}, nil
}

const maxRequestBody = 10 << 20

// readBounded reads all of r and fails with ErrBodyTooLarge, rather than
// truncating, when r holds more than limit bytes.
func readBounded(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, ErrBodyTooLarge
	}
	return b, nil
}

// requestFromHTTP resolves an inbound proxy request against the origin.
func requestFromHTTP(r *http.Request, origin *url.URL) (*Request, error) {
	u := *r.URL
	if u.Host == "" {
		u.Scheme = origin.Scheme
		u.Host = origin.Host
	}
	req := &Request{
		Method:      r.Method,
		URL:         &u,
		Destination: strings.ToLower(r.Header.Get("Sec-Fetch-Dest")),
		Mode:        strings.ToLower(r.Header.Get("Sec-Fetch-Mode")),
		Header:      cloneHeader(r.Header),
	}
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := readBounded(r.Body, maxRequestBody)
		if err != nil {
			return nil, err
		}
		req.Body = b
	}
	return req, nil
}

// Key identifies the request inside a store: method plus absolute URL.
func (r *Request) Key() string {
	return requestKey(r.Method, r.URL.String())
}

func requestKey(method, rawURL string) string {
	if method == "" {
		method = http.MethodGet
	}
	return strings.ToUpper(method) + " " + rawURL
}

type ResponseType string

const (
	ResponseBasic  ResponseType = "basic"
	ResponseCORS   ResponseType = "cors"
	ResponseOpaque ResponseType = "opaque"
)

type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Type   ResponseType
	URL    string
}

func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Cacheable reports whether the response may be written to a shared store:
// a non-opaque 2xx that sets no cookie and whose Cache-Control allows it.
func (r *Response) Cacheable() bool {
	if r == nil || r.Type == ResponseOpaque || !r.OK() {
		return false
	}
	if len(r.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	cc := strings.ToLower(strings.Join(r.Header.Values("Cache-Control"), ","))
	for _, directive := range strings.Split(cc, ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(directive), "=")
		switch name {
		case "no-store", "no-cache", "private":
			return false
		}
	}
	return true
}

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Header = cloneHeader(r.Header)
	out.Body = append([]byte(nil), r.Body...)
	return &out
}

// CacheEntry is the stored form of a Response.
type CacheEntry struct {
	Key        string
	Status     int
	Header     http.Header
	Body       []byte
	Type       ResponseType
	URL        string
	StoredAt   int64 // unix seconds
	Generation string
}

func entryFromResponse(key, generation string, resp *Response, storedAt int64) CacheEntry {
	c := resp.Clone()
	return CacheEntry{
		Key:        key,
		Status:     c.Status,
		Header:     c.Header,
		Body:       c.Body,
		Type:       c.Type,
		URL:        c.URL,
		StoredAt:   storedAt,
		Generation: generation,
	}
}

func (e CacheEntry) Response() *Response {
	return &Response{
		Status: e.Status,
		Header: cloneHeader(e.Header),
		Body:   append([]byte(nil), e.Body...),
		Type:   e.Type,
		URL:    e.URL,
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
