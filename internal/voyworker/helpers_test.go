package voyworker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

const testOrigin = "https://app.voyalaeropuerto.test"

var errOffline = errors.New("offline")

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]*Response
	offline   map[string]bool
	calls     map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: map[string]*Response{},
		offline:   map[string]bool{},
		calls:     map[string]int{},
	}
}

func (f *fakeFetcher) respond(rawURL string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[rawURL] = &Response{
		Status: status,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
		Type:   ResponseBasic,
		URL:    rawURL,
	}
	delete(f.offline, rawURL)
}

func (f *fakeFetcher) respondWith(rawURL string, resp *Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[rawURL] = resp
	delete(f.offline, rawURL)
}

func (f *fakeFetcher) fail(rawURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline[rawURL] = true
}

func (f *fakeFetcher) callCount(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rawURL]
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	u := req.URL.String()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[u]++
	if f.offline[u] {
		return nil, &NetworkError{URL: u, Err: errOffline}
	}
	if resp, ok := f.responses[u]; ok {
		return resp.Clone(), nil
	}
	return &Response{Status: http.StatusNotFound, Header: http.Header{}, Type: ResponseBasic, URL: u}, nil
}

type fakeClient struct {
	id  string
	url string

	mu      sync.Mutex
	posted  []any
	focused int
	postErr error
}

func (c *fakeClient) ID() string   { return c.id }
func (c *fakeClient) URL() string  { return c.url }
func (c *fakeClient) Type() string { return ClientTypeWindow }

func (c *fakeClient) PostMessage(ctx context.Context, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.postErr != nil {
		return c.postErr
	}
	c.posted = append(c.posted, msg)
	return nil
}

func (c *fakeClient) Focus(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.focused++
	return nil
}

type fakeClients struct {
	mu      sync.Mutex
	list    []*fakeClient
	opened  []string
	claimed int
}

func (f *fakeClients) MatchAll(ctx context.Context, q ClientQuery) ([]Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Client, 0, len(f.list))
	for _, c := range f.list {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeClients) OpenWindow(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, url)
	return nil
}

func (f *fakeClients) Claim(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimed++
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	shown  []Notification
	err    error
	onShow func(n Notification)
}

func (f *fakeNotifier) ShowNotification(ctx context.Context, n Notification) error {
	if f.onShow != nil {
		f.onShow(n)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.shown = append(f.shown, n)
	return nil
}

func (f *fakeNotifier) notifications() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.shown...)
}

// openMemDB returns a leveldb database backed by memory.
func openMemDB(t *testing.T) *leveldb.DB {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mustRequest(t *testing.T, rawURL, dest, mode string) *Request {
	t.Helper()
	req, err := NewRequest(rawURL)
	require.NoError(t, err)
	req.Destination = dest
	req.Mode = mode
	return req
}
