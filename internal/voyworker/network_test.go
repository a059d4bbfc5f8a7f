package voyworker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOriginFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "identity", r.Header.Get("Accept-Encoding"))
		assert.Equal(t, "es", r.Header.Get("Accept-Language"))
		if r.Method == http.MethodPost {
			b, _ := io.ReadAll(r.Body)
			_, _ = w.Write(b)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"ok":false}`))
	}))
	defer srv.Close()
	origin, err := url.Parse(srv.URL)
	require.NoError(t, err)
	f := newOriginFetcher(srv.Client(), origin)

	req := mustRequest(t, srv.URL+"/api/x", "", "")
	req.Header.Set("Accept-Language", "es")
	req.Header.Set("Connection", "keep-alive")
	resp, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.Status)
	assert.Equal(t, ResponseBasic, resp.Type)
	assert.False(t, resp.Cacheable())
	assert.Equal(t, `{"ok":false}`, string(resp.Body))
	assert.Empty(t, resp.Header.Get("Content-Length"))

	post := mustRequest(t, srv.URL+"/api/echo", "", "")
	post.Method = http.MethodPost
	post.Header.Set("Accept-Language", "es")
	post.Body = []byte("hola")
	resp, err = f.Fetch(context.Background(), post)
	require.NoError(t, err)
	assert.Equal(t, "hola", string(resp.Body))
}

func TestOriginFetcherNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()

	origin, err := url.Parse(u)
	require.NoError(t, err)
	f := newOriginFetcher(http.DefaultClient, origin)
	_, err = f.Fetch(context.Background(), mustRequest(t, u+"/x", "", ""))
	require.ErrorIs(t, err, ErrNetwork)
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, u+"/x", ne.URL)
}

func TestResponseType(t *testing.T) {
	origin, err := url.Parse(testOrigin)
	require.NoError(t, err)
	f := newOriginFetcher(http.DefaultClient, origin)

	assert.Equal(t, ResponseBasic, f.responseType(mustRequest(t, testOrigin+"/a", "", ModeNoCORS)))
	assert.Equal(t, ResponseOpaque, f.responseType(mustRequest(t, "https://maps.example.com/tile.png", "image", ModeNoCORS)))
	assert.Equal(t, ResponseCORS, f.responseType(mustRequest(t, "https://api.example.com/rates", "empty", "cors")))
}

func TestRequestFromHTTP(t *testing.T) {
	origin, err := url.Parse(testOrigin)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/assets/app.js?v=3", nil)
	r.Header.Set("Sec-Fetch-Dest", "Script")
	r.Header.Set("Sec-Fetch-Mode", "no-cors")
	req, err := requestFromHTTP(r, origin)
	require.NoError(t, err)
	assert.Equal(t, testOrigin+"/assets/app.js?v=3", req.URL.String())
	assert.Equal(t, "script", req.Destination)
	assert.Equal(t, ModeNoCORS, req.Mode)
	assert.Equal(t, "GET "+testOrigin+"/assets/app.js?v=3", req.Key())
}

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	assert.Equal(t, statsSnapshot{}, s.Snapshot())
	assert.Zero(t, s.Snapshot().HitRatio())

	s.Observe(true, 100)
	s.Observe(true, 300)
	s.Observe(false, -5)
	s.Observe(false, 0)
	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.FromCache)
	assert.Equal(t, uint64(2), snap.FromNetwork)
	assert.Equal(t, uint64(400), snap.Bytes)
	assert.Equal(t, uint64(0), snap.MinBytes)
	assert.Equal(t, uint64(300), snap.MaxBytes)
	assert.Equal(t, uint64(100), snap.AvgBytes)
	assert.InDelta(t, 0.5, snap.HitRatio(), 1e-9)
	assert.Len(t, snap.fields(), 6)
}

func TestFormatBytes(t *testing.T) {
	tests := map[uint64]string{
		0:        "0b",
		512:      "512b",
		1024:     "1kb",
		1536:     "1.5kb",
		64 << 20: "64mb",
		2 << 30:  "2gb",
	}
	for in, want := range tests {
		assert.Equal(t, want, formatBytes(in), in)
	}
}

func TestProcessMemoryFields(t *testing.T) {
	m := processMemory{RSS: 2 << 20, Rollup: map[string]uint64{"Shmem": 0, "Anonymous": 1 << 20}}
	fields := m.fields()
	require.Len(t, fields, 3)
	assert.Equal(t, "rss", fields[0].Key)
	assert.Equal(t, "2mb", fields[0].String)
	assert.Equal(t, "memAnonymous", fields[1].Key)
	assert.Equal(t, "memShmem", fields[2].Key)
}
