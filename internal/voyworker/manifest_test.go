package voyworker

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newSitemapServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>%s/pages.xml.gz</loc></sitemap>
  <sitemap><loc>%s/sitemap.xml</loc></sitemap>
</sitemapindex>`, srv.URL, srv.URL)
	})
	mux.HandleFunc("/pages.xml.gz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(gzipBytes(t, fmt.Sprintf(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc> %s/booking </loc></url>
  <url><loc>/flights</loc></url>
  <url><loc>https://other.example.com/x</loc></url>
  <url><loc>%s/index.html</loc></url>
</urlset>`, srv.URL, srv.URL)))
	})
	mux.HandleFunc("/broken.xml", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestManifestURLsWithSitemaps(t *testing.T) {
	srv := newSitemapServer(t)
	origin, err := url.Parse(srv.URL)
	require.NoError(t, err)

	m := &manifestSource{
		origin:   origin,
		static:   []string{"/", "/index.html"},
		sitemaps: []string{"/sitemap.xml"},
		client:   srv.Client(),
		log:      zap.NewNop(),
	}
	urls, err := m.URLs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		srv.URL + "/",
		srv.URL + "/index.html",
		srv.URL + "/booking",
		srv.URL + "/flights",
	}, urls)
}

func TestManifestURLsStaticOnly(t *testing.T) {
	origin, err := url.Parse(testOrigin)
	require.NoError(t, err)
	m := &manifestSource{origin: origin, static: []string{"/", "manifest.json", "/"}, log: zap.NewNop()}

	urls, err := m.URLs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{testOrigin + "/", testOrigin + "/manifest.json"}, urls)
}

func TestManifestSitemapFailure(t *testing.T) {
	srv := newSitemapServer(t)
	origin, err := url.Parse(srv.URL)
	require.NoError(t, err)

	m := &manifestSource{origin: origin, sitemaps: []string{"/broken.xml"}, client: srv.Client(), log: zap.NewNop()}
	_, err = m.URLs(context.Background())
	require.ErrorIs(t, err, ErrManifest)
	assert.Contains(t, err.Error(), "500")
}

func TestManifestRejectsUnresolvableEntries(t *testing.T) {
	origin, err := url.Parse(testOrigin)
	require.NoError(t, err)

	for _, entry := range []string{"/%zz", " "} {
		m := &manifestSource{origin: origin, static: []string{"/", entry}, log: zap.NewNop()}
		urls, err := m.URLs(context.Background())
		assert.ErrorIs(t, err, ErrManifest, entry)
		assert.Nil(t, urls, entry)
	}
}

func TestGunzipIfCompressed(t *testing.T) {
	plain := []byte("<urlset/>")
	got, err := gunzipIfCompressed(plain)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	got, err = gunzipIfCompressed(gzipBytes(t, "<urlset/>"))
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	_, err = gunzipIfCompressed([]byte{0x1f, 0x8b, 0x00})
	assert.Error(t, err)
}
