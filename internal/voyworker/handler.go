package voyworker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// RequestHandler resolves intercepted requests from the stores and the
// network according to the selected Strategy.
type RequestHandler struct {
	caches       CacheStorage
	runtimeName  string
	appShellKey  string
	staticMarker string
	net          Fetcher

	// cookies that mark a request as personal; empty means any cookie
	credentialCookies []string

	log      *zap.Logger
	revalLog *rateLimitedLogger
	metrics  *Metrics
	stats    *statsCollector

	revalidations singleflight.Group
}

type RequestHandlerOptions struct {
	Caches       CacheStorage
	RuntimeName  string
	AppShellURL  string
	StaticMarker string
	Fetcher      Fetcher
	Log          *zap.Logger
	Metrics      *Metrics
	Stats        *statsCollector

	// CredentialCookies names the cookies that make a request personal.
	// Empty treats any cookie as a credential.
	CredentialCookies []string
}

func NewRequestHandler(o RequestHandlerOptions) *RequestHandler {
	log := o.Log
	if log == nil {
		log = zap.NewNop()
	}
	metrics := o.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &RequestHandler{
		caches:       o.Caches,
		runtimeName:  o.RuntimeName,
		appShellKey:  requestKey("GET", o.AppShellURL),
		staticMarker: o.StaticMarker,
		net:          o.Fetcher,
		log:          log,
		revalLog:     newRateLimitedLogger(log, time.Minute),
		metrics:      metrics,
		stats:        o.Stats,

		credentialCookies: o.CredentialCookies,
	}
}

// HandleFetch is the fetch entry of the dispatch table. Requests that are not
// intercepted get no response and go to the network untouched.
func (h *RequestHandler) HandleFetch(ctx context.Context, ev Event) error {
	fe, ok := ev.(*FetchEvent)
	if !ok {
		return fmt.Errorf("fetch handler: unexpected event %T", ev)
	}
	strategy, ok := SelectStrategy(fe.Request, h.staticMarker)
	if !ok {
		return nil
	}
	resp, err := h.Handle(ctx, fe, strategy)
	if err != nil {
		return err
	}
	fe.RespondWith(resp)
	return nil
}

// Handle executes strategy for the event's request. It never returns a nil
// response without an error.
func (h *RequestHandler) Handle(ctx context.Context, ev *FetchEvent, strategy Strategy) (*Response, error) {
	var (
		resp *Response
		err  error
	)
	switch strategy {
	case CacheFirst:
		resp, err = h.cacheFirst(ctx, ev.Request)
	case StaleWhileRevalidate:
		resp, err = h.staleWhileRevalidate(ctx, ev)
	default:
		resp, err = h.networkFirst(ctx, ev.Request)
	}
	if err == nil {
		return resp, nil
	}

	if ev.Request.Mode == ModeNavigate {
		if shell, ok, merr := h.caches.Match(ctx, h.appShellKey); merr == nil && ok {
			h.outcome(strategy, "fallback_shell", shell)
			return shell, nil
		}
	}
	h.outcome(strategy, "error", nil)
	return nil, err
}

func (h *RequestHandler) cacheFirst(ctx context.Context, req *Request) (*Response, error) {
	if cached, ok := h.match(ctx, req); ok {
		h.outcome(CacheFirst, "cache_hit", cached)
		return cached, nil
	}
	resp, err := h.net.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	h.store(ctx, req, resp)
	h.outcome(CacheFirst, "network", resp)
	return resp, nil
}

func (h *RequestHandler) networkFirst(ctx context.Context, req *Request) (*Response, error) {
	resp, err := h.net.Fetch(ctx, req)
	if err == nil {
		h.store(ctx, req, resp)
		h.outcome(NetworkFirst, "network", resp)
		return resp, nil
	}
	if cached, ok := h.match(ctx, req); ok {
		h.outcome(NetworkFirst, "fallback_cache", cached)
		return cached, nil
	}
	return nil, err
}

func (h *RequestHandler) staleWhileRevalidate(ctx context.Context, ev *FetchEvent) (*Response, error) {
	req := ev.Request
	if cached, ok := h.match(ctx, req); ok {
		if h.credentialed(req) {
			// a refresh made with the user's credentials could never be stored
			h.outcome(StaleWhileRevalidate, "cache_hit", cached)
			return cached, nil
		}
		ev.WaitUntil(func(ctx context.Context) error {
			if _, err := h.revalidate(ctx, req); err != nil {
				h.metrics.Revalidations.WithLabelValues("failed").Inc()
				h.log.Debug("background revalidation failed", zap.String("key", req.Key()), zap.Error(err))
				h.revalLog.Warn("background revalidations are failing", zap.Error(err))
				return nil
			}
			h.metrics.Revalidations.WithLabelValues("ok").Inc()
			return nil
		})
		h.outcome(StaleWhileRevalidate, "cache_hit", cached)
		return cached, nil
	}

	// No cached copy: the in-flight fetch is the answer, and a failure
	// propagates instead of producing an empty response.
	resp, err := h.revalidate(ctx, req)
	if err != nil {
		return nil, err
	}
	h.outcome(StaleWhileRevalidate, "network", resp)
	return resp, nil
}

// revalidate fetches req and stores the result. Concurrent anonymous calls
// for the same key share one origin request, which is detached from any
// single caller's cancellation; each caller still stops waiting when its own
// ctx ends.
func (h *RequestHandler) revalidate(ctx context.Context, req *Request) (*Response, error) {
	if h.credentialed(req) {
		return h.net.Fetch(ctx, req)
	}

	shared := context.WithoutCancel(ctx)
	ch := h.revalidations.DoChan(req.Key(), func() (any, error) {
		resp, err := h.net.Fetch(shared, req)
		if err != nil {
			return nil, err
		}
		h.store(shared, req, resp)
		return resp, nil
	})
	select {
	case <-ctx.Done():
		return nil, &NetworkError{URL: req.URL.String(), Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Response).Clone(), nil
	}
}

func (h *RequestHandler) match(ctx context.Context, req *Request) (*Response, bool) {
	resp, ok, err := h.caches.Match(ctx, req.Key())
	if err != nil {
		h.log.Warn("cache lookup failed", zap.String("key", req.Key()), zap.Error(err))
		return nil, false
	}
	return resp, ok
}

// store writes a clone of resp to the runtime store when it is cacheable
// and was not fetched with the user's credentials. Write failures are
// logged; the caller still gets the response.
func (h *RequestHandler) store(ctx context.Context, req *Request, resp *Response) {
	if !resp.Cacheable() {
		return
	}
	if h.credentialed(req) {
		h.log.Debug("personal response not cached", zap.String("key", req.Key()))
		return
	}
	runtime, err := h.caches.Open(ctx, h.runtimeName)
	if err == nil {
		err = runtime.Put(ctx, req.Key(), resp.Clone())
	}
	if err != nil {
		h.log.Warn("runtime cache write failed", zap.String("key", req.Key()), zap.Error(err))
	}
}

// credentialed reports whether req carries the user's identity, so its
// response may be personal.
func (h *RequestHandler) credentialed(req *Request) bool {
	if req.Header.Get("Authorization") != "" {
		return true
	}
	return hasAnyCookie(req.Header, h.credentialCookies)
}

// hasAnyCookie reports whether h carries one of names, or any cookie at all
// when names is empty.
func hasAnyCookie(h http.Header, names []string) bool {
	cookies := (&http.Request{Header: h}).Cookies()
	if len(names) == 0 {
		return len(cookies) > 0
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			need[n] = struct{}{}
		}
	}
	for _, c := range cookies {
		if _, ok := need[c.Name]; ok {
			return true
		}
	}
	return false
}

func (h *RequestHandler) outcome(s Strategy, outcome string, resp *Response) {
	h.metrics.FetchOutcomes.WithLabelValues(s.String(), outcome).Inc()
	if h.stats != nil && resp != nil {
		h.stats.Observe(outcome != "network", len(resp.Body))
	}
}
