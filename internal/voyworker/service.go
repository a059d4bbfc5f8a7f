package voyworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MemoryStoragePath selects the in-process CacheStorage instead of leveldb.
const MemoryStoragePath = "memory"

type ServiceOptions struct {
	Log        *zap.Logger
	HTTPClient *http.Client
	Caches     CacheStorage
	Queue      *NotificationQueue
	Registry   *prometheus.Registry
}

type Service struct {
	cfg    Config
	log    *zap.Logger
	origin *url.URL

	httpClient *http.Client
	registry   *prometheus.Registry
	metrics    *Metrics
	stats      *statsCollector

	caches CacheStorage
	queue  *NotificationQueue
	net    Fetcher

	host         *Host
	hub          *ClientHub
	registration *Registration
	handler      *RequestHandler
	lifecycle    *Lifecycle
	dispatcher   *NotificationDispatcher
	router       *ActionRouter
	mqtt         *mqttSource

	closers []func() error

	runMu     sync.Mutex
	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewService(cfg Config, o ServiceOptions) (*Service, error) {
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("server.origin: %w", err)
	}
	s := &Service{
		cfg:        cfg,
		log:        o.Log,
		origin:     origin,
		httpClient: o.HTTPClient,
		registry:   o.Registry,
		caches:     o.Caches,
		queue:      o.Queue,
		stopCh:     make(chan struct{}),
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = NewMetrics(s.registry)
	if cfg.Logging.logStatsEveryDur > 0 {
		s.stats = newStatsCollector()
	}

	if s.caches == nil {
		if cfg.Storage.Path == MemoryStoragePath {
			s.caches = NewMemStorage()
		} else {
			ls, err := OpenLevelStorage(cfg.Storage.Path, cfg.ramMaxBytes)
			if err != nil {
				return nil, fmt.Errorf("open cache storage: %w", err)
			}
			s.caches = ls
			if c, ok := ls.(io.Closer); ok {
				s.closers = append(s.closers, c.Close)
			}
		}
	}
	if s.queue == nil {
		q, err := OpenNotificationQueue(cfg.Notifications.QueuePath, s.log)
		if err != nil {
			s.closeAll()
			return nil, fmt.Errorf("open notification queue: %w", err)
		}
		s.queue = q
		s.closers = append(s.closers, q.Close)
	}

	s.net = newOriginFetcher(s.httpClient, origin)
	s.host = NewHost(s.log.Named("host"), s.metrics)
	s.hub = NewClientHub(cfg.Notifications.pendingTTLDur, s.log.Named("clients"), s.metrics)
	s.registration = NewRegistration(s.hub, s.log.Named("notifications"))

	s.handler = NewRequestHandler(RequestHandlerOptions{
		Caches:       s.caches,
		RuntimeName:  cfg.RuntimeCacheName(),
		AppShellURL:  origin.ResolveReference(&url.URL{Path: cfg.Cache.AppShell}).String(),
		StaticMarker: cfg.Cache.StaticMarker,
		Fetcher:      s.net,
		Log:          s.log.Named("fetch"),
		Metrics:      s.metrics,
		Stats:        s.stats,

		CredentialCookies: cfg.Cache.CredentialCookies,
	})
	s.lifecycle = &Lifecycle{
		caches:      s.caches,
		staticName:  cfg.StaticCacheName(),
		runtimeName: cfg.RuntimeCacheName(),
		manifest: &manifestSource{
			origin:   origin,
			static:   cfg.Cache.Manifest,
			sitemaps: cfg.Cache.ManifestSitemaps,
			client:   s.httpClient,
			log:      s.log.Named("manifest"),
		},
		net:     s.net,
		clients: s.hub,
		log:     s.log.Named("lifecycle"),
		metrics: s.metrics,
	}
	s.dispatcher = NewNotificationDispatcher(
		cfg.Notifications.ProductName,
		cfg.Notifications.DefaultIcon,
		cfg.Notifications.Badge,
		s.registration,
		s.log.Named("notifications"),
		s.metrics,
	)
	beacon := NewBeacon(s.httpClient, cfg.Server.Origin, s.log.Named("beacon"))
	s.router = NewActionRouter(s.hub, s.registration, beacon, cfg.Server.Origin, cfg.Server.AppRoot, s.log.Named("actions"), s.metrics)

	s.host.On(EventInstall, s.lifecycle.HandleInstall)
	s.host.On(EventActivate, s.lifecycle.HandleActivate)
	s.host.On(EventFetch, s.handler.HandleFetch)
	s.host.On(EventPush, s.dispatcher.HandlePush)
	s.host.On(EventBackgroundMessage, s.dispatcher.HandleBackgroundMessage)
	s.host.On(EventNotificationClick, s.router.HandleClick)
	s.host.On(EventNotificationClose, s.router.HandleClose)
	s.host.On(EventSync, s.handleSync)
	s.host.On(EventMessage, s.handleMessage)

	s.hub.OnMessage(func(ctx context.Context, from Client, data json.RawMessage) {
		_ = s.host.Dispatch(ctx, &MessageEvent{Data: data, Source: from})
	})

	if cfg.MQTT.Broker != "" {
		s.mqtt = newMQTTSource(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Topic, cfg.MQTT.QoS, s.log.Named("mqtt"),
			func(ctx context.Context, msg BackgroundMessage) {
				_ = s.host.Dispatch(ctx, &BackgroundMessageEvent{Message: msg})
			})
	}
	return s, nil
}

// Start installs and activates the worker and starts the background loops.
// A failed install is logged and retried; it does not stop the service.
func (s *Service) Start(ctx context.Context) {
	if err := s.runLifecycle(ctx); err != nil {
		s.log.Error("worker lifecycle failed, serving uncontrolled", zap.Error(err))
	}

	s.every(s.cfg.Lifecycle.retryEveryDur, func() {
		if s.lifecycle.State() == StateActive {
			return
		}
		if err := s.runLifecycle(context.Background()); err != nil {
			s.log.Warn("worker lifecycle retry failed", zap.Error(err))
		}
	})
	s.every(s.cfg.Notifications.syncEveryDur, func() {
		_ = s.host.Dispatch(context.Background(), &SyncEvent{Tag: SyncTagNotifications})
	})
	if s.stats != nil {
		s.every(s.cfg.Logging.logStatsEveryDur, s.logStats)
	}

	if s.mqtt != nil {
		if err := s.mqtt.Connect(); err != nil {
			s.log.Error("mqtt connect failed", zap.String("broker", s.cfg.MQTT.Broker), zap.Error(err))
		}
	}
}

func (s *Service) every(d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(d)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				fn()
			}
		}
	}()
}

// runLifecycle installs a parsed or redundant worker and activates it once
// it is waiting with skipWaiting set.
func (s *Service) runLifecycle(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	switch s.lifecycle.State() {
	case StateActive:
		return nil
	case StateParsed, StateRedundant:
		if err := s.host.DispatchAndWait(ctx, &InstallEvent{}); err != nil {
			return err
		}
	}
	if s.lifecycle.ReadyToActivate() {
		return s.host.DispatchAndWait(ctx, &ActivateEvent{})
	}
	return nil
}

// Close stops the background loops and releases storage. It is safe to call
// more than once.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if s.mqtt != nil {
			s.mqtt.Close()
		}
		s.hub.Close()
		s.host.Wait()
		s.closeAll()
	})
}

func (s *Service) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.Warn("close failed", zap.Error(err))
		}
	}
	s.closers = nil
}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/sw", func(r chi.Router) {
		r.Get("/state", s.serveState)
		r.Post("/push", s.servePush)
		r.Post("/background-message", s.serveBackgroundMessage)
		r.Get("/notifications", s.serveNotifications)
		r.Post("/notifications/{tag}/click", s.serveNotificationClick)
		r.Post("/notifications/{tag}/close", s.serveNotificationClose)
		r.Post("/sync", s.serveSync)
		r.Get("/clients", s.hub.ServeHTTP)
		r.Get("/pending-open", s.servePendingOpen)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Handle("/", http.HandlerFunc(s.serveFetch))
	r.Handle("/*", http.HandlerFunc(s.serveFetch))
	return r
}

// ---- fetch interception ----

func (s *Service) serveFetch(w http.ResponseWriter, r *http.Request) {
	req, err := requestFromHTTP(r, s.origin)
	if errors.Is(err, ErrBodyTooLarge) {
		setWorkerHeaders(w.Header(), "too-large")
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err != nil {
		setWorkerHeaders(w.Header(), "bad-request")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if s.lifecycle.State() != StateActive {
		s.serveUncontrolled(w, r, req)
		return
	}

	ev := &FetchEvent{Request: req}
	err = s.host.Dispatch(r.Context(), ev)
	resp := ev.Response()
	if err != nil {
		setWorkerHeaders(w.Header(), "network-error")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if resp == nil {
		s.passThrough(w, r, req, "bypass")
		return
	}
	writeResponse(w, resp, "controlled")
}

func (s *Service) passThrough(w http.ResponseWriter, r *http.Request, req *Request, mark string) {
	resp, err := s.net.Fetch(r.Context(), req)
	if err != nil {
		setWorkerHeaders(w.Header(), "network-error")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeResponse(w, resp, mark)
}

// serveUncontrolled answers while no generation is active. Stores left by
// the previous generation are not evicted until activation, so they still
// back requests the network cannot answer.
func (s *Service) serveUncontrolled(w http.ResponseWriter, r *http.Request, req *Request) {
	resp, err := s.net.Fetch(r.Context(), req)
	if err == nil {
		writeResponse(w, resp, "uncontrolled")
		return
	}
	if req.Method == http.MethodGet {
		if cached, ok := s.previousGeneration(r.Context(), req); ok {
			writeResponse(w, cached, "previous-generation")
			return
		}
	}
	setWorkerHeaders(w.Header(), "network-error")
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func (s *Service) previousGeneration(ctx context.Context, req *Request) (*Response, bool) {
	keys := []string{req.Key()}
	if req.Mode == ModeNavigate {
		keys = append(keys, s.handler.appShellKey)
	}
	for _, key := range keys {
		resp, ok, err := s.caches.Match(ctx, key)
		if err != nil {
			s.log.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
			continue
		}
		if ok {
			return resp, true
		}
	}
	return nil, false
}

func writeResponse(w http.ResponseWriter, resp *Response, mark string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, "x-voyworker") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setWorkerHeaders(w.Header(), mark)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setWorkerHeaders(h http.Header, mark string) {
	if mark != "" {
		h.Set("X-Voyworker", mark)
	}
	// custom headers are unreadable from page scripts in a CORS context
	// unless exposed
	ensureExposedHeader(h, "X-Voyworker")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// ---- worker endpoints ----

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) serveState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"state":   s.lifecycle.State().String(),
		"version": s.cfg.Cache.Version,
		"static":  s.cfg.StaticCacheName(),
		"runtime": s.cfg.RuntimeCacheName(),
	})
}

func (s *Service) servePush(w http.ResponseWriter, r *http.Request) {
	body, ok := readEventBody(w, r)
	if !ok {
		return
	}
	if err := s.host.Dispatch(r.Context(), &PushEvent{Data: body}); err != nil {
		http.Error(w, "push not handled", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) serveBackgroundMessage(w http.ResponseWriter, r *http.Request) {
	body, ok := readEventBody(w, r)
	if !ok {
		return
	}
	ev := &BackgroundMessageEvent{Message: parseBackgroundMessage(body)}
	if err := s.host.Dispatch(r.Context(), ev); err != nil {
		http.Error(w, "message not handled", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func readEventBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := readBounded(r.Body, maxRequestBody)
	switch {
	case errors.Is(err, ErrBodyTooLarge):
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return nil, false
	case err != nil:
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func (s *Service) serveNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registration.Notifications())
}

func (s *Service) serveNotificationClick(w http.ResponseWriter, r *http.Request) {
	n, ok := s.registration.Get(chi.URLParam(r, "tag"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	var body struct {
		Action string `json:"action"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
	}
	if err := s.host.Dispatch(r.Context(), &NotificationClickEvent{Notification: n, Action: body.Action}); err != nil {
		http.Error(w, "click not handled", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) serveNotificationClose(w http.ResponseWriter, r *http.Request) {
	n, ok := s.registration.Get(chi.URLParam(r, "tag"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	if err := s.host.Dispatch(r.Context(), &NotificationCloseEvent{Notification: n}); err != nil {
		http.Error(w, "close not handled", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) serveSync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tag string `json:"tag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Tag == "" {
		http.Error(w, "tag is required", http.StatusBadRequest)
		return
	}
	if err := s.host.Dispatch(r.Context(), &SyncEvent{Tag: body.Tag}); err != nil {
		http.Error(w, "sync not handled", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) servePendingOpen(w http.ResponseWriter, r *http.Request) {
	opens := s.hub.TakePendingOpens()
	if opens == nil {
		opens = []PendingOpen{}
	}
	writeJSON(w, http.StatusOK, opens)
}

// ---- stats ----

func (s *Service) logStats() {
	fields := s.stats.Snapshot().fields()
	if ls, ok := s.caches.(*levelStorage); ok {
		fields = append(fields,
			zap.Int("ramEntries", ls.ram.Len()),
			zap.String("ramUsage", formatBytes(uint64(ls.ram.TotalSize()))))
	}
	if names, err := s.caches.Names(context.Background()); err == nil {
		fields = append(fields, zap.Strings("caches", names))
	}
	if n, err := s.queue.All(context.Background()); err == nil {
		fields = append(fields, zap.Int("scheduled", len(n)))
	}
	if mem, ok := readProcessMemory(); ok {
		fields = append(fields, mem.fields()...)
	}
	s.log.Info("worker stats", fields...)
}
