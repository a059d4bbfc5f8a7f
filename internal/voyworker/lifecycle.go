package voyworker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type WorkerState int

const (
	StateParsed WorkerState = iota
	StateInstalling
	StateWaiting
	StateActivating
	StateActive
	StateRedundant
)

func (s WorkerState) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return "parsed"
	}
}

const installConcurrency = 8

// Lifecycle seeds the static store on install and evicts stale cache
// generations on activate.
type Lifecycle struct {
	caches      CacheStorage
	staticName  string
	runtimeName string
	manifest    *manifestSource
	net         Fetcher
	clients     Clients
	log         *zap.Logger
	metrics     *Metrics

	mu          sync.Mutex
	state       WorkerState
	skipWaiting bool
}

func (l *Lifecycle) State() WorkerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) setState(s WorkerState) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()
	if prev != s {
		l.log.Info("worker state", zap.String("from", prev.String()), zap.String("to", s.String()))
	}
}

// SkipWaiting makes a waiting worker eligible for immediate activation.
func (l *Lifecycle) SkipWaiting() {
	l.mu.Lock()
	l.skipWaiting = true
	l.mu.Unlock()
}

// ReadyToActivate reports whether an installed worker should activate now.
func (l *Lifecycle) ReadyToActivate() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateWaiting && l.skipWaiting
}

// HandleInstall adds every manifest URL to the static store. The store is
// only written once all URLs fetched successfully; any failure fails the
// install and leaves the worker redundant.
func (l *Lifecycle) HandleInstall(ctx context.Context, ev Event) error {
	l.setState(StateInstalling)
	if err := l.precache(ctx); err != nil {
		l.setState(StateRedundant)
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	l.setState(StateWaiting)
	l.SkipWaiting()
	return nil
}

func (l *Lifecycle) precache(ctx context.Context) error {
	urls, err := l.manifest.URLs(ctx)
	if err != nil {
		return err
	}
	static, err := l.caches.Open(ctx, l.staticName)
	if err != nil {
		return err
	}

	reqs := make([]*Request, len(urls))
	resps := make([]*Response, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)
	for i, u := range urls {
		i := i
		req, err := NewRequest(u)
		if err != nil {
			return fmt.Errorf("manifest url %q: %w", u, err)
		}
		reqs[i] = req
		g.Go(func() error {
			resp, err := l.net.Fetch(gctx, req)
			if err != nil {
				return err
			}
			if !resp.OK() {
				return fmt.Errorf("precache %s: status %d", req.URL, resp.Status)
			}
			resps[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, req := range reqs {
		if err := static.Put(ctx, req.Key(), resps[i]); err != nil {
			return fmt.Errorf("store %s: %w", req.URL, err)
		}
	}
	l.log.Info("static cache seeded", zap.String("cache", l.staticName), zap.Int("urls", len(urls)))
	return nil
}

// HandleActivate deletes every store that belongs to another generation and
// then takes control of all open clients.
func (l *Lifecycle) HandleActivate(ctx context.Context, ev Event) error {
	if st := l.State(); st != StateWaiting {
		return fmt.Errorf("activate in state %s", st)
	}
	l.setState(StateActivating)

	names, err := l.caches.Names(ctx)
	if err != nil {
		l.setState(StateWaiting)
		return fmt.Errorf("list caches: %w", err)
	}
	for _, name := range names {
		if name == l.staticName || name == l.runtimeName {
			continue
		}
		if _, err := l.caches.Delete(ctx, name); err != nil {
			l.setState(StateWaiting)
			return fmt.Errorf("delete cache %q: %w", name, err)
		}
		l.metrics.EvictedStores.Inc()
		l.log.Info("evicted stale cache", zap.String("cache", name))
	}

	if l.clients != nil {
		if err := l.clients.Claim(ctx); err != nil {
			l.log.Warn("claim clients failed", zap.Error(err))
		}
	}
	l.setState(StateActive)
	return nil
}
