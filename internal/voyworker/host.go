package voyworker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type HandlerFunc func(ctx context.Context, ev Event) error

// Host is the dispatch table of the worker: one handler per event kind.
// Failures of a handler, including panics, are reported and confined to the
// event that caused them.
type Host struct {
	log     *zap.Logger
	metrics *Metrics

	mu       sync.RWMutex
	handlers map[EventKind]HandlerFunc

	wg sync.WaitGroup
}

func NewHost(log *zap.Logger, metrics *Metrics) *Host {
	if log == nil {
		log = zap.NewNop()
	}
	return &Host{log: log, metrics: metrics, handlers: map[EventKind]HandlerFunc{}}
}

func (h *Host) On(kind EventKind, fn HandlerFunc) {
	h.mu.Lock()
	h.handlers[kind] = fn
	h.mu.Unlock()
}

func (h *Host) handler(kind EventKind) (HandlerFunc, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.handlers[kind]
	return fn, ok
}

// Dispatch runs the handler for ev and returns its error. Work the handler
// registered with WaitUntil keeps running after Dispatch returns; its errors
// go to the error channel only.
func (h *Host) Dispatch(ctx context.Context, ev Event) error {
	err := h.runHandler(ctx, ev)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if werr := ev.extendable().wait(); werr != nil {
			h.report(ev.Kind(), werr)
		}
	}()
	return err
}

// DispatchAndWait runs the handler and waits for all of its pending work.
// The returned error covers both.
func (h *Host) DispatchAndWait(ctx context.Context, ev Event) error {
	err := h.runHandler(ctx, ev)
	if werr := ev.extendable().wait(); werr != nil {
		h.report(ev.Kind(), werr)
		if err == nil {
			err = werr
		}
	}
	return err
}

func (h *Host) runHandler(ctx context.Context, ev Event) (err error) {
	kind := ev.Kind()
	fn, ok := h.handler(kind)
	if !ok {
		return fmt.Errorf("%s: %w", kind, ErrNoHandler)
	}
	ev.extendable().bind(ctx)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s handler panic: %v", kind, r)
		}
		if err != nil {
			h.report(kind, err)
		}
	}()
	return fn(ctx, ev)
}

func (h *Host) report(kind EventKind, err error) {
	h.log.Error("event handler failed", zap.String("event", string(kind)), zap.Error(err))
	if h.metrics != nil {
		h.metrics.HandlerErrors.WithLabelValues(string(kind)).Inc()
	}
}

// Wait blocks until pending work of every dispatched event has finished.
func (h *Host) Wait() {
	h.wg.Wait()
}
