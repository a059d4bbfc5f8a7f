package voyworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

type EventKind string

const (
	EventFetch             EventKind = "fetch"
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventPush              EventKind = "push"
	EventBackgroundMessage EventKind = "backgroundmessage"
	EventNotificationClick EventKind = "notificationclick"
	EventNotificationClose EventKind = "notificationclose"
	EventSync              EventKind = "sync"
	EventMessage           EventKind = "message"
)

type Event interface {
	Kind() EventKind
	extendable() *ExtendableEvent
}

// ExtendableEvent carries the work an event handler registered to outlive
// its own return. Work registered through WaitUntil is never cancelled by the
// dispatcher; it runs to completion or failure.
type ExtendableEvent struct {
	ctx context.Context

	mu      sync.Mutex
	pending sync.WaitGroup
	errs    []error
}

func (e *ExtendableEvent) extendable() *ExtendableEvent { return e }

func (e *ExtendableEvent) bind(ctx context.Context) {
	e.mu.Lock()
	e.ctx = context.WithoutCancel(ctx)
	e.mu.Unlock()
}

// WaitUntil registers fn as pending work of the event.
func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context) error) {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				e.fail(fmt.Errorf("panic in pending work: %v", r))
			}
		}()
		if err := fn(ctx); err != nil {
			e.fail(err)
		}
	}()
}

func (e *ExtendableEvent) fail(err error) {
	e.mu.Lock()
	e.errs = append(e.errs, err)
	e.mu.Unlock()
}

// wait blocks until all pending work is done and returns its joined errors.
func (e *ExtendableEvent) wait() error {
	e.pending.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.errs...)
}

type FetchEvent struct {
	ExtendableEvent
	Request *Request

	mu       sync.Mutex
	response *Response
}

func (e *FetchEvent) Kind() EventKind { return EventFetch }

func (e *FetchEvent) RespondWith(resp *Response) {
	e.mu.Lock()
	e.response = resp
	e.mu.Unlock()
}

// Response is nil when no handler responded; the request then goes to the
// network untouched.
func (e *FetchEvent) Response() *Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.response
}

type InstallEvent struct{ ExtendableEvent }

func (e *InstallEvent) Kind() EventKind { return EventInstall }

type ActivateEvent struct{ ExtendableEvent }

func (e *ActivateEvent) Kind() EventKind { return EventActivate }

type PushEvent struct {
	ExtendableEvent
	Data []byte
}

func (e *PushEvent) Kind() EventKind { return EventPush }

type BackgroundMessageEvent struct {
	ExtendableEvent
	Message BackgroundMessage
}

func (e *BackgroundMessageEvent) Kind() EventKind { return EventBackgroundMessage }

type NotificationClickEvent struct {
	ExtendableEvent
	Notification Notification
	Action       string
}

func (e *NotificationClickEvent) Kind() EventKind { return EventNotificationClick }

type NotificationCloseEvent struct {
	ExtendableEvent
	Notification Notification
}

func (e *NotificationCloseEvent) Kind() EventKind { return EventNotificationClose }

type SyncEvent struct {
	ExtendableEvent
	Tag string
}

func (e *SyncEvent) Kind() EventKind { return EventSync }

type MessageEvent struct {
	ExtendableEvent
	Data   json.RawMessage
	Source Client
}

func (e *MessageEvent) Kind() EventKind { return EventMessage }
