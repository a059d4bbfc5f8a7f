package voyworker

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const IntentOpenApp = "open_app"

type actionRoute struct {
	Intent string
	// PassengerReady also reports the passenger as ready to the origin.
	PassengerReady bool
}

var actionRoutes = map[string]actionRoute{
	"call":       {Intent: "call_driver"},
	"message":    {Intent: "message_driver"},
	"accept":     {Intent: "accept_booking"},
	"decline":    {Intent: "decline_booking"},
	"rate":       {Intent: "rate_trip"},
	"book":       {Intent: "book_trip"},
	"reschedule": {Intent: "reschedule_trip"},
	"locate":     {Intent: "locate_driver"},
	"ready":      {Intent: "passenger_ready", PassengerReady: true},
	"receipt":    {Intent: "view_receipt"},
	"contact":    {Intent: "contact_support"},
}

func routeFor(action string) actionRoute {
	if r, ok := actionRoutes[action]; ok {
		return r
	}
	return actionRoute{Intent: IntentOpenApp}
}

// ActionRecord builds {action: intent, ...data} for a clicked action.
// Keys in data take precedence, as with an object spread.
func ActionRecord(action string, data map[string]string) map[string]string {
	rec := make(map[string]string, len(data)+1)
	rec["action"] = routeFor(action).Intent
	for k, v := range data {
		rec[k] = v
	}
	return rec
}

type notificationCloser interface {
	Close(ctx context.Context, tag string) bool
}

type actionDelivery struct {
	Type    string            `json:"type"`
	Payload map[string]string `json:"payload"`
}

// ActionRouter delivers notification clicks to exactly one application
// window: an open same-origin window if there is one, a new one otherwise.
type ActionRouter struct {
	clients Clients
	closer  notificationCloser
	beacon  *Beacon
	origin  string
	appRoot string
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewActionRouter(clients Clients, closer notificationCloser, beacon *Beacon, origin, appRoot string, log *zap.Logger, metrics *Metrics) *ActionRouter {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &ActionRouter{
		clients: clients,
		closer:  closer,
		beacon:  beacon,
		origin:  origin,
		appRoot: appRoot,
		log:     log,
		metrics: metrics,
		now:     time.Now,
	}
}

func (r *ActionRouter) HandleClick(ctx context.Context, ev Event) error {
	ce, ok := ev.(*NotificationClickEvent)
	if !ok {
		return fmt.Errorf("notification click handler: unexpected event %T", ev)
	}
	if r.closer != nil {
		r.closer.Close(ctx, ce.Notification.Tag)
	}

	route := routeFor(ce.Action)
	record := ActionRecord(ce.Action, ce.Notification.Data)
	r.metrics.NotificationClicks.WithLabelValues(route.Intent).Inc()

	if route.PassengerReady && r.beacon != nil {
		data := ce.Notification.Data
		ce.WaitUntil(func(ctx context.Context) error {
			r.beacon.PassengerReady(ctx, data)
			return nil
		})
	}
	ce.WaitUntil(func(ctx context.Context) error { return r.deliver(ctx, record) })
	return nil
}

func (r *ActionRouter) deliver(ctx context.Context, record map[string]string) error {
	list, err := r.clients.MatchAll(ctx, ClientQuery{Type: ClientTypeWindow, IncludeUncontrolled: true})
	if err != nil {
		return fmt.Errorf("match clients: %w", err)
	}
	for _, c := range list {
		if !strings.HasPrefix(c.URL(), r.origin) {
			continue
		}
		if err := c.PostMessage(ctx, actionDelivery{Type: "NOTIFICATION_ACTION", Payload: record}); err != nil {
			return fmt.Errorf("post to client %s: %w", c.ID(), err)
		}
		return c.Focus(ctx)
	}
	return r.clients.OpenWindow(ctx, r.openURL(record))
}

func (r *ActionRouter) openURL(record map[string]string) string {
	q := url.Values{}
	for k, v := range record {
		q.Set(k, v)
	}
	return r.origin + r.appRoot + "?" + q.Encode()
}

// HandleClose fires the dismissal beacon for a notification closed without
// an action.
func (r *ActionRouter) HandleClose(ctx context.Context, ev Event) error {
	ce, ok := ev.(*NotificationCloseEvent)
	if !ok {
		return fmt.Errorf("notification close handler: unexpected event %T", ev)
	}
	if r.closer != nil {
		r.closer.Close(ctx, ce.Notification.Tag)
	}
	if r.beacon == nil {
		return nil
	}
	t := string(ce.Notification.Type())
	ts := r.now().UnixMilli()
	ce.WaitUntil(func(ctx context.Context) error {
		r.beacon.NotificationDismissed(ctx, t, ts)
		return nil
	})
	return nil
}
