package voyworker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type NotificationType string

const (
	TypeDriverAssigned NotificationType = "driver_assigned"
	TypeDriverArriving NotificationType = "driver_arriving"
	TypeDriverArrived  NotificationType = "driver_arrived"
	TypeTripCompleted  NotificationType = "trip_completed"
	TypeNewBooking     NotificationType = "new_booking"
	TypePromotion      NotificationType = "promotion"
	TypeFlightDelay    NotificationType = "flight_delay"
)

// NotificationTypes lists every type with a fixed action set.
var NotificationTypes = []NotificationType{
	TypeDriverAssigned,
	TypeDriverArriving,
	TypeDriverArrived,
	TypeTripCompleted,
	TypeNewBooking,
	TypePromotion,
	TypeFlightDelay,
}

const DefaultTag = "general"

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

type Notification struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon"`
	Badge              string               `json:"badge"`
	Image              string               `json:"image,omitempty"`
	Data               map[string]string    `json:"data"`
	Actions            []NotificationAction `json:"actions"`
	RequireInteraction bool                 `json:"requireInteraction"`
	Tag                string               `json:"tag"`
	Timestamp          int64                `json:"timestamp"`
}

func (n Notification) Type() NotificationType {
	return NotificationType(n.Data["type"])
}

var (
	actionCall       = NotificationAction{Action: "call", Title: "Llamar", Icon: "/assets/icons/call.png"}
	actionMessage    = NotificationAction{Action: "message", Title: "Mensaje", Icon: "/assets/icons/message.png"}
	actionLocate     = NotificationAction{Action: "locate", Title: "Ver ubicación", Icon: "/assets/icons/location.png"}
	actionReady      = NotificationAction{Action: "ready", Title: "Ya voy", Icon: "/assets/icons/check.png"}
	actionRate       = NotificationAction{Action: "rate", Title: "Calificar", Icon: "/assets/icons/star.png"}
	actionReceipt    = NotificationAction{Action: "receipt", Title: "Ver recibo", Icon: "/assets/icons/receipt.png"}
	actionAccept     = NotificationAction{Action: "accept", Title: "Aceptar", Icon: "/assets/icons/check.png"}
	actionDecline    = NotificationAction{Action: "decline", Title: "Rechazar", Icon: "/assets/icons/close.png"}
	actionBook       = NotificationAction{Action: "book", Title: "Reservar", Icon: "/assets/icons/car.png"}
	actionReschedule = NotificationAction{Action: "reschedule", Title: "Reprogramar", Icon: "/assets/icons/calendar.png"}
	actionContact    = NotificationAction{Action: "contact", Title: "Contactar", Icon: "/assets/icons/support.png"}
)

var notificationActions = map[NotificationType][]NotificationAction{
	TypeDriverAssigned: {actionCall, actionMessage},
	TypeDriverArriving: {actionLocate, actionCall},
	TypeDriverArrived:  {actionReady, actionCall},
	TypeTripCompleted:  {actionRate, actionReceipt},
	TypeNewBooking:     {actionAccept, actionDecline},
	TypePromotion:      {actionBook},
	TypeFlightDelay:    {actionReschedule, actionContact},
}

// ActionsFor returns the fixed actions of t, or nil for unknown types.
func ActionsFor(t NotificationType) []NotificationAction {
	acts, ok := notificationActions[t]
	if !ok {
		return nil
	}
	return append([]NotificationAction(nil), acts...)
}

// RequiresInteraction is true exactly for the types with a fixed action set.
func RequiresInteraction(t NotificationType) bool {
	_, ok := notificationActions[t]
	return ok
}

// PushPayload is the JSON body delivered by the push service.
type PushPayload struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon"`
	Image   string               `json:"image"`
	Data    StringMap            `json:"data"`
	Actions []NotificationAction `json:"actions"`
}

// BackgroundMessage is the messaging-channel event shape.
type BackgroundMessage struct {
	Notification *struct {
		Title string `json:"title"`
		Body  string `json:"body"`
		Icon  string `json:"icon"`
		Image string `json:"image"`
	} `json:"notification"`
	Data StringMap `json:"data"`
}

// StringMap decodes any JSON object into string values; non-string scalars
// keep their JSON text.
type StringMap map[string]string

func (m *StringMap) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(StringMap, len(raw))
	for k, v := range raw {
		if string(v) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = string(v)
	}
	*m = out
	return nil
}

// ParsePushPayload never fails: malformed input yields an empty payload.
func ParsePushPayload(b []byte) PushPayload {
	var p PushPayload
	if len(b) == 0 {
		return p
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return PushPayload{}
	}
	return p
}

// Notifier shows notifications to the user.
type Notifier interface {
	ShowNotification(ctx context.Context, n Notification) error
}

// NotificationDispatcher turns push and background-message events into
// notifications.
type NotificationDispatcher struct {
	productName string
	defaultIcon string
	badge       string
	notifier    Notifier
	log         *zap.Logger
	metrics     *Metrics
	now         func() time.Time
}

func (d *NotificationDispatcher) Build(title, body, icon, image string, data map[string]string, fallbackActions []NotificationAction) Notification {
	if data == nil {
		data = map[string]string{}
	}
	if title == "" {
		title = d.productName
	}
	if icon == "" {
		icon = d.defaultIcon
	}
	t := NotificationType(data["type"])
	actions := ActionsFor(t)
	if actions == nil {
		actions = fallbackActions
	}
	if actions == nil {
		actions = []NotificationAction{}
	}
	tag := data["tag"]
	if tag == "" {
		tag = DefaultTag
	}
	return Notification{
		Title:              title,
		Body:               body,
		Icon:               icon,
		Badge:              d.badge,
		Image:              image,
		Data:               data,
		Actions:            actions,
		RequireInteraction: RequiresInteraction(t),
		Tag:                tag,
		Timestamp:          d.now().UnixMilli(),
	}
}

func (d *NotificationDispatcher) HandlePush(ctx context.Context, ev Event) error {
	pe, ok := ev.(*PushEvent)
	if !ok {
		return fmt.Errorf("push handler: unexpected event %T", ev)
	}
	p := ParsePushPayload(pe.Data)
	n := d.Build(p.Title, p.Body, p.Icon, p.Image, p.Data, p.Actions)
	pe.WaitUntil(func(ctx context.Context) error { return d.show(ctx, n) })
	return nil
}

func (d *NotificationDispatcher) HandleBackgroundMessage(ctx context.Context, ev Event) error {
	be, ok := ev.(*BackgroundMessageEvent)
	if !ok {
		return fmt.Errorf("background message handler: unexpected event %T", ev)
	}
	var title, body, icon, image string
	if m := be.Message.Notification; m != nil {
		title, body, icon, image = m.Title, m.Body, m.Icon, m.Image
	}
	n := d.Build(title, body, icon, image, be.Message.Data, nil)
	be.WaitUntil(func(ctx context.Context) error { return d.show(ctx, n) })
	return nil
}

func (d *NotificationDispatcher) show(ctx context.Context, n Notification) error {
	if err := d.notifier.ShowNotification(ctx, n); err != nil {
		return fmt.Errorf("show notification %q: %w", n.Tag, err)
	}
	t := string(n.Type())
	if t == "" {
		t = "default"
	}
	d.metrics.NotificationsShown.WithLabelValues(t).Inc()
	d.log.Debug("notification shown",
		zap.String("type", t),
		zap.String("tag", n.Tag),
		zap.Bool("requireInteraction", n.RequireInteraction))
	return nil
}

func NewNotificationDispatcher(productName, defaultIcon, badge string, notifier Notifier, log *zap.Logger, metrics *Metrics) *NotificationDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &NotificationDispatcher{
		productName: productName,
		defaultIcon: defaultIcon,
		badge:       badge,
		notifier:    notifier,
		log:         log,
		metrics:     metrics,
		now:         time.Now,
	}
}
