package voyworker

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Broadcaster delivers a message to every attached client.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg any) int
}

// Registration keeps the notifications currently on screen, one per tag:
// showing a notification replaces any earlier one with the same tag.
type Registration struct {
	out Broadcaster
	log *zap.Logger

	mu    sync.Mutex
	shown map[string]Notification
}

func NewRegistration(out Broadcaster, log *zap.Logger) *Registration {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registration{out: out, log: log, shown: map[string]Notification{}}
}

type notificationMessage struct {
	Type         string       `json:"type"`
	Notification Notification `json:"notification"`
}

type notificationClosedMessage struct {
	Type string `json:"type"`
	Tag  string `json:"tag"`
}

func (r *Registration) ShowNotification(ctx context.Context, n Notification) error {
	if n.Tag == "" {
		n.Tag = DefaultTag
	}
	r.mu.Lock()
	r.shown[n.Tag] = n
	r.mu.Unlock()

	if r.out != nil {
		delivered := r.out.Broadcast(ctx, notificationMessage{Type: "NOTIFICATION", Notification: n})
		r.log.Debug("notification broadcast", zap.String("tag", n.Tag), zap.Int("clients", delivered))
	}
	return nil
}

// Get returns the notification shown under tag.
func (r *Registration) Get(tag string) (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.shown[tag]
	return n, ok
}

// Notifications lists shown notifications, oldest first.
func (r *Registration) Notifications() []Notification {
	r.mu.Lock()
	out := make([]Notification, 0, len(r.shown))
	for _, n := range r.shown {
		out = append(out, n)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp == out[j].Timestamp {
			return out[i].Tag < out[j].Tag
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// Close removes the notification under tag. It reports whether one was shown.
func (r *Registration) Close(ctx context.Context, tag string) bool {
	r.mu.Lock()
	_, ok := r.shown[tag]
	delete(r.shown, tag)
	r.mu.Unlock()
	if ok && r.out != nil {
		r.out.Broadcast(ctx, notificationClosedMessage{Type: "NOTIFICATION_CLOSED", Tag: tag})
	}
	return ok
}
