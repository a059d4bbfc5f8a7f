package voyworker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	MessageSkipWaiting          = "SKIP_WAITING"
	MessageGetVersion           = "GET_VERSION"
	MessageScheduleNotification = "SCHEDULE_NOTIFICATION"
)

type clientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type versionMessage struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	State   string `json:"state"`
}

type scheduledMessage struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (s *Service) handleMessage(ctx context.Context, ev Event) error {
	me, ok := ev.(*MessageEvent)
	if !ok {
		return fmt.Errorf("message handler: unexpected event %T", ev)
	}
	var msg clientMessage
	if err := json.Unmarshal(me.Data, &msg); err != nil {
		s.log.Debug("ignoring malformed client message", zap.Error(err))
		return nil
	}

	switch msg.Type {
	case MessageSkipWaiting:
		s.lifecycle.SkipWaiting()
		me.WaitUntil(s.runLifecycle)
	case MessageGetVersion:
		if me.Source == nil {
			return nil
		}
		reply := versionMessage{Type: "VERSION", Version: s.cfg.Cache.Version, State: s.lifecycle.State().String()}
		me.WaitUntil(func(ctx context.Context) error { return me.Source.PostMessage(ctx, reply) })
	case MessageScheduleNotification:
		var n ScheduledNotification
		if err := json.Unmarshal(msg.Payload, &n); err != nil {
			return fmt.Errorf("schedule notification: %w", err)
		}
		if n.Icon == "" {
			n.Icon = s.cfg.Notifications.DefaultIcon
		}
		if n.Badge == "" {
			n.Badge = s.cfg.Notifications.Badge
		}
		if n.Title == "" {
			n.Title = s.cfg.Notifications.ProductName
		}
		me.WaitUntil(func(ctx context.Context) error {
			stored, err := s.queue.Put(ctx, n)
			if err != nil {
				return fmt.Errorf("schedule notification: %w", err)
			}
			s.log.Info("notification scheduled",
				zap.String("id", stored.ID),
				zap.Time("at", time.UnixMilli(stored.ScheduledTime)))
			if me.Source != nil {
				return me.Source.PostMessage(ctx, scheduledMessage{Type: "NOTIFICATION_SCHEDULED", ID: stored.ID})
			}
			return nil
		})
	default:
		s.log.Debug("ignoring client message", zap.String("type", msg.Type))
	}
	return nil
}

func (s *Service) handleSync(ctx context.Context, ev Event) error {
	se, ok := ev.(*SyncEvent)
	if !ok {
		return fmt.Errorf("sync handler: unexpected event %T", ev)
	}
	if se.Tag != SyncTagNotifications {
		s.log.Debug("ignoring sync tag", zap.String("tag", se.Tag))
		return nil
	}
	se.WaitUntil(func(ctx context.Context) error {
		n, err := s.queue.Drain(ctx, time.Now(), s.registration)
		if n > 0 {
			s.metrics.QueueDispatched.Add(float64(n))
			s.log.Info("scheduled notifications dispatched", zap.Int("count", n))
		}
		return err
	})
	return nil
}
