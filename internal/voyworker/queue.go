package voyworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

const (
	QueueDatabaseName = "VoyAlAeropuertoNotifications"
	queueObjectStore  = "notifications"

	// SyncTagNotifications is the background-sync tag that drains the queue.
	SyncTagNotifications = "background-sync-notifications"
)

var ErrInvalidSchedule = errors.New("invalid scheduled notification")

type ScheduledNotification struct {
	ID                 string               `json:"id"`
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon"`
	Badge              string               `json:"badge"`
	Data               map[string]string    `json:"data"`
	Actions            []NotificationAction `json:"actions"`
	RequireInteraction bool                 `json:"requireInteraction"`
	Tag                string               `json:"tag"`
	ScheduledTime      int64                `json:"scheduledTime"` // epoch ms
}

func (s ScheduledNotification) Notification(now time.Time) Notification {
	tag := s.Tag
	if tag == "" {
		tag = DefaultTag
	}
	actions := s.Actions
	if actions == nil {
		actions = []NotificationAction{}
	}
	return Notification{
		Title:              s.Title,
		Body:               s.Body,
		Icon:               s.Icon,
		Badge:              s.Badge,
		Data:               s.Data,
		Actions:            actions,
		RequireInteraction: s.RequireInteraction,
		Tag:                tag,
		Timestamp:          now.UnixMilli(),
	}
}

// NotificationQueue is the durable store of not-yet-due notifications.
// Layout inside the leveldb database:
//
//	notifications/id/<id>                    -> JSON record
//	notifications/scheduledTime/<ms>/<id>    -> <id>
//
// The scheduledTime index is non-unique; the id suffix keeps keys distinct.
type NotificationQueue struct {
	db  *leveldb.DB
	log *zap.Logger

	// writeMu guards the read-modify-write of a record and its index entry
	writeMu sync.Mutex
	// drainMu keeps overlapping sync triggers from showing a record twice
	drainMu sync.Mutex
}

func OpenNotificationQueue(path string, log *zap.Logger) (*NotificationQueue, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return newNotificationQueue(db, log), nil
}

func newNotificationQueue(db *leveldb.DB, log *zap.Logger) *NotificationQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &NotificationQueue{db: db, log: log}
}

func (q *NotificationQueue) Close() error { return q.db.Close() }

func primaryKey(id string) []byte {
	return []byte(queueObjectStore + "/id/" + id)
}

const scheduledIndexPrefix = queueObjectStore + "/scheduledTime/"

// scheduledIndexKey zero-pads the time so lexical order is time order.
func scheduledIndexKey(ms int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", scheduledIndexPrefix, ms, id))
}

// Put inserts or replaces a record. An empty ID is assigned a new UUID.
func (q *NotificationQueue) Put(ctx context.Context, n ScheduledNotification) (ScheduledNotification, error) {
	if n.ScheduledTime < 0 {
		return ScheduledNotification{}, fmt.Errorf("%w: negative scheduledTime", ErrInvalidSchedule)
	}
	if strings.Contains(n.ID, "/") {
		return ScheduledNotification{}, fmt.Errorf("%w: id must not contain '/'", ErrInvalidSchedule)
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	b, err := json.Marshal(n)
	if err != nil {
		return ScheduledNotification{}, err
	}

	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	batch := new(leveldb.Batch)
	if old, ok, err := q.Get(ctx, n.ID); err != nil {
		return ScheduledNotification{}, err
	} else if ok {
		batch.Delete(scheduledIndexKey(old.ScheduledTime, old.ID))
	}
	batch.Put(primaryKey(n.ID), b)
	batch.Put(scheduledIndexKey(n.ScheduledTime, n.ID), []byte(n.ID))
	if err := q.db.Write(batch, nil); err != nil {
		return ScheduledNotification{}, err
	}
	return n, nil
}

func (q *NotificationQueue) Get(ctx context.Context, id string) (ScheduledNotification, bool, error) {
	b, err := q.db.Get(primaryKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ScheduledNotification{}, false, nil
	}
	if err != nil {
		return ScheduledNotification{}, false, err
	}
	var n ScheduledNotification
	if err := json.Unmarshal(b, &n); err != nil {
		return ScheduledNotification{}, false, err
	}
	return n, true, nil
}

func (q *NotificationQueue) Delete(ctx context.Context, id string) error {
	_, err := q.deleteIf(ctx, id, func(ScheduledNotification) bool { return true })
	return err
}

// deleteIf removes the record with id when match reports true for its current
// value. It reports whether a record was removed.
func (q *NotificationQueue) deleteIf(ctx context.Context, id string, match func(ScheduledNotification) bool) (bool, error) {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	n, ok, err := q.Get(ctx, id)
	if err != nil || !ok || !match(n) {
		return false, err
	}
	batch := new(leveldb.Batch)
	batch.Delete(primaryKey(id))
	batch.Delete(scheduledIndexKey(n.ScheduledTime, id))
	if err := q.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

// All lists every record ordered by scheduledTime.
func (q *NotificationQueue) All(ctx context.Context) ([]ScheduledNotification, error) {
	return q.scan(ctx, util.BytesPrefix([]byte(scheduledIndexPrefix)))
}

// Due lists records with scheduledTime <= now, oldest first.
func (q *NotificationQueue) Due(ctx context.Context, now time.Time) ([]ScheduledNotification, error) {
	r := &util.Range{
		Start: []byte(scheduledIndexPrefix),
		Limit: scheduledIndexKey(now.UnixMilli()+1, ""),
	}
	return q.scan(ctx, r)
}

func (q *NotificationQueue) scan(ctx context.Context, r *util.Range) ([]ScheduledNotification, error) {
	it := q.db.NewIterator(r, nil)
	var ids []string
	for it.Next() {
		ids = append(ids, string(it.Value()))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return nil, err
	}

	out := make([]ScheduledNotification, 0, len(ids))
	for _, id := range ids {
		n, ok, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// Drain shows every due record and then deletes it. A record whose show
// fails stays queued for the next trigger; a crash between show and delete
// can only repeat a notification. It returns how many were dispatched.
func (q *NotificationQueue) Drain(ctx context.Context, now time.Time, notifier Notifier) (int, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	due, err := q.Due(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("read due notifications: %w", err)
	}
	dispatched := 0
	var errs []error
	for _, rec := range due {
		if err := notifier.ShowNotification(ctx, rec.Notification(now)); err != nil {
			q.log.Warn("scheduled notification not shown", zap.String("id", rec.ID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		// a record rescheduled while it was being shown stays queued
		unchanged := func(cur ScheduledNotification) bool { return cur.ScheduledTime == rec.ScheduledTime }
		if _, err := q.deleteIf(ctx, rec.ID, unchanged); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", rec.ID, err))
			continue
		}
		dispatched++
	}
	return dispatched, errors.Join(errs...)
}
