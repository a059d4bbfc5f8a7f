package voyworker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDrainDispatchesOnlyDue(t *testing.T) {
	ctx := context.Background()
	q := newNotificationQueue(openMemDB(t), nil)
	now := time.UnixMilli(1700000000000)

	_, err := q.Put(ctx, ScheduledNotification{ID: "due", Title: "Tu vuelo sale pronto", ScheduledTime: now.UnixMilli() - 1})
	require.NoError(t, err)
	_, err = q.Put(ctx, ScheduledNotification{ID: "later", Title: "Recordatorio", ScheduledTime: now.UnixMilli() + 10000})
	require.NoError(t, err)

	n := &fakeNotifier{}
	dispatched, err := q.Drain(ctx, now, n)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)

	shown := n.notifications()
	require.Len(t, shown, 1)
	assert.Equal(t, "Tu vuelo sale pronto", shown[0].Title)
	assert.Equal(t, DefaultTag, shown[0].Tag)
	assert.Equal(t, now.UnixMilli(), shown[0].Timestamp)

	_, ok, err := q.Get(ctx, "due")
	require.NoError(t, err)
	assert.False(t, ok)
	later, ok, err := q.Get(ctx, "later")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Recordatorio", later.Title)
}

func TestQueueDueIncludesExactlyNow(t *testing.T) {
	ctx := context.Background()
	q := newNotificationQueue(openMemDB(t), nil)
	now := time.UnixMilli(5000)
	for id, at := range map[string]int64{"a": 4999, "b": 5000, "c": 5001} {
		_, err := q.Put(ctx, ScheduledNotification{ID: id, ScheduledTime: at})
		require.NoError(t, err)
	}

	due, err := q.Due(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].ID)
	assert.Equal(t, "b", due[1].ID)
}

func TestQueuePutReplacesIndexEntry(t *testing.T) {
	ctx := context.Background()
	q := newNotificationQueue(openMemDB(t), nil)

	_, err := q.Put(ctx, ScheduledNotification{ID: "x", ScheduledTime: 100})
	require.NoError(t, err)
	_, err = q.Put(ctx, ScheduledNotification{ID: "x", ScheduledTime: 900})
	require.NoError(t, err)

	all, err := q.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(900), all[0].ScheduledTime)

	due, err := q.Due(ctx, time.UnixMilli(500))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestQueuePutAssignsID(t *testing.T) {
	q := newNotificationQueue(openMemDB(t), nil)
	stored, err := q.Put(context.Background(), ScheduledNotification{Title: "t", ScheduledTime: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)

	got, ok, err := q.Get(context.Background(), stored.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t", got.Title)
}

func TestQueuePutRejectsInvalid(t *testing.T) {
	q := newNotificationQueue(openMemDB(t), nil)
	_, err := q.Put(context.Background(), ScheduledNotification{ScheduledTime: -1})
	assert.ErrorIs(t, err, ErrInvalidSchedule)
	_, err = q.Put(context.Background(), ScheduledNotification{ID: "a/b", ScheduledTime: 1})
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestQueueAllOrderedByTime(t *testing.T) {
	ctx := context.Background()
	q := newNotificationQueue(openMemDB(t), nil)
	for id, at := range map[string]int64{"third": 30, "first": 10, "second": 20} {
		_, err := q.Put(ctx, ScheduledNotification{ID: id, ScheduledTime: at})
		require.NoError(t, err)
	}
	all, err := q.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{all[0].ID, all[1].ID, all[2].ID})
}

func TestQueueDrainKeepsRecordWhenShowFails(t *testing.T) {
	ctx := context.Background()
	q := newNotificationQueue(openMemDB(t), nil)
	_, err := q.Put(ctx, ScheduledNotification{ID: "r", ScheduledTime: 1})
	require.NoError(t, err)

	dispatched, err := q.Drain(ctx, time.UnixMilli(2), &fakeNotifier{err: errors.New("denied")})
	require.Error(t, err)
	assert.Equal(t, 0, dispatched)

	_, ok, err := q.Get(ctx, "r")
	require.NoError(t, err)
	assert.True(t, ok)

	dispatched, err = q.Drain(ctx, time.UnixMilli(2), &fakeNotifier{})
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
}

func TestQueueDeleteMissingIsNoop(t *testing.T) {
	q := newNotificationQueue(openMemDB(t), nil)
	assert.NoError(t, q.Delete(context.Background(), "nope"))
}

func TestQueueConcurrentPutsKeepOneIndexEntry(t *testing.T) {
	ctx := context.Background()
	q := newNotificationQueue(openMemDB(t), nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(at int64) {
			defer wg.Done()
			_, err := q.Put(ctx, ScheduledNotification{ID: "reminder", ScheduledTime: at})
			assert.NoError(t, err)
		}(int64(1000 + i))
	}
	wg.Wait()

	all, err := q.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	stored, ok, err := q.Get(ctx, "reminder")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stored.ScheduledTime, all[0].ScheduledTime)
}

func TestQueueOverlappingDrainsShowOnce(t *testing.T) {
	ctx := context.Background()
	q := newNotificationQueue(openMemDB(t), nil)
	_, err := q.Put(ctx, ScheduledNotification{ID: "due", Title: "Sale en 2 horas", ScheduledTime: 1})
	require.NoError(t, err)

	n := &fakeNotifier{onShow: func(Notification) { time.Sleep(20 * time.Millisecond) }}
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Drain(ctx, time.UnixMilli(10), n)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, n.notifications(), 1)
	all, err := q.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestQueueDrainKeepsRecordRescheduledWhileShown(t *testing.T) {
	ctx := context.Background()
	q := newNotificationQueue(openMemDB(t), nil)
	_, err := q.Put(ctx, ScheduledNotification{ID: "pickup", ScheduledTime: 1})
	require.NoError(t, err)

	n := &fakeNotifier{onShow: func(Notification) {
		_, err := q.Put(ctx, ScheduledNotification{ID: "pickup", ScheduledTime: 99999})
		assert.NoError(t, err)
	}}
	dispatched, err := q.Drain(ctx, time.UnixMilli(10), n)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)

	rec, ok, err := q.Get(ctx, "pickup")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(99999), rec.ScheduledTime)
}
