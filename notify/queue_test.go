package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
)

func quietLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

func TestQueue_DeliversAndDrainsOnStop(t *testing.T) {
	// GIVEN: a started queue over a recorder
	// WHEN: three notifications are enqueued and the queue is stopped
	// THEN: all three were delivered

	rec := &Recorder{}
	q := NewQueue(rec, QueueOptions{Buffer: 8, Workers: 1}, quietLogger())
	q.Start()

	for _, r := range []string{"g-1", "g-2", "operators"} {
		require.NoError(t, q.Notify(context.Background(), Notification{Recipient: r, Title: "t"}))
	}
	q.Stop()

	assert.Len(t, rec.Sent(), 3)
	assert.Len(t, rec.To("operators"), 1)
	assert.Equal(t, int64(0), q.Failed())
}

func TestQueue_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	rec := &Recorder{}
	flaky := Func(func(ctx context.Context, n Notification) error {
		if calls.Add(1) < 3 {
			return errors.New("smtp down")
		}
		return rec.Notify(ctx, n)
	})

	q := NewQueue(flaky, QueueOptions{MaxAttempts: 3, InitialBackoff: time.Millisecond}, quietLogger())
	q.Start()
	require.NoError(t, q.Notify(context.Background(), Notification{Recipient: "g-1"}))

	assert.Eventually(t, func() bool { return len(rec.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	q.Stop()
	assert.Equal(t, int32(3), calls.Load())
}

func TestQueue_GivesUpAfterMaxAttempts(t *testing.T) {
	logger, hook := test.NewNullLogger()
	q := NewQueue(&Recorder{Err: errors.New("boom")}, QueueOptions{MaxAttempts: 2, InitialBackoff: time.Millisecond}, logger)
	q.Start()
	require.NoError(t, q.Notify(context.Background(), Notification{Recipient: "g-1"}))

	assert.Eventually(t, func() bool { return q.Failed() == 1 }, time.Second, 5*time.Millisecond)
	q.Stop()
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestQueue_FullBufferNeverBlocks(t *testing.T) {
	// GIVEN: a queue that was never started, so nothing drains it
	// WHEN: more notifications than the buffer holds are enqueued
	// THEN: the overflow returns DownstreamNotificationError immediately

	q := NewQueue(Discard, QueueOptions{Buffer: 1}, quietLogger())
	require.NoError(t, q.Notify(context.Background(), Notification{Recipient: "a"}))

	done := make(chan error, 1)
	go func() { done <- q.Notify(context.Background(), Notification{Recipient: "b"}) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, billing.ErrDownstreamNotification)
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full buffer")
	}
}

func TestQueue_NotifyAfterStop(t *testing.T) {
	q := NewQueue(Discard, QueueOptions{}, quietLogger())
	q.Start()
	q.Stop()
	q.Stop()

	err := q.Notify(context.Background(), Notification{Recipient: "a"})
	assert.ErrorIs(t, err, billing.ErrDownstreamNotification)
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, base, backoff(1, base, time.Second))
	assert.Equal(t, 400*time.Millisecond, backoff(3, base, time.Second))
	assert.Equal(t, time.Second, backoff(10, base, time.Second))
}

func TestLogNotifier(t *testing.T) {
	logger, hook := test.NewNullLogger()
	n := NewLogNotifier(logger)
	require.NoError(t, n.Notify(context.Background(), Notification{Recipient: "g-1", Title: "Hours adjusted", Message: "1 hour refunded"}))

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "1 hour refunded", hook.LastEntry().Message)
	assert.Equal(t, "g-1", hook.LastEntry().Data["recipient"])
}
