/*
Package notify is the boundary to the notification subsystem.

PURPOSE:
  Adjustments and drift checks tell guardians and operators about balance
  changes. Delivery is fire-and-forget: a failed or slow notifier never
  blocks or rolls back the financial write that triggered it.

KEY CONCEPTS:
  Notifier: delivers one Notification synchronously.
  Queue:    wraps a Notifier with a bounded buffer and background workers.
            Enqueue never blocks; a full buffer drops the message and
            returns a DownstreamNotificationError for the caller to log.
  Retries:  failed deliveries are retried with exponential backoff, capped,
            then logged as dead.

USAGE:
  q := notify.NewQueue(notify.NewLogNotifier(logger), notify.QueueOptions{}, logger)
  q.Start()
  defer q.Stop() // drains buffered messages

SEE ALSO:
  - engine/adjustments.go: the main producer
*/
package notify

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Notification matches notify(recipient, title, message, metadata).
type Notification struct {
	Recipient string         `json:"recipient"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Notifier delivers a notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notification) error

func (f Func) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Discard drops every notification.
var Discard Notifier = Func(func(context.Context, Notification) error { return nil })

// =============================================================================
// LOG SINK
// =============================================================================

// LogNotifier writes notifications to the logger. Default sink when no
// delivery channel is configured.
type LogNotifier struct {
	logger logrus.FieldLogger
}

func NewLogNotifier(logger logrus.FieldLogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.logger.WithFields(logrus.Fields{
		"module":    "notify",
		"recipient": n.Recipient,
		"title":     n.Title,
		"metadata":  n.Metadata,
	}).Info(n.Message)
	return nil
}

// =============================================================================
// RECORDER - Captures notifications in memory
// =============================================================================

type Recorder struct {
	mu   sync.Mutex
	sent []Notification
	Err  error // returned from every Notify when set
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// To returns the notifications sent to one recipient.
func (r *Recorder) To(recipient string) []Notification {
	var out []Notification
	for _, n := range r.Sent() {
		if n.Recipient == recipient {
			out = append(out, n)
		}
	}
	return out
}
