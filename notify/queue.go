package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
)

var (
	errQueueFull    = errors.New("notification queue full")
	errQueueStopped = errors.New("notification queue stopped")
)

type QueueOptions struct {
	Buffer         int           // default 256
	Workers        int           // default 2
	MaxAttempts    int           // default 3
	InitialBackoff time.Duration // default 200ms
	MaxBackoff     time.Duration // default 10s
	SendTimeout    time.Duration // per attempt, default 5s
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.Buffer <= 0 {
		o.Buffer = 256
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	return o
}

// Queue delivers notifications asynchronously. It implements Notifier, so
// producers do not know whether delivery is synchronous.
type Queue struct {
	sink   Notifier
	opts   QueueOptions
	logger logrus.FieldLogger

	ch     chan Notification
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	state  int // 0 new, 1 running, 2 stopped
	failed atomic.Int64
}

func NewQueue(sink Notifier, opts QueueOptions, logger logrus.FieldLogger) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		sink:   sink,
		opts:   opts,
		logger: logger,
		ch:     make(chan Notification, opts.Buffer),
		stop:   make(chan struct{}),
	}
}

func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != 0 {
		return
	}
	q.state = 1
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.run()
	}
}

// Stop closes the queue and waits for buffered messages to be attempted.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.state != 1 {
		q.state = 2
		q.mu.Unlock()
		return
	}
	q.state = 2
	close(q.stop)
	q.mu.Unlock()
	q.wg.Wait()
}

// Notify enqueues n without blocking.
func (q *Queue) Notify(_ context.Context, n Notification) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == 2 {
		return &billing.DownstreamNotificationError{Recipient: n.Recipient, Err: errQueueStopped}
	}
	select {
	case q.ch <- n:
		return nil
	default:
		q.failed.Add(1)
		return &billing.DownstreamNotificationError{Recipient: n.Recipient, Err: errQueueFull}
	}
}

// Failed counts notifications that were dropped or exhausted their retries.
func (q *Queue) Failed() int64 { return q.failed.Load() }

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case n := <-q.ch:
			q.deliver(n)
		case <-q.stop:
			for {
				select {
				case n := <-q.ch:
					q.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) deliver(n Notification) {
	var err error
	for attempt := 1; attempt <= q.opts.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), q.opts.SendTimeout)
		err = q.sink.Notify(ctx, n)
		cancel()
		if err == nil {
			return
		}
		if attempt == q.opts.MaxAttempts {
			break
		}
		select {
		case <-time.After(backoff(attempt, q.opts.InitialBackoff, q.opts.MaxBackoff)):
		case <-q.stop:
			// Stopping: no further retries.
			attempt = q.opts.MaxAttempts
		}
	}
	q.failed.Add(1)
	q.logger.WithFields(logrus.Fields{
		"module":    "notify",
		"recipient": n.Recipient,
		"title":     n.Title,
	}).Warn((&billing.DownstreamNotificationError{Recipient: n.Recipient, Err: err}).Error())
}

// backoff is base * 2^(attempt-1), capped.
func backoff(attempt int, base, limit time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > limit {
			return limit
		}
	}
	return d
}
