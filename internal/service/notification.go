package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"rental-escrow-backend/internal/logger"
	"rental-escrow-backend/internal/metrics"
)

type logNotifier struct{}

// NewLogNotifier records deliveries in the log without sending anything.
// The code itself is never written out.
func NewLogNotifier() Notifier {
	return logNotifier{}
}

func (logNotifier) SendCode(ctx context.Context, destination, code string) error {
	logger.InfoContext(ctx, "Completion code delivery (log only)", "destination", destination, "code_length", len(code))
	return nil
}

func (logNotifier) SendNotice(ctx context.Context, destination, subject, body string) error {
	logger.InfoContext(ctx, "Notice delivery (log only)", "destination", destination, "subject", subject)
	return nil
}

type routingNotifier struct {
	email Notifier
	push  Notifier
}

// NewRoutingNotifier sends "fcm:" destinations through push and everything
// else through email. A nil push notifier routes everything to email.
func NewRoutingNotifier(email, push Notifier) Notifier {
	return &routingNotifier{email: email, push: push}
}

func (r *routingNotifier) pick(destination string) Notifier {
	if r.push != nil && strings.HasPrefix(destination, PushPrefix) {
		return r.push
	}
	return r.email
}

func (r *routingNotifier) SendCode(ctx context.Context, destination, code string) error {
	return r.pick(destination).SendCode(ctx, destination, code)
}

func (r *routingNotifier) SendNotice(ctx context.Context, destination, subject, body string) error {
	return r.pick(destination).SendNotice(ctx, destination, subject, body)
}

type notificationJob struct {
	destination string
	code        string
	subject     string
	body        string
	retries     int
}

// NotificationQueue delivers asynchronously with a fixed worker pool and
// retries failures with quadratic backoff. It implements Notifier; sends
// return as soon as the job is queued.
type NotificationQueue struct {
	sender     Notifier
	provider   string
	jobs       chan notificationJob
	workers    int
	maxRetries int
	backoff    func(attempt int) time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewNotificationQueue(sender Notifier, provider string, workers, queueSize, maxRetries int) *NotificationQueue {
	if workers <= 0 {
		workers = 1
	}
	return &NotificationQueue{
		sender:     sender,
		provider:   provider,
		jobs:       make(chan notificationJob, queueSize),
		workers:    workers,
		maxRetries: maxRetries,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * time.Second
		},
	}
}

// Start launches the workers. They exit when ctx is done or Stop is called.
func (q *NotificationQueue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

// Stop halts the workers and waits for in-flight deliveries. Queued jobs
// are dropped.
func (q *NotificationQueue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *NotificationQueue) SendCode(ctx context.Context, destination, code string) error {
	return q.enqueue(notificationJob{destination: destination, code: code})
}

func (q *NotificationQueue) SendNotice(ctx context.Context, destination, subject, body string) error {
	return q.enqueue(notificationJob{destination: destination, subject: subject, body: body})
}

func (q *NotificationQueue) enqueue(job notificationJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return fmt.Errorf("notification queue is stopped")
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return fmt.Errorf("notification queue is full")
	}
}

func (q *NotificationQueue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	logger.Debug("Notification worker started", "worker", id)
	for {
		select {
		case <-ctx.Done():
			logger.Debug("Notification worker stopping", "worker", id)
			return
		case job := <-q.jobs:
			q.process(ctx, job)
		}
	}
}

func (q *NotificationQueue) process(ctx context.Context, job notificationJob) {
	var err error
	if job.code != "" {
		err = q.sender.SendCode(ctx, job.destination, job.code)
	} else {
		err = q.sender.SendNotice(ctx, job.destination, job.subject, job.body)
	}
	if err == nil {
		metrics.NotificationsSent.WithLabelValues(q.provider, metrics.OutcomeSuccess).Inc()
		return
	}

	if job.retries >= q.maxRetries {
		metrics.NotificationsSent.WithLabelValues(q.provider, metrics.OutcomeFailed).Inc()
		logger.Error("Notification dropped after retries", "destination", job.destination, "retries", job.retries, "error", err)
		return
	}
	job.retries++
	delay := q.backoff(job.retries)
	logger.Warn("Notification failed, retrying", "destination", job.destination, "attempt", job.retries, "max", q.maxRetries, "backoff", delay, "error", err)
	time.AfterFunc(delay, func() {
		if err := q.enqueue(job); err != nil {
			logger.Error("Notification retry not queued", "destination", job.destination, "error", err)
		}
	})
}
