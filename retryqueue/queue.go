// Package retryqueue redelivers failed notifications with exponential backoff.
package retryqueue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"lead-notifier/metrics"
	"lead-notifier/pkg/lead"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 5 * time.Second
	defaultMaxDelay   = 60 * time.Second
	defaultTick       = 5 * time.Second
	maxJitter         = time.Second
)

// Redeliverer sends a queued notification again.
// A nil error means delivered (or intentionally skipped); terminal errors are not retried.
type Redeliverer interface {
	Redeliver(ctx context.Context, n *lead.Notification, attempt int) error
}

// Item is a notification waiting for redelivery.
type Item struct {
	ScheduledFor time.Time
	AddedAt      time.Time
	Notification *lead.Notification
	ID           string
	LastError    string
	Attempt      int
}

// ItemStatus describes one queued item.
type ItemStatus struct {
	ID          string       `json:"id"`
	LeadID      string       `json:"lead_id"`
	Channel     lead.Channel `json:"channel"`
	AlertType   lead.Tier    `json:"alert_type"`
	LastError   string       `json:"last_error,omitempty"`
	Attempt     int          `json:"attempt"`
	ScheduledIn int64        `json:"scheduled_in_ms"` // negative when overdue
}

// Status is a snapshot of the queue.
type Status struct {
	Items      []ItemStatus `json:"items"`
	Total      int          `json:"total"`
	Pending    int          `json:"pending"`
	Ready      int          `json:"ready"`
	Processing int          `json:"processing"`
}

// Config holds queue configuration.
type Config struct {
	Logger     *slog.Logger
	Now        func() time.Time
	Jitter     func() time.Duration // random extra delay, defaults to [0,1s)
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Tick       time.Duration
}

// Queue holds notifications until they are due. It is not durable: items are lost on restart.
type Queue struct {
	logger     *slog.Logger
	now        func() time.Time
	jitter     func() time.Duration
	items      []*Item
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	tick       time.Duration
	processing int
	mu         sync.Mutex
}

// New creates a queue.
func New(cfg *Config) *Queue {
	q := &Queue{
		logger:     cfg.Logger,
		now:        cfg.Now,
		jitter:     cfg.Jitter,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		tick:       cfg.Tick,
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.now == nil {
		q.now = time.Now
	}
	if q.jitter == nil {
		q.jitter = func() time.Duration { return rand.N(maxJitter) }
	}
	if q.maxRetries <= 0 {
		q.maxRetries = defaultMaxRetries
	}
	if q.baseDelay <= 0 {
		q.baseDelay = defaultBaseDelay
	}
	if q.maxDelay <= 0 {
		q.maxDelay = defaultMaxDelay
	}
	if q.tick <= 0 {
		q.tick = defaultTick
	}
	return q
}

// MaxRetries returns the attempt limit.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Delay returns the backoff before the given attempt: min(base*2^(attempt-1) + jitter, maxDelay).
func (q *Queue) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := q.baseDelay
	for i := 1; i < attempt && d < q.maxDelay; i++ {
		d *= 2
	}
	return min(d+q.jitter(), q.maxDelay)
}

// Add schedules n for redelivery after a failed attempt number attempt.
// It returns false, and logs a permanent failure, when attempts are exhausted.
func (q *Queue) Add(n *lead.Notification, attempt int, lastErr error) bool {
	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}

	if attempt >= q.maxRetries {
		q.logger.Error("Notification permanently failed",
			"lead_id", n.LeadID,
			"channel", n.Channel,
			"attempts", attempt,
			"error", errMsg)
		metrics.NotificationDroppedTotal.WithLabelValues("max_retries", string(n.Channel)).Inc()
		return false
	}

	now := q.now()
	delay := q.Delay(attempt)
	item := &Item{
		ID:           ulid.Make().String(),
		Notification: n,
		Attempt:      attempt,
		ScheduledFor: now.Add(delay),
		AddedAt:      now,
		LastError:    errMsg,
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	depth := len(q.items)
	q.mu.Unlock()

	metrics.RetryQueueDepth.Set(float64(depth))
	metrics.NotificationRetriesTotal.WithLabelValues("transient", string(n.Channel)).Inc()
	q.logger.Info("Notification queued for retry",
		"lead_id", n.LeadID,
		"channel", n.Channel,
		"attempt", attempt,
		"delay_ms", delay.Milliseconds())
	return true
}

// ProcessDue redelivers every item whose time has come. Due items leave the queue
// before redelivery and are re-added only when the new attempt fails.
func (q *Queue) ProcessDue(ctx context.Context, r Redeliverer) int {
	now := q.now()

	q.mu.Lock()
	var due, waiting []*Item
	for _, it := range q.items {
		if !it.ScheduledFor.After(now) {
			due = append(due, it)
		} else {
			waiting = append(waiting, it)
		}
	}
	q.items = waiting
	q.processing += len(due)
	q.mu.Unlock()

	if len(due) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	for _, it := range due {
		wg.Add(1)
		go func(it *Item) {
			defer wg.Done()
			q.redeliver(ctx, r, it)
		}(it)
	}
	wg.Wait()

	q.mu.Lock()
	q.processing -= len(due)
	depth := len(q.items)
	q.mu.Unlock()
	metrics.RetryQueueDepth.Set(float64(depth))

	return len(due)
}

func (q *Queue) redeliver(ctx context.Context, r Redeliverer, it *Item) {
	next := it.Attempt + 1
	err := r.Redeliver(ctx, it.Notification, next)
	switch {
	case err == nil:
		q.logger.Info("Retry succeeded",
			"lead_id", it.Notification.LeadID,
			"channel", it.Notification.Channel,
			"attempt", next)
		return
	case errors.Is(err, lead.ErrThrottled):
		q.logger.Warn("Retry dropped, recipient is rate limited",
			"lead_id", it.Notification.LeadID,
			"channel", it.Notification.Channel,
			"attempt", next)
		metrics.NotificationDroppedTotal.WithLabelValues("throttled", string(it.Notification.Channel)).Inc()
		return
	case errors.Is(err, lead.ErrChannelUnavailable):
		q.logger.Warn("Retry dropped, channel is not configured",
			"lead_id", it.Notification.LeadID,
			"channel", it.Notification.Channel)
		metrics.NotificationDroppedTotal.WithLabelValues("unconfigured", string(it.Notification.Channel)).Inc()
		return
	}
	if lead.IsTerminal(err) {
		q.logger.Error("Retry failed with terminal error, not requeueing",
			"lead_id", it.Notification.LeadID,
			"channel", it.Notification.Channel,
			"attempt", next,
			"error", err)
		metrics.NotificationDroppedTotal.WithLabelValues("terminal", string(it.Notification.Channel)).Inc()
		return
	}
	q.Add(it.Notification, next, err)
}

// Run processes due items on every tick until ctx is done.
// Items still queued at shutdown are dropped and counted in the log.
func (q *Queue) Run(ctx context.Context, r Redeliverer) {
	ticker := time.NewTicker(q.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if n := q.Len(); n > 0 {
				q.logger.Warn("Dropping queued retries on shutdown", "count", n)
			}
			return
		case <-ticker.C:
			q.ProcessDue(ctx, r)
		}
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Status returns a snapshot of queued items.
func (q *Queue) Status() Status {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	st := Status{
		Items:      make([]ItemStatus, 0, len(q.items)),
		Total:      len(q.items),
		Processing: q.processing,
	}
	for _, it := range q.items {
		if it.ScheduledFor.After(now) {
			st.Pending++
		} else {
			st.Ready++
		}
		st.Items = append(st.Items, ItemStatus{
			ID:          it.ID,
			LeadID:      it.Notification.LeadID,
			Channel:     it.Notification.Channel,
			AlertType:   it.Notification.Tier,
			LastError:   it.LastError,
			Attempt:     it.Attempt,
			ScheduledIn: it.ScheduledFor.Sub(now).Milliseconds(),
		})
	}
	return st
}

// Clear empties the queue and returns how many items were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	metrics.RetryQueueDepth.Set(0)
	return n
}

// Remove drops every item for leadID and returns how many were removed.
func (q *Queue) Remove(leadID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	for _, it := range q.items {
		if it.Notification.LeadID != leadID {
			kept = append(kept, it)
		}
	}
	removed := len(q.items) - len(kept)
	clear(q.items[len(kept):])
	q.items = kept
	metrics.RetryQueueDepth.Set(float64(len(kept)))
	return removed
}
