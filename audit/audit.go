// Package audit keeps a durable, redacted record of every notification attempt.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"lead-notifier/pkg/lead"
)

const (
	filePrefix    = "notifications-"
	fileSuffix    = ".log"
	dayLayout     = "2006-01-02"
	flushInterval = 5 * time.Second
	shutdownGrace = 5 * time.Second
	maxFailures   = 10
)

// Status is the outcome of one attempt.
type Status string

// Attempt outcomes.
const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Entry is one notification attempt. Recipient is always masked.
type Entry struct {
	Timestamp  time.Time     `json:"timestamp"`
	Metadata   lead.Metadata `json:"metadata"`
	LeadID     string        `json:"lead_id"`
	AlertType  lead.Tier     `json:"alert_type"`
	Channel    lead.Channel  `json:"channel"`
	Recipient  string        `json:"recipient"`
	Status     Status        `json:"status"`
	Error      string        `json:"error,omitempty"`
	MessageID  string        `json:"message_id,omitempty"`
	Score      int           `json:"score"`
	RetryCount int           `json:"retry_count"`
}

// Stats aggregates entries over a window.
type Stats struct {
	ByStatus     map[Status]int       `json:"by_status"`
	ByChannel    map[lead.Channel]int `json:"by_channel"`
	ByAlertType  map[lead.Tier]int    `json:"by_alert_type"`
	Failures     []Entry              `json:"failures"`
	Hours        int                  `json:"hours"`
	Total        int                  `json:"total"`
	AverageScore float64              `json:"average_score"`
	SuccessRate  float64              `json:"success_rate"` // percent of entries sent
}

// Sink is append-only object storage for daily log files.
type Sink interface {
	Append(ctx context.Context, name string, data []byte) error
	Read(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// IsNotFound checks if a sink error means the object does not exist.
type IsNotFound func(error) bool

// Config holds audit logger configuration.
type Config struct {
	Sink          Sink
	IsNotFound    IsNotFound
	Logger        *slog.Logger
	Now           func() time.Time
	FlushInterval time.Duration
}

// Logger buffers entries and flushes them to daily JSONL objects.
type Logger struct {
	sink       Sink
	isNotFound IsNotFound
	logger     *slog.Logger
	now        func() time.Time
	buffer     []Entry
	interval   time.Duration
	mu         sync.Mutex // guards buffer
	flushMu    sync.Mutex // serializes flushes and reads of the sink
}

// New creates an audit logger.
func New(cfg *Config) *Logger {
	l := &Logger{
		sink:       cfg.Sink,
		isNotFound: cfg.IsNotFound,
		logger:     cfg.Logger,
		now:        cfg.Now,
		interval:   cfg.FlushInterval,
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.interval <= 0 {
		l.interval = flushInterval
	}
	if l.isNotFound == nil {
		l.isNotFound = func(error) bool { return false }
	}
	return l
}

// FileName returns the daily object name for t.
func FileName(t time.Time) string {
	return filePrefix + t.UTC().Format(dayLayout) + fileSuffix
}

// Log records e with its recipient masked and returns the stored form.
// Failed attempts are flushed immediately.
func (l *Logger) Log(ctx context.Context, e Entry) Entry {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Recipient = Mask(e.Recipient)

	l.mu.Lock()
	l.buffer = append(l.buffer, e)
	l.mu.Unlock()

	if e.Status == StatusFailed {
		l.logger.Warn("Notification attempt failed",
			"lead_id", e.LeadID,
			"channel", e.Channel,
			"recipient", e.Recipient,
			"retry_count", e.RetryCount,
			"error", e.Error)
		if err := l.Flush(ctx); err != nil {
			l.logger.Error("Failed to flush audit log", "error", err)
		}
	} else {
		l.logger.Info("Notification attempt recorded",
			"lead_id", e.LeadID,
			"channel", e.Channel,
			"recipient", e.Recipient,
			"status", e.Status)
	}
	return e
}

// Flush writes buffered entries to the sink. Entries that fail to write stay buffered.
func (l *Logger) Flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	pending := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	var order []string
	byDay := make(map[string]*bytes.Buffer)
	for _, e := range pending {
		name := FileName(e.Timestamp)
		buf, ok := byDay[name]
		if !ok {
			buf = &bytes.Buffer{}
			byDay[name] = buf
			order = append(order, name)
		}
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal audit entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	var failed []Entry
	var firstErr error
	for _, name := range order {
		if err := l.sink.Append(ctx, name, byDay[name].Bytes()); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("append %s: %w", name, err)
			}
			for _, e := range pending {
				if FileName(e.Timestamp) == name {
					failed = append(failed, e)
				}
			}
		}
	}

	if len(failed) > 0 {
		l.mu.Lock()
		l.buffer = append(failed, l.buffer...)
		l.mu.Unlock()
	}
	return firstErr
}

// Run flushes on a fixed interval until ctx is done, then performs a final
// flush bounded by a short grace period.
func (l *Logger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			if err := l.Flush(flushCtx); err != nil {
				l.logger.Error("Final audit flush failed", "error", err, "buffered", l.Buffered())
			}
			cancel()
			return
		case <-ticker.C:
			if err := l.Flush(ctx); err != nil {
				l.logger.Error("Failed to flush audit log", "error", err)
			}
		}
	}
}

// Buffered returns the number of entries not yet written.
func (l *Logger) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer)
}

// Since returns persisted and buffered entries at or after since, oldest first.
func (l *Logger) Since(ctx context.Context, since time.Time) ([]Entry, error) {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	now := l.now()
	var out []Entry
	for day := since.UTC().Truncate(24 * time.Hour); !day.After(now.UTC()); day = day.Add(24 * time.Hour) {
		data, err := l.sink.Read(ctx, FileName(day))
		if err != nil {
			if l.isNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("read audit log %s: %w", FileName(day), err)
		}
		out = append(out, l.parse(data, since)...)
	}

	l.mu.Lock()
	for _, e := range l.buffer {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	l.mu.Unlock()
	return out, nil
}

func (l *Logger) parse(data []byte, since time.Time) []Entry {
	var out []Entry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			l.logger.Warn("Skipping malformed audit line", "error", err)
			continue
		}
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

// Recent returns entries from the last minutes minutes.
func (l *Logger) Recent(ctx context.Context, minutes int) ([]Entry, error) {
	return l.Since(ctx, l.now().Add(-time.Duration(minutes)*time.Minute))
}

// Stats aggregates entries from the last hours hours.
func (l *Logger) Stats(ctx context.Context, hours int) (Stats, error) {
	entries, err := l.Since(ctx, l.now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return Stats{}, err
	}

	st := Stats{
		Hours:       hours,
		ByStatus:    make(map[Status]int),
		ByChannel:   make(map[lead.Channel]int),
		ByAlertType: make(map[lead.Tier]int),
		Failures:    []Entry{},
		Total:       len(entries),
	}
	scoreSum := 0
	for _, e := range entries {
		st.ByStatus[e.Status]++
		st.ByChannel[e.Channel]++
		st.ByAlertType[e.AlertType]++
		scoreSum += e.Score
		if e.Status == StatusFailed {
			st.Failures = append(st.Failures, e)
		}
	}
	if len(st.Failures) > maxFailures {
		st.Failures = st.Failures[len(st.Failures)-maxFailures:]
	}
	if st.Total > 0 {
		st.AverageScore = math.Round(float64(scoreSum)/float64(st.Total)*100) / 100
		st.SuccessRate = math.Round(float64(st.ByStatus[StatusSent])/float64(st.Total)*10000) / 100
	}
	return st, nil
}

// Cleanup deletes daily logs older than daysToKeep days and returns how many were removed.
func (l *Logger) Cleanup(ctx context.Context, daysToKeep int) (int, error) {
	names, err := l.sink.List(ctx, filePrefix)
	if err != nil {
		return 0, fmt.Errorf("list audit logs: %w", err)
	}

	cutoff := l.now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -daysToKeep)
	removed := 0
	for _, name := range names {
		day, err := time.Parse(dayLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
		if err != nil || !day.Before(cutoff) {
			continue
		}
		if err := l.sink.Delete(ctx, name); err != nil {
			return removed, fmt.Errorf("delete %s: %w", name, err)
		}
		removed++
	}
	if removed > 0 {
		l.logger.Info("Old audit logs removed", "count", removed, "days_kept", daysToKeep)
	}
	return removed, nil
}
