// Package ratelimit caps how many notifications a recipient receives per channel.
package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"lead-notifier/pkg/lead"
)

const (
	window       = time.Hour
	dailyWindow  = 24 * time.Hour
	cleanupEvery = time.Hour
)

// Limits are the caps for one channel.
type Limits struct {
	PerHour int
	PerDay  int
}

// Usage reports consumption against one cap.
type Usage struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// Quota is the remaining allowance for a recipient on a channel.
type Quota struct {
	Hourly Usage `json:"hourly"`
	Daily  Usage `json:"daily"`
}

// ChannelStats summarizes tracked usage for one channel.
type ChannelStats struct {
	Recipients int    `json:"recipients"`
	TotalUsage int    `json:"total_usage"`
	Limits     Limits `json:"limits"`
}

// Stats is a snapshot of all tracked usage.
type Stats struct {
	Channels     map[lead.Channel]ChannelStats `json:"channels"`
	TotalEntries int                           `json:"total_entries"`
}

// Config holds limiter configuration.
type Config struct {
	Limits map[lead.Channel]Limits
	Logger *slog.Logger
	Now    func() time.Time // defaults to time.Now
}

// Limiter is a sliding-window counter keyed by channel and recipient.
// State is in-process only; a restart forgets all usage.
type Limiter struct {
	limits map[lead.Channel]Limits
	usage  map[string][]time.Time
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// DefaultLimits are the caps used when none are configured.
func DefaultLimits() map[lead.Channel]Limits {
	return map[lead.Channel]Limits{
		lead.ChannelSMS:   {PerHour: 20, PerDay: 100},
		lead.ChannelEmail: {PerHour: 100, PerDay: 1000},
	}
}

// New creates a limiter.
func New(cfg *Config) *Limiter {
	limits := cfg.Limits
	if limits == nil {
		limits = DefaultLimits()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		limits: limits,
		usage:  make(map[string][]time.Time),
		logger: logger,
		now:    now,
	}
}

func key(ch lead.Channel, recipient string) string {
	return string(ch) + ":" + recipient
}

// CanSend reports whether another message may go to recipient on ch.
// Both the hourly and the daily cap must have room. Unknown channels are refused.
func (l *Limiter) CanSend(ch lead.Channel, recipient string) bool {
	lim, ok := l.limits[ch]
	if !ok {
		l.logger.Warn("Rate limit check for unknown channel", "channel", ch)
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	hourly, daily := l.counts(key(ch, recipient))
	return hourly < lim.PerHour && daily < lim.PerDay
}

// RecordUsage counts one send to recipient on ch.
func (l *Limiter) RecordUsage(ch lead.Channel, recipient string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(ch, recipient)
	l.usage[k] = append(l.prune(l.usage[k]), l.now())
}

// Reserve checks the caps and counts one send in a single step, so concurrent senders
// cannot overshoot. A reservation for a send that then fails is returned with Release.
func (l *Limiter) Reserve(ch lead.Channel, recipient string) bool {
	lim, ok := l.limits[ch]
	if !ok {
		l.logger.Warn("Rate limit check for unknown channel", "channel", ch)
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(ch, recipient)
	hourly, daily := l.counts(k)
	if hourly >= lim.PerHour || daily >= lim.PerDay {
		return false
	}
	l.usage[k] = append(l.prune(l.usage[k]), l.now())
	return true
}

// Release gives back the most recent reservation for recipient on ch.
func (l *Limiter) Release(ch lead.Channel, recipient string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(ch, recipient)
	stamps := l.usage[k]
	if len(stamps) == 0 {
		return
	}
	if len(stamps) == 1 {
		delete(l.usage, k)
		return
	}
	l.usage[k] = stamps[:len(stamps)-1]
}

// RemainingQuota reports current usage for recipient on ch.
func (l *Limiter) RemainingQuota(ch lead.Channel, recipient string) Quota {
	lim := l.limits[ch]

	l.mu.Lock()
	hourly, daily := l.counts(key(ch, recipient))
	l.mu.Unlock()

	return Quota{
		Hourly: Usage{Used: hourly, Limit: lim.PerHour, Remaining: max(lim.PerHour-hourly, 0)},
		Daily:  Usage{Used: daily, Limit: lim.PerDay, Remaining: max(lim.PerDay-daily, 0)},
	}
}

// Stats returns a usage snapshot for every configured channel.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Stats{
		Channels:     make(map[lead.Channel]ChannelStats, len(l.limits)),
		TotalEntries: len(l.usage),
	}
	for ch, lim := range l.limits {
		st.Channels[ch] = ChannelStats{Limits: lim}
	}

	cutoff := l.now().Add(-dailyWindow)
	for k, stamps := range l.usage {
		ch, _ := splitKey(k)
		cs, ok := st.Channels[ch]
		if !ok {
			continue
		}
		cs.Recipients++
		for _, ts := range stamps {
			if ts.After(cutoff) {
				cs.TotalUsage++
			}
		}
		st.Channels[ch] = cs
	}
	return st
}

// Cleanup drops usage older than 24 hours and forgets idle recipients.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, stamps := range l.usage {
		recent := l.prune(stamps)
		removed += len(stamps) - len(recent)
		if len(recent) == 0 {
			delete(l.usage, k)
			continue
		}
		l.usage[k] = recent
	}
	return removed
}

// Reset forgets all usage.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.usage = make(map[string][]time.Time)
}

// Run sweeps stale usage every hour until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Cleanup(); n > 0 {
				l.logger.Info("Rate limiter cleanup completed", "removed", n)
			}
		}
	}
}

// counts must be called with mu held.
func (l *Limiter) counts(k string) (hourly, daily int) {
	now := l.now()
	hourCutoff := now.Add(-window)
	dayCutoff := now.Add(-dailyWindow)
	for _, ts := range l.usage[k] {
		if ts.After(dayCutoff) {
			daily++
			if ts.After(hourCutoff) {
				hourly++
			}
		}
	}
	return hourly, daily
}

// prune must be called with mu held.
func (l *Limiter) prune(stamps []time.Time) []time.Time {
	cutoff := l.now().Add(-dailyWindow)
	var recent []time.Time
	for _, ts := range stamps {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	return recent
}

func splitKey(k string) (lead.Channel, string) {
	ch, recipient, _ := strings.Cut(k, ":")
	return lead.Channel(ch), recipient
}
