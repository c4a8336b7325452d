package audit

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"lead-notifier/pkg/lead"
	"lead-notifier/storage"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLogger(t *testing.T) (*Logger, *storage.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 1, 7, 12, 0, 0, 0, time.UTC)}
	sink := storage.New(nil, "", t.TempDir(), testLogger)
	l := New(&Config{
		Sink:       sink,
		IsNotFound: storage.IsNotFound,
		Logger:     testLogger,
		Now:        clock.now,
	})
	return l, sink, clock
}

func TestMask(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"owner@example.com", "own***@example.com"},
		{"ab@example.com", "a***@example.com"},
		{"a@example.com", "***@example.com"},
		{"+15551234567", "+1555***4567"},
		{"5551234567", "555***4567"},
		{"+1 (555) 123-4567", "+1555***4567"},
		{"12345", "***"},
		{"", "***"},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMaskNeverLeaks(t *testing.T) {
	emails := []string{"x@a.io", "john.smith@example.com", "abc@d.com", "abcd@d.com"}
	for _, e := range emails {
		local := e[:strings.Index(e, "@")]
		if got := Mask(e); strings.HasPrefix(got, local) {
			t.Errorf("Mask(%q) = %q leaks the local part", e, got)
		}
	}
	phones := []string{"+15551234567", "+447700900123", "5551234567"}
	for _, p := range phones {
		digits := strings.TrimPrefix(p, "+")
		middle := digits[len(digits)-7 : len(digits)-4]
		got := Mask(p)
		if strings.Contains(got, middle+digits[len(digits)-4:]) {
			t.Errorf("Mask(%q) = %q leaks middle digits", p, got)
		}
	}
}

func TestLogBuffersAndFlushes(t *testing.T) {
	ctx := context.Background()
	l, sink, clock := newTestLogger(t)

	got := l.Log(ctx, Entry{LeadID: "lead-1", Channel: lead.ChannelEmail, Recipient: "owner@example.com", Status: StatusSent, Score: 85})
	if got.Recipient != "own***@example.com" {
		t.Errorf("Log().Recipient = %q, want masked", got.Recipient)
	}
	if !got.Timestamp.Equal(clock.now()) {
		t.Errorf("Log().Timestamp = %v, want %v", got.Timestamp, clock.now())
	}
	if n := l.Buffered(); n != 1 {
		t.Fatalf("Buffered() = %d, want 1", n)
	}
	if _, err := sink.Read(ctx, FileName(clock.now())); !storage.IsNotFound(err) {
		t.Errorf("sink has data before flush, err = %v", err)
	}

	if err := l.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	data, err := sink.Read(ctx, "notifications-2025-01-07.log")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if strings.Contains(string(data), "owner@") {
		t.Errorf("persisted log contains plaintext recipient: %s", data)
	}
	if strings.Count(string(data), "\n") != 1 {
		t.Errorf("persisted log = %q, want one line", data)
	}
}

func TestFailureFlushesImmediately(t *testing.T) {
	ctx := context.Background()
	l, sink, clock := newTestLogger(t)

	l.Log(ctx, Entry{LeadID: "lead-1", Channel: lead.ChannelSMS, Recipient: "+15551234567", Status: StatusFailed, Error: "timeout"})

	if n := l.Buffered(); n != 0 {
		t.Errorf("Buffered() after failure = %d, want 0", n)
	}
	if _, err := sink.Read(ctx, FileName(clock.now())); err != nil {
		t.Errorf("Read() error = %v, want failure persisted", err)
	}
}

type brokenSink struct {
	*storage.Store
	fail bool
}

func (b *brokenSink) Append(ctx context.Context, name string, data []byte) error {
	if b.fail {
		return errors.New("disk full")
	}
	return b.Store.Append(ctx, name, data)
}

func TestFlushKeepsEntriesOnError(t *testing.T) {
	ctx := context.Background()
	sink := &brokenSink{Store: storage.New(nil, "", t.TempDir(), testLogger), fail: true}
	l := New(&Config{Sink: sink, IsNotFound: storage.IsNotFound, Logger: testLogger})

	l.Log(ctx, Entry{LeadID: "lead-1", Status: StatusSent})
	if err := l.Flush(ctx); err == nil {
		t.Fatal("Flush() error = nil, want error")
	}
	if n := l.Buffered(); n != 1 {
		t.Errorf("Buffered() after failed flush = %d, want 1", n)
	}

	sink.fail = false
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if n := l.Buffered(); n != 0 {
		t.Errorf("Buffered() = %d, want 0", n)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	l, _, clock := newTestLogger(t)

	l.Log(ctx, Entry{LeadID: "old", Channel: lead.ChannelEmail, Status: StatusSent, Score: 10, AlertType: lead.TierStandard})
	clock.advance(3 * time.Hour)
	l.Log(ctx, Entry{LeadID: "a", Channel: lead.ChannelEmail, Status: StatusSent, Score: 90, AlertType: lead.TierImmediate})
	l.Log(ctx, Entry{LeadID: "a", Channel: lead.ChannelSMS, Status: StatusFailed, Score: 90, AlertType: lead.TierImmediate, Error: "timeout"})
	l.Log(ctx, Entry{LeadID: "b", Channel: lead.ChannelEmail, Status: StatusSent, Score: 60, AlertType: lead.TierHighPriority})
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	// One buffered entry is included without a flush.
	l.Log(ctx, Entry{LeadID: "c", Channel: lead.ChannelEmail, Status: StatusSent, Score: 80, AlertType: lead.TierImmediate})

	st, err := l.Stats(ctx, 1)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.Total != 4 {
		t.Errorf("Total = %d, want 4", st.Total)
	}
	if st.ByStatus[StatusSent] != 3 || st.ByStatus[StatusFailed] != 1 {
		t.Errorf("ByStatus = %v, want 3 sent 1 failed", st.ByStatus)
	}
	if st.ByChannel[lead.ChannelSMS] != 1 || st.ByChannel[lead.ChannelEmail] != 3 {
		t.Errorf("ByChannel = %v", st.ByChannel)
	}
	if st.ByAlertType[lead.TierImmediate] != 3 {
		t.Errorf("ByAlertType[immediate] = %d, want 3", st.ByAlertType[lead.TierImmediate])
	}
	if st.SuccessRate != 75 {
		t.Errorf("SuccessRate = %v, want 75", st.SuccessRate)
	}
	if st.AverageScore != 80 {
		t.Errorf("AverageScore = %v, want 80", st.AverageScore)
	}
	if len(st.Failures) != 1 || st.Failures[0].Error != "timeout" {
		t.Errorf("Failures = %+v, want the timeout entry", st.Failures)
	}

	st, err = l.Stats(ctx, 24)
	if err != nil {
		t.Fatalf("Stats(24) error = %v", err)
	}
	if st.Total != 5 {
		t.Errorf("Stats(24).Total = %d, want 5", st.Total)
	}
}

func TestStatsSpansDays(t *testing.T) {
	ctx := context.Background()
	l, _, clock := newTestLogger(t)
	clock.advance(11 * time.Hour) // 23:00
	l.Log(ctx, Entry{LeadID: "late", Status: StatusSent})
	clock.advance(2 * time.Hour) // 01:00 next day
	l.Log(ctx, Entry{LeadID: "early", Status: StatusSent})
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	entries, err := l.Recent(ctx, 180)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Recent() = %d entries, want 2", len(entries))
	}
}

func TestRunFlushesOnShutdown(t *testing.T) {
	l, sink, clock := newTestLogger(t)
	l.interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	l.Log(context.Background(), Entry{LeadID: "lead-1", Status: StatusSent})
	cancel()
	<-done

	if _, err := sink.Read(context.Background(), FileName(clock.now())); err != nil {
		t.Errorf("Read() after shutdown error = %v, want flushed entry", err)
	}
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	l, sink, _ := newTestLogger(t)
	for _, name := range []string{"notifications-2024-11-01.log", "notifications-2025-01-01.log", "notes.txt"} {
		if err := sink.Append(ctx, name, []byte("{}\n")); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	removed, err := l.Cleanup(ctx, 30)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Cleanup() = %d, want 1", removed)
	}
	if _, err := sink.Read(ctx, "notifications-2025-01-01.log"); err != nil {
		t.Errorf("recent log was removed: %v", err)
	}
}
