package store

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"lead-notifier/pkg/lead"
)

// Fallback serves from a primary store until it fails, then switches to memory for good.
// Callers see the same interface either way.
type Fallback struct {
	primary  Store
	memory   *Memory
	logger   *slog.Logger
	degraded atomic.Bool
}

// NewFallback wraps primary. A nil primary starts in memory mode.
func NewFallback(primary Store, memory *Memory, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fallback{primary: primary, memory: memory, logger: logger}
	if primary == nil {
		f.degraded.Store(true)
	}
	return f
}

// Mode reports the backend currently serving requests.
func (f *Fallback) Mode() string {
	if f.degraded.Load() {
		return f.memory.Mode()
	}
	return f.primary.Mode()
}

// Degraded reports whether the store has switched to memory.
func (f *Fallback) Degraded() bool {
	return f.degraded.Load()
}

// failed reports whether err should trigger the switch to memory, switching if so.
func (f *Fallback) failed(op string, err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	if f.degraded.CompareAndSwap(false, true) {
		f.logger.Warn("Storage failed, switching to in-memory mode",
			"operation", op,
			"backend", f.primary.Mode(),
			"error", err)
	}
	return true
}

// SaveSession implements Store.
func (f *Fallback) SaveSession(ctx context.Context, s *lead.Session) (*lead.Session, error) {
	if !f.degraded.Load() {
		stored, err := f.primary.SaveSession(ctx, s)
		if !f.failed("save_session", err) {
			return stored, err
		}
	}
	return f.memory.SaveSession(ctx, s)
}

// Session implements Store.
func (f *Fallback) Session(ctx context.Context, id string) (*lead.Session, error) {
	if !f.degraded.Load() {
		s, err := f.primary.Session(ctx, id)
		if !f.failed("get_session", err) {
			return s, err
		}
	}
	return f.memory.Session(ctx, id)
}

// QualifiedLeads implements Store.
func (f *Fallback) QualifiedLeads(ctx context.Context) ([]lead.QualifiedLead, error) {
	if !f.degraded.Load() {
		out, err := f.primary.QualifiedLeads(ctx)
		if !f.failed("qualified_leads", err) {
			return out, err
		}
	}
	return f.memory.QualifiedLeads(ctx)
}

// SaveAlert implements Store.
func (f *Fallback) SaveAlert(ctx context.Context, a lead.Alert) error {
	if !f.degraded.Load() {
		err := f.primary.SaveAlert(ctx, a)
		if !f.failed("save_alert", err) {
			return err
		}
	}
	return f.memory.SaveAlert(ctx, a)
}

// SessionsSince implements Store.
func (f *Fallback) SessionsSince(ctx context.Context, since time.Time) ([]*lead.Session, error) {
	if !f.degraded.Load() {
		out, err := f.primary.SessionsSince(ctx, since)
		if !f.failed("sessions_since", err) {
			return out, err
		}
	}
	return f.memory.SessionsSince(ctx, since)
}

// AlertsSince implements Store.
func (f *Fallback) AlertsSince(ctx context.Context, since time.Time) ([]lead.Alert, error) {
	if !f.degraded.Load() {
		out, err := f.primary.AlertsSince(ctx, since)
		if !f.failed("alerts_since", err) {
			return out, err
		}
	}
	return f.memory.AlertsSince(ctx, since)
}

// SaveSnapshot implements Store.
func (f *Fallback) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	if !f.degraded.Load() {
		err := f.primary.SaveSnapshot(ctx, snap)
		if !f.failed("save_snapshot", err) {
			return err
		}
	}
	return f.memory.SaveSnapshot(ctx, snap)
}

// PurgeExpired implements Store.
func (f *Fallback) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if !f.degraded.Load() {
		n, err := f.primary.PurgeExpired(ctx, now)
		if !f.failed("purge_expired", err) {
			return n, err
		}
	}
	return f.memory.PurgeExpired(ctx, now)
}

// Close closes the primary store.
func (f *Fallback) Close() error {
	if f.primary == nil {
		return nil
	}
	return f.primary.Close()
}
