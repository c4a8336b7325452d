// Package store persists sessions, qualified leads, alerts and analytics snapshots.
package store

import (
	"context"
	"errors"
	"time"

	"lead-notifier/pkg/lead"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("not found")

const (
	// Retention is how long a session is kept after its last store.
	Retention = 30 * 24 * time.Hour
	// DefaultQualifiedThreshold is the score at which a session becomes a qualified lead.
	DefaultQualifiedThreshold = 60

	statusNew = "new"
)

// Store is the persistence contract used by ingestion and the dashboard.
type Store interface {
	// SaveSession upserts s by id, stamping StoredAt and ExpiresAt, and promotes it to a
	// qualified lead when its score reaches the threshold.
	SaveSession(ctx context.Context, s *lead.Session) (*lead.Session, error)
	// Session returns the stored session or ErrNotFound.
	Session(ctx context.Context, id string) (*lead.Session, error)
	QualifiedLeads(ctx context.Context) ([]lead.QualifiedLead, error)
	SaveAlert(ctx context.Context, a lead.Alert) error
	// SessionsSince returns unexpired sessions stored after since.
	SessionsSince(ctx context.Context, since time.Time) ([]*lead.Session, error)
	AlertsSince(ctx context.Context, since time.Time) ([]lead.Alert, error)
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	// PurgeExpired deletes sessions whose ExpiresAt is not after now.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
	// Mode names the backend ("sqlite" or "memory").
	Mode() string
	Close() error
}

// clone copies s so callers never share slices with stored state.
func clone(s *lead.Session) *lead.Session {
	c := *s
	c.PageViews = append([]lead.PageView(nil), s.PageViews...)
	c.Events = append([]lead.Event(nil), s.Events...)
	c.Factors = append([]string(nil), s.Factors...)
	if s.Extra != nil {
		c.Extra = make(map[string]any, len(s.Extra))
		for k, v := range s.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// stamp sets the storage timestamps on a copy of s.
func stamp(s *lead.Session, now time.Time) *lead.Session {
	c := clone(s)
	c.StoredAt = now
	c.ExpiresAt = now.Add(Retention)
	return c
}

// qualify returns the qualified-lead projection for s, keeping the lifecycle
// fields of prev when the lead already exists.
func qualify(s *lead.Session, prev *lead.QualifiedLead, now time.Time) lead.QualifiedLead {
	if prev != nil {
		q := *prev
		q.Score = max(q.Score, s.Score)
		q.UpdatedAt = now
		return q
	}
	return lead.QualifiedLead{
		SessionID:   s.ID,
		Score:       s.Score,
		QualifiedAt: now,
		UpdatedAt:   now,
		Visitor:     s.Visitor,
		Status:      statusNew,
		Notes:       []string{},
	}
}
