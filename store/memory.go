package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"lead-notifier/pkg/lead"
)

const maxMemorySnapshots = 168

// Memory keeps everything in process memory. It is used when no database is
// configured and as the fallback when the database fails.
type Memory struct {
	sessions  map[string]*lead.Session
	leads     map[string]lead.QualifiedLead
	now       func() time.Time
	alerts    []lead.Alert
	snapshots []*Snapshot
	threshold int
	mu        sync.RWMutex
}

// NewMemory creates an in-memory store. A threshold of 0 uses DefaultQualifiedThreshold.
func NewMemory(threshold int, now func() time.Time) *Memory {
	if threshold <= 0 {
		threshold = DefaultQualifiedThreshold
	}
	if now == nil {
		now = time.Now
	}
	return &Memory{
		sessions:  make(map[string]*lead.Session),
		leads:     make(map[string]lead.QualifiedLead),
		now:       now,
		threshold: threshold,
	}
}

// Mode returns "memory".
func (m *Memory) Mode() string {
	return "memory"
}

// SaveSession upserts s.
func (m *Memory) SaveSession(ctx context.Context, s *lead.Session) (*lead.Session, error) {
	now := m.now()
	stored := stamp(s, now)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = stored
	if stored.Score >= m.threshold {
		var prev *lead.QualifiedLead
		if q, ok := m.leads[s.ID]; ok {
			prev = &q
		}
		m.leads[s.ID] = qualify(stored, prev, now)
	}
	return clone(stored), nil
}

// Session returns a copy of the stored session.
func (m *Memory) Session(ctx context.Context, id string) (*lead.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok || !s.ExpiresAt.After(m.now()) {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// QualifiedLeads returns all qualified leads, highest score first.
func (m *Memory) QualifiedLeads(ctx context.Context) ([]lead.QualifiedLead, error) {
	m.mu.RLock()
	out := make([]lead.QualifiedLead, 0, len(m.leads))
	for _, q := range m.leads {
		out = append(out, q)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

// SaveAlert appends a.
func (m *Memory) SaveAlert(ctx context.Context, a lead.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return nil
}

// SessionsSince returns copies of sessions stored after since.
func (m *Memory) SessionsSince(ctx context.Context, since time.Time) ([]*lead.Session, error) {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*lead.Session
	for _, s := range m.sessions {
		if s.StoredAt.After(since) && s.ExpiresAt.After(now) {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoredAt.Before(out[j].StoredAt) })
	return out, nil
}

// AlertsSince returns alerts recorded after since, oldest first.
func (m *Memory) AlertsSince(ctx context.Context, since time.Time) ([]lead.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []lead.Alert
	for _, a := range m.alerts {
		if a.Timestamp.After(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

// SaveSnapshot keeps the most recent snapshots.
func (m *Memory) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snap)
	if len(m.snapshots) > maxMemorySnapshots {
		m.snapshots = m.snapshots[len(m.snapshots)-maxMemorySnapshots:]
	}
	return nil
}

// Snapshots returns the retained snapshots, oldest first.
func (m *Memory) Snapshots() []*Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Snapshot(nil), m.snapshots...)
}

// PurgeExpired drops expired sessions.
func (m *Memory) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if !s.ExpiresAt.After(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
