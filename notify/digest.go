package notify

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"lead-notifier/pkg/lead"
)

const maxDigestLeads = 500

// Digest collects batch-tier leads and mails them once a day.
type Digest struct {
	d          *Dispatcher
	leads      []*Lead
	added      []time.Time
	recipients []string
	hour       int
	mu         sync.Mutex
}

func newDigest(d *Dispatcher, recipients []string, hour int) *Digest {
	if hour < 0 || hour > 23 {
		hour = 8
	}
	return &Digest{d: d, recipients: recipients, hour: hour}
}

// Add collects l for the next digest.
func (g *Digest) Add(l *Lead) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.leads) >= maxDigestLeads {
		g.d.logger.Warn("Digest full, dropping lead", "lead_id", l.ID, "pending", len(g.leads))
		return
	}
	g.leads = append(g.leads, l)
	g.added = append(g.added, g.d.now())
	g.d.logger.Info("Lead added to daily digest", "lead_id", l.ID, "score", l.Score, "pending", len(g.leads))
}

// Pending returns the number of collected leads.
func (g *Digest) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.leads)
}

// Flush mails the collected leads now and empties the digest.
// Leads are kept when there is nobody to send to.
func (g *Digest) Flush(ctx context.Context) Result {
	if len(g.recipients) == 0 {
		if n := g.Pending(); n > 0 {
			g.d.logger.Warn("No digest recipients configured", "pending", n)
		}
		return Result{}
	}

	g.mu.Lock()
	leads, added := g.leads, g.added
	g.leads, g.added = nil, nil
	g.mu.Unlock()

	if len(leads) == 0 {
		return Result{}
	}

	now := g.d.now().In(g.d.loc)
	data := map[string]any{
		"date":         now.Format("Jan 2, 2006"),
		"count":        len(leads),
		"rows":         g.rows(leads, added),
		"dashboardUrl": g.d.dashboardURL,
	}

	batch := make([]*lead.Notification, 0, len(g.recipients))
	for _, rcpt := range g.recipients {
		batch = append(batch, &lead.Notification{
			LeadID:    "digest-" + now.Format("2006-01-02"),
			Channel:   lead.ChannelEmail,
			Recipient: rcpt,
			Template:  "daily-digest-email",
			Tier:      lead.TierBatch,
			Data:      data,
		})
	}

	res := g.d.dispatch(ctx, batch)
	g.d.logger.Info("Daily digest sent",
		"leads", len(leads),
		"successful", res.Summary.Successful,
		"failed", res.Summary.Failed)
	return res
}

func (g *Digest) rows(leads []*Lead, added []time.Time) safeHTML {
	var b strings.Builder
	for i, l := range leads {
		service := l.Insights.PredictedService
		if service == "" {
			service = "general"
		}
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%d</td><td><a href=\"%s\">%s</a></td><td>%s</td><td>%s</td></tr>\n",
			added[i].In(g.d.loc).Format("15:04"),
			l.Score,
			html.EscapeString(LinkURL(l.PageURL)),
			html.EscapeString(PageName(l.PageURL)),
			html.EscapeString(service),
			html.EscapeString(l.ID))
	}
	return safeHTML(b.String())
}

// nextRun returns the next time at hour:00 in loc strictly after now.
func nextRun(now time.Time, hour int, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Run sends the digest every day at the configured hour until ctx is done.
// Leads still pending at shutdown are dropped.
func (g *Digest) Run(ctx context.Context) {
	for {
		wait := nextRun(g.d.now(), g.hour, g.d.loc).Sub(g.d.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if n := g.Pending(); n > 0 {
				g.d.logger.Warn("Digest stopped with pending leads", "pending", n)
			}
			return
		case <-timer.C:
			g.Flush(ctx)
		}
	}
}
