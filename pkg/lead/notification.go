package lead

// Metadata is request context carried into the audit trail.
type Metadata struct {
	UserAgent       string `json:"user_agent,omitempty"`
	PageURL         string `json:"page_url,omitempty"`
	SessionDuration int64  `json:"session_duration,omitempty"`
}

// Notification is one rendered-on-demand message for one recipient on one channel.
type Notification struct {
	Data      map[string]any `json:"data"` // template data
	Metadata  Metadata       `json:"metadata"`
	LeadID    string         `json:"lead_id"`
	Channel   Channel        `json:"channel"`
	Recipient string         `json:"recipient"`
	Template  string         `json:"template"`
	Tier      Tier           `json:"tier"`
	Score     int            `json:"score"`
}
