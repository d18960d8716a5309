package tutorbot

import "time"

// Exchange is one user message and the assistant reply produced for it.
type Exchange struct {
	UserText      string    `json:"userText"`
	AssistantText string    `json:"assistantText"`
	Timestamp     time.Time `json:"timestamp"`
	Level         Level     `json:"level"`
}

// Session is the rolling conversational state kept for a single contact.
type Session struct {
	Key          string     `json:"-"`
	History      []Exchange `json:"history"`
	LastActivity time.Time  `json:"lastActivity"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// clone returns a deep copy so callers never share the store's history slice.
func (s *Session) clone() Session {
	cp := *s
	cp.History = make([]Exchange, len(s.History))
	copy(cp.History, s.History)
	return cp
}

// Stats summarises the store for monitoring.
type Stats struct {
	TotalSessions              int     `json:"totalSessions"`
	ActiveSessions             int     `json:"activeSessions"`
	InactiveSessions           int     `json:"inactiveSessions"`
	TotalExchanges             int     `json:"totalExchanges"`
	AverageExchangesPerSession float64 `json:"averageExchangesPerSession"`
	MaxHistory                 int     `json:"maxHistory"`
	TimeoutHours               float64 `json:"timeoutHours"`
	OldestSessionAgeMs         int64   `json:"oldestSessionAgeMs"`
	NewestSessionAgeMs         int64   `json:"newestSessionAgeMs"`
}

// SessionSummary is the per-session row of the administrative list view.
type SessionSummary struct {
	Key                      string    `json:"phoneNumber"`
	ExchangeCount            int       `json:"messageCount"`
	LastActivity             time.Time `json:"lastActivity"`
	CreatedAt                time.Time `json:"createdAt"`
	Active                   bool      `json:"isActive"`
	MinutesSinceLastActivity int64     `json:"timeSinceLastActivity"`
}
