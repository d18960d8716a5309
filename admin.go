package tutorbot

import (
	"context"
	"errors"
	"time"
)

// ClearAllConfirmation must be passed to SessionAdmin.ClearAll for it to proceed.
const ClearAllConfirmation = "DELETE_ALL_SESSIONS"

var (
	// ErrSessionNotFound is returned when the requested contact has no session or no exchanges.
	ErrSessionNotFound = errors.New("session not found")

	// ErrConfirmationRequired is returned by ClearAll when the confirmation token is wrong.
	ErrConfirmationRequired = errors.New("confirmation required: send \"" + ClearAllConfirmation + "\"")
)

// SessionList is the administrative list view.
type SessionList struct {
	Total    int              `json:"totalSessions"`
	Active   int              `json:"activeSessions"`
	Sessions []SessionSummary `json:"sessions"`
}

// SessionHistory is the detailed view of one contact's exchanges.
type SessionHistory struct {
	Key               string        `json:"phone"`
	ExchangeCount     int           `json:"messageCount"`
	MaxHistory        int           `json:"maxMessages"`
	MostCommonLevel   Level         `json:"mostCommonLevel"`
	LevelDistribution map[Level]int `json:"levelDistribution"`
	FirstExchange     time.Time     `json:"firstMessage"`
	LastExchange      time.Time     `json:"lastMessage"`
	Exchanges         []Exchange    `json:"messages"`
}

// EvictionResult reports the outcome of an on-demand eviction.
type EvictionResult struct {
	Removed   int `json:"removedSessions"`
	Remaining int `json:"remainingSessions"`
}

// SessionAdmin exposes read and delete operations over a SessionStore for operators.
type SessionAdmin struct {
	store *SessionStore
}

// NewSessionAdmin wraps store.
func NewSessionAdmin(store *SessionStore) *SessionAdmin {
	return &SessionAdmin{store: store}
}

// Stats returns the store statistics.
func (a *SessionAdmin) Stats() Stats {
	return a.store.Stats()
}

// List returns every session, most recently active first.
func (a *SessionAdmin) List() SessionList {
	sessions := a.store.List()

	out := SessionList{Total: len(sessions), Sessions: sessions}
	for _, s := range sessions {
		if s.Active {
			out.Active++
		}
	}
	return out
}

// History returns the exchanges of key with a level breakdown. Reading refreshes the session's
// activity like any other history read.
func (a *SessionAdmin) History(ctx context.Context, key string) (*SessionHistory, error) {
	exchanges := a.store.History(ctx, key)
	if len(exchanges) == 0 {
		return nil, ErrSessionNotFound
	}

	dist := make(map[Level]int)
	var order []Level
	for _, ex := range exchanges {
		if _, seen := dist[ex.Level]; !seen {
			order = append(order, ex.Level)
		}
		dist[ex.Level]++
	}

	// Ties go to the level that appeared later.
	most := order[0]
	for _, l := range order[1:] {
		if dist[most] <= dist[l] {
			most = l
		}
	}

	return &SessionHistory{
		Key:               key,
		ExchangeCount:     len(exchanges),
		MaxHistory:        a.store.MaxHistory(),
		MostCommonLevel:   most,
		LevelDistribution: dist,
		FirstExchange:     exchanges[0].Timestamp,
		LastExchange:      exchanges[len(exchanges)-1].Timestamp,
		Exchanges:         exchanges,
	}, nil
}

// Remove deletes one session.
func (a *SessionAdmin) Remove(ctx context.Context, key string) error {
	if !a.store.Remove(ctx, key) {
		return ErrSessionNotFound
	}
	return nil
}

// ClearAll deletes every session when confirm equals ClearAllConfirmation and returns how many
// were removed. Any other token leaves the store untouched.
func (a *SessionAdmin) ClearAll(ctx context.Context, confirm string) (int, error) {
	if confirm != ClearAllConfirmation {
		return 0, ErrConfirmationRequired
	}
	return a.store.ClearAll(ctx), nil
}

// EvictNow runs an eviction pass immediately.
func (a *SessionAdmin) EvictNow(ctx context.Context) EvictionResult {
	removed := a.store.EvictExpired(ctx, a.store.Now())
	return EvictionResult{Removed: removed, Remaining: a.store.Len()}
}
