package tutorbot

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shaharia-lab/tutorbot/observability"
)

const (
	// DefaultMaxHistory is the number of exchanges retained per contact.
	DefaultMaxHistory = 5

	// DefaultSessionTimeout is the inactivity period after which a session is evicted.
	DefaultSessionTimeout = 24 * time.Hour

	// DefaultSweepInterval is how often the background sweeper evicts expired sessions.
	DefaultSweepInterval = time.Hour
)

// SessionStore keeps per-contact conversational state in memory and mirrors it to a
// SnapshotStorage after every mutation.
//
// Each mutation rewrites the full snapshot, so a write costs O(store size). That is fine for
// the message volume of a single tutor instance.
//
// All methods are safe for concurrent use. A single mutex serialises foreground calls, the
// background sweeper and the snapshot writes.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session

	storage       SnapshotStorage
	logger        observability.Logger
	maxHistory    int
	timeout       time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	stopSweep   context.CancelFunc
	sweepDone   chan struct{}
	destroyOnce sync.Once
	closed      bool
}

// SessionStoreOption configures a SessionStore.
type SessionStoreOption func(*SessionStore)

// WithMaxHistory sets how many exchanges are retained per contact.
func WithMaxHistory(n int) SessionStoreOption {
	return func(s *SessionStore) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

// WithTimeout sets the inactivity period after which a session is evicted.
func WithTimeout(d time.Duration) SessionStoreOption {
	return func(s *SessionStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithSweepInterval sets the background eviction interval. Zero or negative disables the sweeper.
func WithSweepInterval(d time.Duration) SessionStoreOption {
	return func(s *SessionStore) {
		s.sweepInterval = d
	}
}

// WithSnapshotStorage sets where snapshots are loaded from and saved to.
func WithSnapshotStorage(storage SnapshotStorage) SessionStoreOption {
	return func(s *SessionStore) {
		if storage != nil {
			s.storage = storage
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger observability.Logger) SessionStoreOption {
	return func(s *SessionStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SessionStoreOption {
	return func(s *SessionStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSessionStore loads the snapshot and, when a sweep interval is set, starts the background
// sweeper. A missing or unreadable snapshot is never fatal: the store starts empty.
// Call Destroy to stop the sweeper and flush the final snapshot.
func NewSessionStore(ctx context.Context, opts ...SessionStoreOption) *SessionStore {
	s := &SessionStore{
		sessions:      make(map[string]*Session),
		storage:       NewMemorySnapshotStorage(),
		logger:        observability.NewNullLogger(),
		maxHistory:    DefaultMaxHistory,
		timeout:       DefaultSessionTimeout,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithFields(map[string]interface{}{
		observability.ComponentLogField: "session_store",
	})

	s.load(ctx)

	if s.sweepInterval > 0 {
		sweepCtx, cancel := context.WithCancel(ctx)
		s.stopSweep = cancel
		s.sweepDone = make(chan struct{})
		go s.sweep(sweepCtx)
	}

	return s
}

func (s *SessionStore) load(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded, err := s.storage.Load(ctx)
	switch {
	case errors.Is(err, ErrSnapshotNotFound):
		s.logger.WithContext(ctx).Info("No session snapshot found, starting empty")
		s.persistLocked(ctx)
		return
	case err != nil:
		s.logger.WithContext(ctx).WithErr(err).Error("Failed to load session snapshot, starting empty")
		return
	}

	for key, sess := range loaded {
		sess.Key = key
		if sess.History == nil {
			sess.History = []Exchange{}
		}
		if excess := len(sess.History) - s.maxHistory; excess > 0 {
			sess.History = sess.History[excess:]
		}
		s.sessions[key] = sess
	}
	s.logger.WithContext(ctx).Infof("Loaded %d sessions from snapshot", len(s.sessions))
}

func (s *SessionStore) sweep(ctx context.Context) {
	defer close(s.sweepDone)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.EvictExpired(ctx, s.now()); removed > 0 {
				s.logger.WithContext(ctx).Infof("Evicted %d expired sessions", removed)
			}
		}
	}
}

// persistLocked writes the whole store. Failures are logged; the in-memory state stays authoritative.
func (s *SessionStore) persistLocked(ctx context.Context) {
	if s.closed {
		return
	}

	snapshot := make(map[string]*Session, len(s.sessions))
	for key, sess := range s.sessions {
		cp := sess.clone()
		snapshot[key] = &cp
	}

	if err := s.storage.Save(ctx, snapshot); err != nil {
		s.logger.WithContext(ctx).WithErr(err).Error("Failed to save session snapshot")
	}
}

// AppendExchange records one exchange for key, creating the session if needed and dropping the
// oldest exchanges beyond the history cap. It returns a copy of the updated session.
func (s *SessionStore) AppendExchange(ctx context.Context, key, userText, assistantText string, level Level) Session {
	if !level.Valid() {
		level = DefaultLevel
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess, ok := s.sessions[key]
	if !ok {
		sess = &Session{
			Key:       key,
			History:   []Exchange{},
			CreatedAt: now,
		}
		s.sessions[key] = sess
	}

	sess.History = append(sess.History, Exchange{
		UserText:      userText,
		AssistantText: assistantText,
		Timestamp:     now,
		Level:         level,
	})
	if excess := len(sess.History) - s.maxHistory; excess > 0 {
		sess.History = append([]Exchange(nil), sess.History[excess:]...)
	}
	s.touch(sess, now)

	s.persistLocked(ctx)
	return sess.clone()
}

// History returns the exchanges for key in chronological order. Reading counts as activity,
// so a known session has its lastActivity refreshed. Unknown keys yield an empty slice and
// no session is created.
func (s *SessionStore) History(ctx context.Context, key string) []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return []Exchange{}
	}

	s.touch(sess, s.now())
	s.persistLocked(ctx)
	return sess.clone().History
}

// Peek returns a copy of the session for key without refreshing its activity.
func (s *SessionStore) Peek(key string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return Session{}, false
	}
	return sess.clone(), true
}

// touch moves lastActivity forward, never behind createdAt.
func (s *SessionStore) touch(sess *Session, now time.Time) {
	if now.Before(sess.CreatedAt) {
		now = sess.CreatedAt
	}
	sess.LastActivity = now
}

// EvictExpired removes every session idle for longer than the timeout as of now and returns
// how many were removed.
func (s *SessionStore) EvictExpired(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, sess := range s.sessions {
		if now.Sub(sess.LastActivity) > s.timeout {
			delete(s.sessions, key)
			removed++
		}
	}

	if removed > 0 {
		s.persistLocked(ctx)
	}
	return removed
}

// Remove deletes the session for key and reports whether it existed.
func (s *SessionStore) Remove(ctx context.Context, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[key]; !ok {
		return false
	}
	delete(s.sessions, key)
	s.persistLocked(ctx)
	return true
}

// ClearAll deletes every session and returns how many there were.
func (s *SessionStore) ClearAll(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.sessions)
	s.sessions = make(map[string]*Session)
	s.persistLocked(ctx)
	return n
}

// Stats summarises the store without mutating it.
func (s *SessionStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stats := Stats{
		TotalSessions: len(s.sessions),
		MaxHistory:    s.maxHistory,
		TimeoutHours:  s.timeout.Hours(),
	}

	var oldest, newest time.Time
	for _, sess := range s.sessions {
		stats.TotalExchanges += len(sess.History)
		if now.Sub(sess.LastActivity) <= s.timeout {
			stats.ActiveSessions++
		}
		if oldest.IsZero() || sess.CreatedAt.Before(oldest) {
			oldest = sess.CreatedAt
		}
		if newest.IsZero() || sess.CreatedAt.After(newest) {
			newest = sess.CreatedAt
		}
	}
	stats.InactiveSessions = stats.TotalSessions - stats.ActiveSessions

	if stats.TotalSessions > 0 {
		avg := float64(stats.TotalExchanges) / float64(stats.TotalSessions)
		stats.AverageExchangesPerSession = math.Round(avg*100) / 100
		stats.OldestSessionAgeMs = now.Sub(oldest).Milliseconds()
		stats.NewestSessionAgeMs = now.Sub(newest).Milliseconds()
	}

	return stats
}

// List returns one summary per session, most recently active first.
func (s *SessionStore) List() []SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]SessionSummary, 0, len(s.sessions))
	for key, sess := range s.sessions {
		idle := now.Sub(sess.LastActivity)
		out = append(out, SessionSummary{
			Key:                      key,
			ExchangeCount:            len(sess.History),
			LastActivity:             sess.LastActivity,
			CreatedAt:                sess.CreatedAt,
			Active:                   idle <= s.timeout,
			MinutesSinceLastActivity: int64(math.Round(idle.Minutes())),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].Key < out[j].Key
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// Len returns the number of sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// MaxHistory returns the per-contact history cap.
func (s *SessionStore) MaxHistory() int { return s.maxHistory }

// Timeout returns the eviction timeout.
func (s *SessionStore) Timeout() time.Duration { return s.timeout }

// Now returns the current time according to the store clock.
func (s *SessionStore) Now() time.Time { return s.now() }

// Destroy stops the sweeper, writes a final snapshot and clears memory. Only the first call
// has any effect. After Destroy the store keeps working in memory but no longer writes snapshots.
func (s *SessionStore) Destroy(ctx context.Context) {
	s.destroyOnce.Do(func() {
		if s.stopSweep != nil {
			s.stopSweep()
			<-s.sweepDone
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		s.persistLocked(ctx)
		s.logger.WithContext(ctx).Infof("Session store destroyed, flushed %d sessions", len(s.sessions))
		s.sessions = make(map[string]*Session)
		s.closed = true
	})
}
