package tutorbot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingStorage records how often the store saves.
type countingStorage struct {
	mu      sync.Mutex
	saves   int
	last    map[string]*Session
	loadErr error
	saveErr error
}

func (c *countingStorage) Load(context.Context) (map[string]*Session, error) {
	if c.loadErr != nil {
		return nil, c.loadErr
	}
	return nil, ErrSnapshotNotFound
}

func (c *countingStorage) Save(_ context.Context, sessions map[string]*Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	c.last = sessions
	return c.saveErr
}

func (c *countingStorage) Saves() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}

func newTestStore(t *testing.T, clock *fakeClock, opts ...SessionStoreOption) *SessionStore {
	t.Helper()
	opts = append([]SessionStoreOption{WithSweepInterval(0), WithClock(clock.Now)}, opts...)
	store := NewSessionStore(context.Background(), opts...)
	t.Cleanup(func() { store.Destroy(context.Background()) })
	return store
}

func TestSessionStore_HistoryCap(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(t, clock)

	for i := 0; i < 8; i++ {
		clock.Advance(time.Second)
		sess := store.AppendExchange(ctx, "+1", fmt.Sprintf("msg %d", i), "reply", LevelBasic)
		assert.LessOrEqual(t, len(sess.History), DefaultMaxHistory)
	}

	history := store.History(ctx, "+1")
	require.Len(t, history, 5)
	for i, ex := range history {
		assert.Equal(t, fmt.Sprintf("msg %d", i+3), ex.UserText)
	}
}

func TestSessionStore_EndToEndConversation(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(t, clock)

	messages := []string{"Hola", "¿Qué tal?", "Gracias", "Adiós", "Hasta luego", "Buenos días"}
	for _, msg := range messages {
		clock.Advance(time.Minute)
		store.AppendExchange(ctx, "+551199990000", msg, "ok", DetectLevel(msg))
	}

	history := store.History(ctx, "+551199990000")
	require.Len(t, history, 5)
	assert.Equal(t, "¿Qué tal?", history[0].UserText)
	assert.Equal(t, "Buenos días", history[4].UserText)
}

func TestSessionStore_AppendDefaultsLevel(t *testing.T) {
	store := newTestStore(t, newFakeClock())

	sess := store.AppendExchange(context.Background(), "+1", "hi", "hola", "")
	require.Len(t, sess.History, 1)
	assert.Equal(t, LevelIntermediate, sess.History[0].Level)
}

func TestSessionStore_AppendReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeClock())

	sess := store.AppendExchange(ctx, "+1", "hi", "hola", LevelBeginner)
	sess.History[0].UserText = "mutated"

	assert.Equal(t, "hi", store.History(ctx, "+1")[0].UserText)
}

func TestSessionStore_HistoryUnknownKey(t *testing.T) {
	store := newTestStore(t, newFakeClock())

	history := store.History(context.Background(), "+nobody")
	assert.NotNil(t, history)
	assert.Empty(t, history)
	assert.Equal(t, 0, store.Len())
}

func TestSessionStore_HistoryRefreshesActivity(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(t, clock)

	store.AppendExchange(ctx, "+1", "hola", "hola", LevelBasic)
	clock.Advance(25 * time.Hour)

	// Stale but unswept: the read succeeds and refreshes activity.
	history := store.History(ctx, "+1")
	assert.Len(t, history, 1)

	sess, ok := store.Peek("+1")
	require.True(t, ok)
	assert.True(t, sess.LastActivity.Equal(clock.Now()))
	assert.Equal(t, 0, store.EvictExpired(ctx, clock.Now()))
}

func TestSessionStore_EvictExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(t, clock)

	store.AppendExchange(ctx, "+old", "a", "b", LevelBasic)
	clock.Advance(20 * time.Hour)
	store.AppendExchange(ctx, "+recent", "a", "b", LevelBasic)
	clock.Advance(4*time.Hour + time.Second)

	assert.Equal(t, 1, store.EvictExpired(ctx, clock.Now()))
	assert.Equal(t, 0, store.EvictExpired(ctx, clock.Now()))

	_, ok := store.Peek("+old")
	assert.False(t, ok)
	_, ok = store.Peek("+recent")
	assert.True(t, ok)
}

func TestSessionStore_EvictExactlyAtTimeoutKeeps(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(t, clock, WithTimeout(time.Hour))

	store.AppendExchange(ctx, "+1", "a", "b", LevelBasic)
	assert.Equal(t, 0, store.EvictExpired(ctx, clock.Now().Add(time.Hour)))
	assert.Equal(t, 1, store.EvictExpired(ctx, clock.Now().Add(time.Hour+time.Millisecond)))
}

func TestSessionStore_Remove(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeClock())
	store.AppendExchange(ctx, "+1", "a", "b", LevelBasic)
	store.AppendExchange(ctx, "+2", "a", "b", LevelBasic)

	assert.False(t, store.Remove(ctx, "+3"))
	assert.Equal(t, 2, store.Len())

	assert.True(t, store.Remove(ctx, "+1"))
	assert.Equal(t, 1, store.Len())
}

func TestSessionStore_ClearAll(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeClock())
	store.AppendExchange(ctx, "+1", "a", "b", LevelBasic)
	store.AppendExchange(ctx, "+2", "a", "b", LevelBasic)

	assert.Equal(t, 2, store.ClearAll(ctx))
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 0, store.ClearAll(ctx))
}

func TestSessionStore_Stats(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(t, clock)

	assert.Equal(t, Stats{MaxHistory: 5, TimeoutHours: 24}, store.Stats())

	store.AppendExchange(ctx, "+1", "a", "b", LevelBasic)
	store.AppendExchange(ctx, "+1", "c", "d", LevelBasic)
	clock.Advance(30 * time.Hour)
	store.AppendExchange(ctx, "+2", "a", "b", LevelBasic)
	clock.Advance(time.Hour)

	stats := store.Stats()
	assert.Equal(t, 2, stats.TotalSessions)
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 1, stats.InactiveSessions)
	assert.Equal(t, 3, stats.TotalExchanges)
	assert.Equal(t, 1.5, stats.AverageExchangesPerSession)
	assert.Equal(t, (31 * time.Hour).Milliseconds(), stats.OldestSessionAgeMs)
	assert.Equal(t, time.Hour.Milliseconds(), stats.NewestSessionAgeMs)
	assert.Equal(t, 2, store.Len(), "stats does not evict")
}

func TestSessionStore_List(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(t, clock)

	store.AppendExchange(ctx, "+a", "x", "y", LevelBasic)
	clock.Advance(10 * time.Minute)
	store.AppendExchange(ctx, "+b", "x", "y", LevelBasic)
	clock.Advance(5 * time.Minute)

	list := store.List()
	require.Len(t, list, 2)
	assert.Equal(t, "+b", list[0].Key)
	assert.Equal(t, int64(5), list[0].MinutesSinceLastActivity)
	assert.Equal(t, "+a", list[1].Key)
	assert.Equal(t, int64(15), list[1].MinutesSinceLastActivity)
	assert.True(t, list[1].Active)
}

func TestSessionStore_PersistsEveryMutation(t *testing.T) {
	ctx := context.Background()
	storage := &countingStorage{}
	store := newTestStore(t, newFakeClock(), WithSnapshotStorage(storage))

	require.Equal(t, 1, storage.Saves(), "empty snapshot written when none exists")

	store.AppendExchange(ctx, "+1", "a", "b", LevelBasic)
	store.History(ctx, "+1")
	store.History(ctx, "+unknown")
	store.Remove(ctx, "+missing")
	store.Remove(ctx, "+1")
	store.EvictExpired(ctx, time.Now())

	assert.Equal(t, 4, storage.Saves())
}

func TestSessionStore_SaveFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	storage := &countingStorage{saveErr: errors.New("disk full")}
	store := newTestStore(t, newFakeClock(), WithSnapshotStorage(storage))

	sess := store.AppendExchange(ctx, "+1", "a", "b", LevelBasic)
	assert.Len(t, sess.History, 1)
	assert.Equal(t, 1, store.Len())
}

func TestSessionStore_CorruptSnapshotStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	store := newTestStore(t, newFakeClock(), WithSnapshotStorage(NewFileSnapshotStorage(path, nil)))
	assert.Equal(t, 0, store.Len())
}

func TestSessionStore_MissingSnapshotWritesEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	newTestStore(t, newFakeClock(), WithSnapshotStorage(NewFileSnapshotStorage(path, nil)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}

func TestSessionStore_PersistAndReload(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	path := filepath.Join(t.TempDir(), "sessions.json")

	first := NewSessionStore(ctx, WithSweepInterval(0), WithClock(clock.Now),
		WithSnapshotStorage(NewFileSnapshotStorage(path, nil)))
	first.AppendExchange(ctx, "+551199990000", "Hola", "¡Hola!", LevelBasic)
	clock.Advance(time.Minute)
	first.AppendExchange(ctx, "+551199990000", "Gracias", "De nada", LevelBasic)
	first.Destroy(ctx)

	second := newTestStore(t, clock, WithSnapshotStorage(NewFileSnapshotStorage(path, nil)))
	sess, ok := second.Peek("+551199990000")
	require.True(t, ok)
	require.Len(t, sess.History, 2)
	assert.Equal(t, "Hola", sess.History[0].UserText)
	assert.Equal(t, "De nada", sess.History[1].AssistantText)
	assert.Equal(t, clock.Now().Add(-time.Minute).Unix(), sess.History[0].Timestamp.Unix())
	assert.Equal(t, clock.Now().Unix(), sess.LastActivity.Unix())
}

func TestSessionStore_LoadTrimsOversizedHistory(t *testing.T) {
	ctx := context.Background()
	storage := NewMemorySnapshotStorage()
	big := &Session{LastActivity: time.Now(), CreatedAt: time.Now()}
	for i := 0; i < 9; i++ {
		big.History = append(big.History, Exchange{UserText: fmt.Sprint(i), Timestamp: time.Now(), Level: LevelBasic})
	}
	require.NoError(t, storage.Save(ctx, map[string]*Session{"+1": big}))

	store := newTestStore(t, newFakeClock(), WithSnapshotStorage(storage))
	sess, ok := store.Peek("+1")
	require.True(t, ok)
	require.Len(t, sess.History, 5)
	assert.Equal(t, "4", sess.History[0].UserText)
}

func TestSessionStore_DestroyIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx := context.Background()
	storage := &countingStorage{}
	store := NewSessionStore(ctx, WithSnapshotStorage(storage), WithSweepInterval(time.Millisecond))
	store.AppendExchange(ctx, "+1", "a", "b", LevelBasic)
	before := storage.Saves()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Destroy(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, before+1, storage.Saves(), "exactly one final flush")
	assert.Len(t, storage.last, 1)
	assert.Equal(t, 0, store.Len())

	store.AppendExchange(ctx, "+2", "a", "b", LevelBasic)
	assert.Equal(t, before+1, storage.Saves(), "no writes after destroy")
}

func TestSessionStore_SweeperEvicts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx := context.Background()
	clock := newFakeClock()
	store := NewSessionStore(ctx, WithClock(clock.Now), WithTimeout(time.Minute), WithSweepInterval(5*time.Millisecond))
	defer store.Destroy(ctx)

	store.AppendExchange(ctx, "+1", "a", "b", LevelBasic)
	clock.Advance(2 * time.Minute)

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSessionStore_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeClock())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store.AppendExchange(ctx, fmt.Sprintf("+%d", i%4), "a", "b", LevelBasic)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 4, store.Len())
	for _, s := range store.List() {
		assert.Equal(t, 5, s.ExchangeCount)
	}
}
