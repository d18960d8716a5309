package tutorbot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionAdmin_History(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(t, clock)
	admin := NewSessionAdmin(store)

	_, err := admin.History(ctx, "+missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	start := clock.Now()
	store.AppendExchange(ctx, "+1", "hola", "a", LevelBasic)
	clock.Advance(time.Minute)
	store.AppendExchange(ctx, "+1", "aunque", "b", LevelIntermediate)
	clock.Advance(time.Minute)
	store.AppendExchange(ctx, "+1", "oi", "c", LevelBeginner)
	clock.Advance(time.Minute)
	store.AppendExchange(ctx, "+1", "sin embargo", "d", LevelIntermediate)

	h, err := admin.History(ctx, "+1")
	require.NoError(t, err)
	assert.Equal(t, "+1", h.Key)
	assert.Equal(t, 4, h.ExchangeCount)
	assert.Equal(t, 5, h.MaxHistory)
	assert.Equal(t, LevelIntermediate, h.MostCommonLevel)
	assert.Equal(t, map[Level]int{LevelBasic: 1, LevelIntermediate: 2, LevelBeginner: 1}, h.LevelDistribution)
	assert.True(t, h.FirstExchange.Equal(start))
	assert.True(t, h.LastExchange.Equal(start.Add(3*time.Minute)))
	assert.Len(t, h.Exchanges, 4)
}

func TestSessionAdmin_HistoryTieGoesToLaterLevel(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeClock())
	admin := NewSessionAdmin(store)

	store.AppendExchange(ctx, "+1", "hola", "a", LevelBasic)
	store.AppendExchange(ctx, "+1", "oi", "b", LevelBeginner)

	h, err := admin.History(ctx, "+1")
	require.NoError(t, err)
	assert.Equal(t, LevelBeginner, h.MostCommonLevel)
}

func TestSessionAdmin_List(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(t, clock)
	admin := NewSessionAdmin(store)

	store.AppendExchange(ctx, "+stale", "a", "b", LevelBasic)
	clock.Advance(25 * time.Hour)
	store.AppendExchange(ctx, "+fresh", "a", "b", LevelBasic)

	list := admin.List()
	assert.Equal(t, 2, list.Total)
	assert.Equal(t, 1, list.Active)
	require.Len(t, list.Sessions, 2)
	assert.Equal(t, "+fresh", list.Sessions[0].Key)
	assert.False(t, list.Sessions[1].Active)
}

func TestSessionAdmin_Remove(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeClock())
	admin := NewSessionAdmin(store)
	store.AppendExchange(ctx, "+1", "a", "b", LevelBasic)

	assert.ErrorIs(t, admin.Remove(ctx, "+2"), ErrSessionNotFound)
	assert.NoError(t, admin.Remove(ctx, "+1"))
	assert.Equal(t, 0, store.Len())
}

func TestSessionAdmin_ClearAll(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeClock())
	admin := NewSessionAdmin(store)
	store.AppendExchange(ctx, "+1", "a", "b", LevelBasic)
	store.AppendExchange(ctx, "+2", "a", "b", LevelBasic)

	for _, token := range []string{"", "yes", "delete_all_sessions"} {
		n, err := admin.ClearAll(ctx, token)
		assert.ErrorIs(t, err, ErrConfirmationRequired)
		assert.Zero(t, n)
	}
	assert.Equal(t, 2, store.Len())

	n, err := admin.ClearAll(ctx, ClearAllConfirmation)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, store.Len())
}

func TestSessionAdmin_EvictNow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(t, clock)
	admin := NewSessionAdmin(store)

	store.AppendExchange(ctx, "+old", "a", "b", LevelBasic)
	clock.Advance(23 * time.Hour)
	store.AppendExchange(ctx, "+new", "a", "b", LevelBasic)
	clock.Advance(2 * time.Hour)

	assert.Equal(t, EvictionResult{Removed: 1, Remaining: 1}, admin.EvictNow(ctx))
	assert.Equal(t, EvictionResult{Removed: 0, Remaining: 1}, admin.EvictNow(ctx))
}
