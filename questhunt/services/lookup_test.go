package services_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questhuntapp/questhunt/questhunt/database"
	"github.com/questhuntapp/questhunt/questhunt/database/gatewaytest"
	"github.com/questhuntapp/questhunt/questhunt/database/models"
	"github.com/questhuntapp/questhunt/questhunt/services"
)

func TestFindByCode(t *testing.T) {
	gw := gatewaytest.New()
	lookup, err := services.NewLookupService(gw)
	require.NoError(t, err)
	ctx := context.Background()

	quest := seedQuest(t, gw, models.Quest{QuestCode: "QW9XK2", Title: "City Hunt"})

	found, err := lookup.FindByCode(ctx, "  qw9xk2 ")
	require.NoError(t, err)
	assert.Equal(t, quest.ID, found.ID)

	_, err = lookup.FindByCode(ctx, "NOPE00")
	assert.ErrorIs(t, err, services.ErrQuestNotFound)

	_, err = lookup.FindByCode(ctx, "   ")
	assert.ErrorIs(t, err, services.ErrEmptyCode)
}

func TestFindByCodeUsesCache(t *testing.T) {
	gw := gatewaytest.New()
	lookup, err := services.NewLookupService(gw)
	require.NoError(t, err)
	ctx := context.Background()

	quest := seedQuest(t, gw, models.Quest{QuestCode: "QW9XK2"})

	_, err = lookup.FindByCode(ctx, "QW9XK2")
	require.NoError(t, err)
	queriesAfterMiss := gw.QueryCount.Load()

	found, err := lookup.FindByCode(ctx, "QW9XK2")
	require.NoError(t, err)
	assert.Equal(t, quest.ID, found.ID)
	assert.Equal(t, queriesAfterMiss, gw.QueryCount.Load(), "cache hit must not requery by code")
}

func TestFindByCodeEvictsStaleCache(t *testing.T) {
	gw := gatewaytest.New()
	lookup, err := services.NewLookupService(gw)
	require.NoError(t, err)
	ctx := context.Background()

	quest := seedQuest(t, gw, models.Quest{QuestCode: "QW9XK2"})
	_, err = lookup.FindByCode(ctx, "QW9XK2")
	require.NoError(t, err)

	// Quest deleted out from under the cache entry.
	require.NoError(t, gw.Delete(ctx, database.CollQuests, quest.ID))
	_, err = lookup.FindByCode(ctx, "QW9XK2")
	assert.ErrorIs(t, err, services.ErrQuestNotFound)

	// Code recycled onto a new quest resolves fresh, not to the old id.
	replacement := seedQuest(t, gw, models.Quest{QuestCode: "QW9XK2", Title: "New"})
	found, err := lookup.FindByCode(ctx, "QW9XK2")
	require.NoError(t, err)
	assert.Equal(t, replacement.ID, found.ID)
}

func TestFindByCodeDetachedFromCallerCancellation(t *testing.T) {
	gw := gatewaytest.New()
	lookup, err := services.NewLookupService(gw)
	require.NoError(t, err)

	quest := seedQuest(t, gw, models.Quest{QuestCode: "QW9XK2"})

	// The flight a canceled caller opened may be shared with live callers,
	// so it resolves regardless.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	found, err := lookup.FindByCode(ctx, "QW9XK2")
	require.NoError(t, err)
	assert.Equal(t, quest.ID, found.ID)
}

func TestSearchByTitle(t *testing.T) {
	gw := gatewaytest.New()
	lookup, err := services.NewLookupService(gw)
	require.NoError(t, err)
	ctx := context.Background()

	seedQuest(t, gw, models.Quest{QuestCode: "AAA111", Title: "City Scavenger Hunt", CreatorID: "org1"})
	seedQuest(t, gw, models.Quest{QuestCode: "BBB222", Title: "Museum Marathon", CreatorID: "org1"})
	seedQuest(t, gw, models.Quest{QuestCode: "CCC333", Title: "Harbor Walk", CreatorID: "org2"})

	results, err := lookup.SearchByTitle(ctx, "org1", "musm")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Museum Marathon", results[0].Title)

	results, err = lookup.SearchByTitle(ctx, "org1", "")
	require.NoError(t, err)
	assert.Len(t, results, 2, "empty query lists all of the organizer's quests")

	results, err = lookup.SearchByTitle(ctx, "org2", "musm")
	require.NoError(t, err)
	assert.Empty(t, results, "search never crosses organizers")
}
