package services_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questhuntapp/questhunt/questhunt/database"
	"github.com/questhuntapp/questhunt/questhunt/database/gatewaytest"
	"github.com/questhuntapp/questhunt/questhunt/database/models"
	"github.com/questhuntapp/questhunt/questhunt/services"
)

type emission struct {
	quests []models.Quest
	err    error
}

func seedJoinedQuests(t *testing.T, gw *gatewaytest.Memory, userID string, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		questID := fmt.Sprintf("q%02d", i)
		ids[i] = questID
		quest := models.Quest{
			ID:        questID,
			QuestCode: fmt.Sprintf("CODE%02d", i),
			Title:     fmt.Sprintf("Quest %d", i),
			Status:    models.QuestStatusActive,
		}
		require.NoError(t, gw.Set(ctx, database.CollQuests, questID, quest, false))

		uq := models.UserQuest{
			ID:      models.UserQuestDocID(userID, questID),
			UserID:  userID,
			QuestID: questID,
		}
		require.NoError(t, gw.Set(ctx, database.CollUserQuests, uq.ID, uq, false))
	}
	return ids
}

func TestSynchronizerChunksLargeLists(t *testing.T) {
	gw := gatewaytest.New()
	sync := services.NewSynchronizer(gw)
	defer sync.Stop()

	ids := seedJoinedQuests(t, gw, "u1", 23)

	var emissions []emission
	require.NoError(t, sync.Start(context.Background(), "u1", func(quests []models.Quest, err error) {
		emissions = append(emissions, emission{quests, err})
	}))

	require.Len(t, emissions, 1)
	require.NoError(t, emissions[0].err)
	require.Len(t, emissions[0].quests, 23)

	// 23 ids under a 10-id ceiling means exactly three lookups.
	assert.Equal(t, int64(3), gw.QueryInCount.Load())

	// Order follows the user's join records, not lookup completion.
	for i, quest := range emissions[0].quests {
		assert.Equal(t, ids[i], quest.ID)
	}
}

func TestSynchronizerEmitsOnMembershipChange(t *testing.T) {
	gw := gatewaytest.New()
	sync := services.NewSynchronizer(gw)
	defer sync.Stop()
	ctx := context.Background()

	seedJoinedQuests(t, gw, "u1", 2)

	var emissions []emission
	require.NoError(t, sync.Start(ctx, "u1", func(quests []models.Quest, err error) {
		emissions = append(emissions, emission{quests, err})
	}))
	require.Len(t, emissions, 1)

	quest := models.Quest{ID: "q99", QuestCode: "CODE99", Status: models.QuestStatusActive}
	require.NoError(t, gw.Set(ctx, database.CollQuests, quest.ID, quest, false))
	uq := models.UserQuest{ID: models.UserQuestDocID("u1", "q99"), UserID: "u1", QuestID: "q99"}
	require.NoError(t, gw.Set(ctx, database.CollUserQuests, uq.ID, uq, false))

	require.Len(t, emissions, 2)
	require.NoError(t, emissions[1].err)
	assert.Len(t, emissions[1].quests, 3)

	require.NoError(t, gw.Delete(ctx, database.CollUserQuests, uq.ID))
	require.Len(t, emissions, 3)
	assert.Len(t, emissions[2].quests, 2)
}

func TestSynchronizerDropsDeletedQuests(t *testing.T) {
	gw := gatewaytest.New()
	sync := services.NewSynchronizer(gw)
	defer sync.Stop()
	ctx := context.Background()

	ids := seedJoinedQuests(t, gw, "u1", 3)
	require.NoError(t, gw.Delete(ctx, database.CollQuests, ids[1]))

	var emissions []emission
	require.NoError(t, sync.Start(ctx, "u1", func(quests []models.Quest, err error) {
		emissions = append(emissions, emission{quests, err})
	}))

	require.Len(t, emissions, 1)
	require.NoError(t, emissions[0].err)
	require.Len(t, emissions[0].quests, 2, "join records pointing at deleted quests are dropped")
	assert.Equal(t, ids[0], emissions[0].quests[0].ID)
	assert.Equal(t, ids[2], emissions[0].quests[1].ID)
}

func TestSynchronizerEmptyList(t *testing.T) {
	gw := gatewaytest.New()
	sync := services.NewSynchronizer(gw)
	defer sync.Stop()

	var emissions []emission
	require.NoError(t, sync.Start(context.Background(), "u1", func(quests []models.Quest, err error) {
		emissions = append(emissions, emission{quests, err})
	}))

	require.Len(t, emissions, 1)
	require.NoError(t, emissions[0].err)
	assert.NotNil(t, emissions[0].quests)
	assert.Empty(t, emissions[0].quests)
}

func TestSynchronizerPartialFailure(t *testing.T) {
	gw := gatewaytest.New()
	sync := services.NewSynchronizer(gw)
	defer sync.Stop()

	seedJoinedQuests(t, gw, "u1", 23)

	// Fail the chunk holding q15; the other two chunks still resolve.
	gw.FailQueryIn = func(ids []string) error {
		for _, id := range ids {
			if id == "q15" {
				return fmt.Errorf("lookup failed for chunk with %s", id)
			}
		}
		return nil
	}

	var emissions []emission
	require.NoError(t, sync.Start(context.Background(), "u1", func(quests []models.Quest, err error) {
		emissions = append(emissions, emission{quests, err})
	}))

	require.Len(t, emissions, 1)
	require.Error(t, emissions[0].err)
	assert.Contains(t, emissions[0].err.Error(), "q15")
	assert.Len(t, emissions[0].quests, 13, "surviving chunks still deliver their quests")
}

func TestSynchronizerStartSupersedes(t *testing.T) {
	gw := gatewaytest.New()
	sync := services.NewSynchronizer(gw)
	defer sync.Stop()
	ctx := context.Background()

	seedJoinedQuests(t, gw, "u1", 1)
	seedJoinedQuests(t, gw, "u2", 2)

	var first, second []emission
	require.NoError(t, sync.Start(ctx, "u1", func(quests []models.Quest, err error) {
		first = append(first, emission{quests, err})
	}))
	require.NoError(t, sync.Start(ctx, "u2", func(quests []models.Quest, err error) {
		second = append(second, emission{quests, err})
	}))

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Len(t, second[0].quests, 2)

	// Changes for the first user no longer reach the superseded watch.
	uq := models.UserQuest{ID: models.UserQuestDocID("u1", "q50"), UserID: "u1", QuestID: "q50"}
	require.NoError(t, gw.Set(ctx, database.CollUserQuests, uq.ID, uq, false))
	assert.Len(t, first, 1)
	assert.Len(t, second, 2, "collection change still refreshes the active watch")
}

func TestSynchronizerConcurrentStartLeavesOneSubscription(t *testing.T) {
	gw := gatewaytest.New()
	s := services.NewSynchronizer(gw)
	ctx := context.Background()

	seedJoinedQuests(t, gw, "u1", 1)

	// Racing Starts must never strand a live subscription that Stop can no
	// longer reach.
	var emits atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Start(ctx, "u1", func([]models.Quest, error) {
				emits.Add(1)
			}))
		}()
	}
	wg.Wait()
	s.Stop()

	before := emits.Load()
	uq := models.UserQuest{ID: models.UserQuestDocID("u1", "q77"), UserID: "u1", QuestID: "q77"}
	require.NoError(t, gw.Set(ctx, database.CollUserQuests, uq.ID, uq, false))
	assert.Equal(t, before, emits.Load(), "no subscription may survive Stop")
}

func TestSynchronizerStopIdempotent(t *testing.T) {
	gw := gatewaytest.New()
	sync := services.NewSynchronizer(gw)

	sync.Stop()

	require.NoError(t, sync.Start(context.Background(), "u1", func([]models.Quest, error) {}))
	sync.Stop()
	sync.Stop()
}

func TestSyncManager(t *testing.T) {
	gw := gatewaytest.New()
	manager := services.NewSyncManager(gw)
	ctx := context.Background()

	seedJoinedQuests(t, gw, "u1", 1)
	seedJoinedQuests(t, gw, "u2", 1)

	var u1Emits, u2Emits int
	require.NoError(t, manager.StartSynchronizer(ctx, "u1", func([]models.Quest, error) { u1Emits++ }))
	require.NoError(t, manager.StartSynchronizer(ctx, "u2", func([]models.Quest, error) { u2Emits++ }))
	assert.Equal(t, 1, u1Emits)
	assert.Equal(t, 1, u2Emits)

	manager.StopSynchronizer("u1")
	uq := models.UserQuest{ID: models.UserQuestDocID("u1", "qX"), UserID: "u1", QuestID: "qX"}
	require.NoError(t, gw.Set(ctx, database.CollUserQuests, uq.ID, uq, false))
	assert.Equal(t, 1, u1Emits, "stopped watch receives nothing")
	assert.Equal(t, 2, u2Emits)

	manager.StopAll()
	require.NoError(t, gw.Set(ctx, database.CollUserQuests, "another", models.UserQuest{UserID: "u2", QuestID: "qY"}, false))
	assert.Equal(t, 2, u2Emits)
}
