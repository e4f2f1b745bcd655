package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"

	"github.com/questhuntapp/questhunt/questhunt/database"
	"github.com/questhuntapp/questhunt/questhunt/database/models"
)

const repairConcurrency = 8

// RepairReport summarizes one reconciliation pass.
type RepairReport struct {
	QuestsChecked  int
	CountersFixed  int
	OrphansRemoved int
	Duration       time.Duration
}

// RepairService reconciles the drift the join path tolerates: playersCount
// out of step with actual Player records, and Player or UserQuest documents
// whose quest no longer exists.
type RepairService struct {
	gw database.Gateway
}

func NewRepairService(gw database.Gateway) *RepairService {
	return &RepairService{gw: gw}
}

// Run performs one full reconciliation pass and returns a report.
func (r *RepairService) Run(ctx context.Context) (*RepairReport, error) {
	start := time.Now()
	report := &RepairReport{}

	var quests []models.Quest
	if err := r.gw.Query(ctx, database.CollQuests, "", nil, 0, &quests); err != nil {
		return nil, backendErr("query", database.CollQuests, err)
	}
	report.QuestsChecked = len(quests)

	questIDs := make(map[string]bool, len(quests))
	for _, q := range quests {
		questIDs[q.ID] = true
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(repairConcurrency)
	for _, quest := range quests {
		quest := quest
		g.Go(func() error {
			var players []models.Player
			if err := r.gw.Query(gctx, database.CollPlayers, "questId", quest.ID, 0, &players); err != nil {
				return backendErr("query", database.CollPlayers, err)
			}
			if len(players) == quest.PlayersCount {
				return nil
			}

			slog.Warn("Player counter drifted, fixing",
				slog.String("type", "svc"),
				slog.String("questId", quest.ID),
				slog.Int("stored", quest.PlayersCount),
				slog.Int("actual", len(players)))
			err := r.gw.Update(gctx, database.CollQuests, quest.ID, bson.M{
				"$set": bson.M{"playersCount": len(players)},
			})
			if err != nil {
				return backendErr("update", database.CollQuests, err)
			}
			mu.Lock()
			report.CountersFixed++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	removed, err := r.sweepOrphans(ctx, database.CollPlayers, questIDs)
	if err != nil {
		return report, err
	}
	report.OrphansRemoved += removed

	removed, err = r.sweepOrphans(ctx, database.CollUserQuests, questIDs)
	if err != nil {
		return report, err
	}
	report.OrphansRemoved += removed

	report.Duration = time.Since(start)
	slog.Info("Repair pass finished",
		slog.String("type", "svc"),
		slog.Int("questsChecked", report.QuestsChecked),
		slog.Int("countersFixed", report.CountersFixed),
		slog.Int("orphansRemoved", report.OrphansRemoved),
		slog.Duration("took", report.Duration))
	return report, nil
}

// sweepOrphans deletes documents in coll whose questId points at a quest
// that no longer exists, batched under the store's write ceiling.
func (r *RepairService) sweepOrphans(ctx context.Context, coll string, questIDs map[string]bool) (int, error) {
	type ref struct {
		ID      string `bson:"_id"`
		QuestID string `bson:"questId"`
	}
	var refs []ref
	if err := r.gw.Query(ctx, coll, "", nil, 0, &refs); err != nil {
		return 0, backendErr("query", coll, err)
	}

	var orphanIDs []string
	for _, doc := range refs {
		if !questIDs[doc.QuestID] {
			orphanIDs = append(orphanIDs, doc.ID)
		}
	}

	for _, group := range database.ChunkIDs(orphanIDs, database.SafeBatchWriteSize) {
		ops := make([]database.WriteOp, len(group))
		for i, id := range group {
			ops[i] = database.WriteOp{
				Kind:       database.WriteDelete,
				Collection: coll,
				ID:         id,
			}
		}
		if err := r.gw.BatchWrite(ctx, ops); err != nil {
			return 0, backendErr("batchWrite", coll, err)
		}
	}
	return len(orphanIDs), nil
}
