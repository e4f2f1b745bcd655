package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/questhuntapp/questhunt/questhunt/auth"
	"github.com/questhuntapp/questhunt/questhunt/database"
	"github.com/questhuntapp/questhunt/questhunt/database/models"
	"github.com/questhuntapp/questhunt/questhunt/utils"
)

const codeGenerationAttempts = 5

// Coordinator owns quest membership: creating quests, joining and leaving
// under capacity, status changes and cascading deletes. All invariants on
// playersCount go through its transactions.
type Coordinator struct {
	gw database.Gateway
}

func NewCoordinator(gw database.Gateway) *Coordinator {
	return &Coordinator{gw: gw}
}

// CreateOrUpdateQuest persists a quest and returns its id. On create it
// assigns an id when missing and resolves a join code, preferring a
// caller-provided one and probing the store for collisions. On update the
// stored join code is kept when the incoming quest carries none, so editing
// a quest never blanks its code.
func (c *Coordinator) CreateOrUpdateQuest(ctx context.Context, quest *models.Quest, isUpdate bool) (string, error) {
	now := time.Now().UTC()
	quest.UpdatedAt = now

	if isUpdate {
		if quest.ID == "" {
			return "", ErrQuestNotFound
		}
		if quest.QuestCode == "" {
			var stored models.Quest
			if err := c.gw.Get(ctx, database.CollQuests, quest.ID, &stored); err != nil {
				if errors.Is(err, database.ErrNoDocument) {
					return "", ErrQuestNotFound
				}
				return "", backendErr("get", database.CollQuests, err)
			}
			quest.QuestCode = stored.QuestCode
		}

		// Merge only the organizer-mutable fields. playersCount and
		// createdAt belong to the store, not to the edit form.
		fields := bson.M{
			"questCode":          quest.QuestCode,
			"title":              quest.Title,
			"subtitle":           quest.Subtitle,
			"description":        quest.Description,
			"imageURL":           quest.ImageURL,
			"maxPlayers":         quest.MaxPlayers,
			"password":           quest.Password,
			"requireSignIn":      quest.RequireSignIn,
			"creatorDisplayName": quest.CreatorDisplayName,
			"updatedAt":          now,
		}
		if quest.Status != "" {
			fields["status"] = quest.Status
		}
		if quest.Challenges != nil {
			fields["challenges"] = quest.Challenges
		}
		err := c.gw.Update(ctx, database.CollQuests, quest.ID, bson.M{"$set": fields})
		if errors.Is(err, database.ErrNoDocument) {
			return "", ErrQuestNotFound
		}
		if err != nil {
			return "", backendErr("update", database.CollQuests, err)
		}
	} else {
		if quest.ID == "" {
			quest.ID = c.gw.NewID()
		}
		quest.CreatedAt = now
		quest.PlayersCount = 0
		if quest.Status == "" {
			quest.Status = models.QuestStatusActive
		}
		code, err := c.resolveCode(ctx, utils.NormalizeQuestCode(quest.QuestCode))
		if err != nil {
			return "", err
		}
		quest.QuestCode = code

		if err := c.gw.Set(ctx, database.CollQuests, quest.ID, quest, false); err != nil {
			return "", backendErr("set", database.CollQuests, err)
		}
	}

	slog.Info("Quest saved",
		slog.String("type", "svc"),
		slog.String("questId", quest.ID),
		slog.String("questCode", quest.QuestCode),
		slog.Bool("update", isUpdate))
	return quest.ID, nil
}

// resolveCode probes the store for each candidate code until one is free,
// starting from the caller-provided code when there is one. After
// codeGenerationAttempts collisions the last candidate is used anyway.
func (c *Coordinator) resolveCode(ctx context.Context, provided string) (string, error) {
	code := provided
	for i := 0; i < codeGenerationAttempts; i++ {
		if code == "" || i > 0 {
			candidate, err := utils.GenerateQuestCode()
			if err != nil {
				return "", backendErr("generateCode", database.CollQuests, err)
			}
			code = candidate
		}

		var existing []models.Quest
		if err := c.gw.Query(ctx, database.CollQuests, "questCode", code, 1, &existing); err != nil {
			return "", backendErr("query", database.CollQuests, err)
		}
		if len(existing) == 0 {
			return code, nil
		}
	}
	slog.Warn("Quest code still colliding after retries, using last candidate",
		slog.String("type", "svc"),
		slog.String("questCode", code))
	return code, nil
}

// JoinQuest adds the identified user to a quest. The membership check,
// capacity check and counter increment run in one transaction so concurrent
// joins can never oversubscribe a bounded quest. Joining a quest the user
// already belongs to is a no-op.
//
// The Player and UserQuest secondary documents are written after the
// transaction commits, best effort. A crash between commit and those writes
// leaves the counter incremented with the membership docs missing; the
// repair pass reconciles that drift.
func (c *Coordinator) JoinQuest(ctx context.Context, ident *auth.Identity, questID, questCode, password string, enforceCapacity bool) error {
	if ident == nil || ident.UserID == "" {
		return ErrUnauthorized
	}
	code := utils.NormalizeQuestCode(questCode)

	var quest models.Quest
	alreadyJoined := false

	err := c.gw.RunTransaction(ctx, func(tx database.Tx) error {
		// Reset per attempt, the store may retry the body on conflict.
		alreadyJoined = false
		quest = models.Quest{}

		if err := tx.Get(database.CollQuests, questID, &quest); err != nil {
			if errors.Is(err, database.ErrNoDocument) {
				return ErrQuestNotFound
			}
			return backendErr("get", database.CollQuests, err)
		}
		// Only quests that carry a code gate on it; a blank stored code
		// admits joins by id alone.
		if quest.QuestCode != "" && quest.QuestCode != code {
			return ErrCodeMismatch
		}
		if !quest.Joinable() {
			return ErrQuestNotJoinable
		}
		if quest.RequireSignIn && ident.Anonymous {
			return ErrUnauthorized
		}
		if quest.Password != "" && quest.Password != password {
			return ErrPasswordMismatch
		}

		var player models.Player
		err := tx.Get(database.CollPlayers, models.PlayerDocID(questID, ident.UserID), &player)
		if err == nil {
			alreadyJoined = true
			return nil
		}
		if !errors.Is(err, database.ErrNoDocument) {
			return backendErr("get", database.CollPlayers, err)
		}

		if enforceCapacity && quest.AtCapacity() {
			return ErrCapacityExceeded
		}

		return tx.Update(database.CollQuests, questID, bson.M{
			"$inc": bson.M{"playersCount": 1},
			"$set": bson.M{"updatedAt": time.Now().UTC()},
		})
	})
	if err != nil {
		return err
	}
	if alreadyJoined {
		return nil
	}

	// Secondary writes, ordered Player first. If the Player write fails
	// the user is not a member and the UserQuest is skipped; if only the
	// UserQuest write fails the user is a member whose joined list lags.
	player := models.Player{
		ID:          models.PlayerDocID(questID, ident.UserID),
		QuestID:     questID,
		UserID:      ident.UserID,
		DisplayName: ident.DisplayName,
	}
	if err := c.gw.Set(ctx, database.CollPlayers, player.ID, player, false); err != nil {
		return backendErr("set", database.CollPlayers, err)
	}

	// Re-read so the progress snapshot covers the challenges present at
	// join time, not the ones read before the increment.
	if err := c.gw.Get(ctx, database.CollQuests, questID, &quest); err != nil {
		return backendErr("get", database.CollQuests, err)
	}
	userQuest := models.UserQuest{
		ID:                models.UserQuestDocID(ident.UserID, questID),
		UserID:            ident.UserID,
		QuestID:           questID,
		QuestCode:         quest.QuestCode,
		JoinedAt:          time.Now().UTC(),
		ChallengeProgress: models.SeedProgress(quest.Challenges),
	}
	if err := c.gw.Set(ctx, database.CollUserQuests, userQuest.ID, userQuest, false); err != nil {
		return backendErr("set", database.CollUserQuests, err)
	}

	slog.Info("Player joined quest",
		slog.String("type", "svc"),
		slog.String("questId", questID),
		slog.String("userId", ident.UserID))
	return nil
}

// LeaveQuest removes the user from a quest. Leaving a quest the user is not
// a member of is a no-op, and the counter never drops below zero even if
// membership records and counter have drifted apart.
func (c *Coordinator) LeaveQuest(ctx context.Context, ident *auth.Identity, questID string) error {
	if ident == nil || ident.UserID == "" {
		return ErrUnauthorized
	}
	wasMember := false

	err := c.gw.RunTransaction(ctx, func(tx database.Tx) error {
		wasMember = false

		var player models.Player
		err := tx.Get(database.CollPlayers, models.PlayerDocID(questID, ident.UserID), &player)
		if errors.Is(err, database.ErrNoDocument) {
			return nil
		}
		if err != nil {
			return backendErr("get", database.CollPlayers, err)
		}
		wasMember = true

		var quest models.Quest
		err = tx.Get(database.CollQuests, questID, &quest)
		if err != nil && !errors.Is(err, database.ErrNoDocument) {
			return backendErr("get", database.CollQuests, err)
		}
		if err == nil && quest.PlayersCount > 0 {
			if err := tx.Update(database.CollQuests, questID, bson.M{
				"$inc": bson.M{"playersCount": -1},
				"$set": bson.M{"updatedAt": time.Now().UTC()},
			}); err != nil {
				return backendErr("update", database.CollQuests, err)
			}
		}

		return tx.Delete(database.CollPlayers, player.ID)
	})
	if err != nil {
		return err
	}
	if !wasMember {
		return nil
	}

	if err := c.gw.Delete(ctx, database.CollUserQuests, models.UserQuestDocID(ident.UserID, questID)); err != nil {
		return backendErr("delete", database.CollUserQuests, err)
	}

	slog.Info("Player left quest",
		slog.String("type", "svc"),
		slog.String("questId", questID),
		slog.String("userId", ident.UserID))
	return nil
}

// UpdateQuestStatus sets the lifecycle status of a quest. Unknown status
// strings are rejected and leave the quest unchanged.
func (c *Coordinator) UpdateQuestStatus(ctx context.Context, questID, status string) error {
	parsed, ok := models.ParseQuestStatus(status)
	if !ok {
		return ErrInvalidStatus
	}

	err := c.gw.Update(ctx, database.CollQuests, questID, bson.M{
		"$set": bson.M{
			"status":    parsed,
			"updatedAt": time.Now().UTC(),
		},
	})
	if errors.Is(err, database.ErrNoDocument) {
		return ErrQuestNotFound
	}
	if err != nil {
		return backendErr("update", database.CollQuests, err)
	}

	slog.Info("Quest status updated",
		slog.String("type", "svc"),
		slog.String("questId", questID),
		slog.String("status", string(parsed)))
	return nil
}

// DeleteQuest removes a quest and all of its membership records. Player
// docs are deleted in batches under the store's write ceiling; the quest
// document goes last so a crash mid-cascade leaves a findable quest rather
// than orphaned players. UserQuest records are left to the repair sweep.
func (c *Coordinator) DeleteQuest(ctx context.Context, questID string) error {
	var players []models.Player
	if err := c.gw.Query(ctx, database.CollPlayers, "questId", questID, 0, &players); err != nil {
		return backendErr("query", database.CollPlayers, err)
	}

	ids := make([]string, len(players))
	for i, p := range players {
		ids[i] = p.ID
	}
	for _, group := range database.ChunkIDs(ids, database.SafeBatchWriteSize) {
		ops := make([]database.WriteOp, len(group))
		for i, id := range group {
			ops[i] = database.WriteOp{
				Kind:       database.WriteDelete,
				Collection: database.CollPlayers,
				ID:         id,
			}
		}
		if err := c.gw.BatchWrite(ctx, ops); err != nil {
			return backendErr("batchWrite", database.CollPlayers, err)
		}
	}

	if err := c.gw.Delete(ctx, database.CollQuests, questID); err != nil {
		return backendErr("delete", database.CollQuests, err)
	}

	slog.Info("Quest deleted",
		slog.String("type", "svc"),
		slog.String("questId", questID),
		slog.Int("playersRemoved", len(ids)))
	return nil
}

// UserChallenge pairs a quest challenge with the user's progress on it.
type UserChallenge struct {
	Challenge   models.Challenge
	Completed   bool
	CompletedAt *time.Time
	Response    string
}

// FetchUserChallenges returns the quest's challenges with the user's
// progress merged in. Paused quests hide their challenges.
func (c *Coordinator) FetchUserChallenges(ctx context.Context, userID, questID string) ([]UserChallenge, error) {
	var quest models.Quest
	if err := c.gw.Get(ctx, database.CollQuests, questID, &quest); err != nil {
		if errors.Is(err, database.ErrNoDocument) {
			return nil, ErrQuestNotFound
		}
		return nil, backendErr("get", database.CollQuests, err)
	}
	if quest.Status == models.QuestStatusPaused {
		return []UserChallenge{}, nil
	}

	var userQuest models.UserQuest
	err := c.gw.Get(ctx, database.CollUserQuests, models.UserQuestDocID(userID, questID), &userQuest)
	if err != nil && !errors.Is(err, database.ErrNoDocument) {
		return nil, backendErr("get", database.CollUserQuests, err)
	}

	result := make([]UserChallenge, 0, len(quest.Challenges))
	for _, challenge := range quest.Challenges {
		uc := UserChallenge{Challenge: challenge}
		if progress, ok := userQuest.ChallengeProgress[challenge.ID]; ok {
			uc.Completed = progress.Completed
			uc.CompletedAt = progress.CompletedAt
			uc.Response = progress.ChallengeResponse
		}
		result = append(result, uc)
	}
	return result, nil
}

// RecomputeEarnedPoints sums the points of the user's completed challenges
// against the quest's current definitions, stores the total on the
// UserQuest record and returns it. Progress entries for challenges that no
// longer exist contribute nothing.
func (c *Coordinator) RecomputeEarnedPoints(ctx context.Context, userID, questID string) (int, error) {
	var quest models.Quest
	if err := c.gw.Get(ctx, database.CollQuests, questID, &quest); err != nil {
		if errors.Is(err, database.ErrNoDocument) {
			return 0, ErrQuestNotFound
		}
		return 0, backendErr("get", database.CollQuests, err)
	}

	docID := models.UserQuestDocID(userID, questID)
	var userQuest models.UserQuest
	if err := c.gw.Get(ctx, database.CollUserQuests, docID, &userQuest); err != nil {
		if errors.Is(err, database.ErrNoDocument) {
			return 0, nil
		}
		return 0, backendErr("get", database.CollUserQuests, err)
	}

	total := 0
	for id, progress := range userQuest.ChallengeProgress {
		if !progress.Completed {
			continue
		}
		if challenge, ok := quest.ChallengeByID(id); ok {
			total += challenge.Points
		}
	}

	if err := c.gw.Update(ctx, database.CollUserQuests, docID, bson.M{
		"$set": bson.M{"questPointsEarned": total},
	}); err != nil {
		return 0, backendErr("update", database.CollUserQuests, err)
	}
	return total, nil
}

// CompleteChallenge marks one challenge done for the user and refreshes the
// earned points total.
func (c *Coordinator) CompleteChallenge(ctx context.Context, userID, questID, challengeID, response string) error {
	var quest models.Quest
	if err := c.gw.Get(ctx, database.CollQuests, questID, &quest); err != nil {
		if errors.Is(err, database.ErrNoDocument) {
			return ErrQuestNotFound
		}
		return backendErr("get", database.CollQuests, err)
	}
	if _, ok := quest.ChallengeByID(challengeID); !ok {
		return ErrQuestNotFound
	}

	now := time.Now().UTC()
	docID := models.UserQuestDocID(userID, questID)
	if err := c.gw.Update(ctx, database.CollUserQuests, docID, bson.M{
		"$set": bson.M{
			"challengeProgress." + challengeID: models.ChallengeProgress{
				Completed:         true,
				CompletedAt:       &now,
				ChallengeResponse: response,
			},
		},
	}); err != nil {
		if errors.Is(err, database.ErrNoDocument) {
			return ErrQuestNotFound
		}
		return backendErr("update", database.CollUserQuests, err)
	}

	_, err := c.RecomputeEarnedPoints(ctx, userID, questID)
	return err
}
