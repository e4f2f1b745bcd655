package models

import (
	"fmt"
	"time"
)

// ChallengeProgress tracks one player's state on one challenge. Keyed by
// challenge id in UserQuest.ChallengeProgress so challenges can be
// reordered or removed without touching player progress.
type ChallengeProgress struct {
	Completed         bool       `bson:"completed"`
	CompletedAt       *time.Time `bson:"completedAt,omitempty"`
	ChallengeResponse string     `bson:"challengeResponse,omitempty"`
}

// UserQuest is the per-user join index and progress record. It is created
// and deleted in lockstep with the Player record (best effort) and is the
// document the joined-quests synchronizer listens to.
type UserQuest struct {
	ID        string    `bson:"_id,omitempty"`
	UserID    string    `bson:"userId"`
	QuestID   string    `bson:"questId"`
	QuestCode string    `bson:"questCode"`
	JoinedAt  time.Time `bson:"joinedAt"`

	// ChallengeProgress is seeded at join time from the challenges the
	// quest had at that moment. Challenges added afterwards are not
	// retroactively seeded (snapshot-at-join semantics).
	ChallengeProgress map[string]ChallengeProgress `bson:"challengeProgress,omitempty"`

	QuestPointsEarned int `bson:"questPointsEarned"`
}

// UserQuestDocID builds the deterministic document id for a join record.
func UserQuestDocID(userID, questID string) string {
	return fmt.Sprintf("%s_%s", userID, questID)
}

// SeedProgress builds a fresh progress map with one incomplete entry per
// challenge currently on the quest.
func SeedProgress(challenges []Challenge) map[string]ChallengeProgress {
	progress := make(map[string]ChallengeProgress, len(challenges))
	for _, c := range challenges {
		progress[c.ID] = ChallengeProgress{}
	}
	return progress
}
