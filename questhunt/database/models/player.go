package models

import "fmt"

// Player is the membership record for one user in one quest. Its existence
// is the source of truth for "is this user a member of this quest".
type Player struct {
	ID          string `bson:"_id,omitempty"`
	QuestID     string `bson:"questId"`
	UserID      string `bson:"userId"`
	DisplayName string `bson:"displayName,omitempty"`

	// Points predates UserQuest.QuestPointsEarned and is kept for old
	// documents; new code reads earned points from UserQuest only.
	Points int `bson:"points,omitempty"`
}

// PlayerDocID builds the deterministic document id for a membership record.
func PlayerDocID(questID, userID string) string {
	return fmt.Sprintf("%s_%s", questID, userID)
}
