package models

import (
	"strings"
	"time"
)

// QuestStatus is the lifecycle state of a quest. Closed quests cannot be
// joined; paused quests can be joined but their challenges stay hidden.
type QuestStatus string

const (
	QuestStatusActive QuestStatus = "active"
	QuestStatusPaused QuestStatus = "paused"
	QuestStatusClosed QuestStatus = "closed"
)

// ParseQuestStatus normalizes and validates a status string.
// TODO: confirm with product whether legacy "locked" documents still exist
// and need a data migration to "closed"; until then "locked" is rejected.
func ParseQuestStatus(s string) (QuestStatus, bool) {
	switch QuestStatus(strings.ToLower(strings.TrimSpace(s))) {
	case QuestStatusActive:
		return QuestStatusActive, true
	case QuestStatusPaused:
		return QuestStatusPaused, true
	case QuestStatusClosed:
		return QuestStatusClosed, true
	}
	return "", false
}

// Challenge kind constants. Each kind carries its payload in the matching
// nested struct, so documents keep a "kind" discriminant plus typed data.
type ChallengeKind string

const (
	ChallengeKindPhoto          ChallengeKind = "photo"
	ChallengeKindMultipleChoice ChallengeKind = "multiple_choice"
	ChallengeKindQuestion       ChallengeKind = "question"
	ChallengeKindPrompt         ChallengeKind = "prompt"
)

type PhotoChallenge struct {
	Instructions string `bson:"instructions,omitempty"`
}

type MultipleChoiceChallenge struct {
	Question     string   `bson:"question"`
	Options      []string `bson:"options"`
	CorrectIndex int      `bson:"correctIndex"`
}

type QuestionChallenge struct {
	Question string `bson:"question"`
	Answer   string `bson:"answer,omitempty"`
}

type PromptChallenge struct {
	Prompt string `bson:"prompt"`
}

// Challenge is a single task within a quest. Exactly one of the payload
// pointers is non-nil, selected by Kind.
type Challenge struct {
	ID      string        `bson:"id"`
	Title   string        `bson:"title"`
	Details string        `bson:"details,omitempty"`
	Points  int           `bson:"points"`
	Kind    ChallengeKind `bson:"kind"`

	Photo          *PhotoChallenge          `bson:"photo,omitempty"`
	MultipleChoice *MultipleChoiceChallenge `bson:"multipleChoice,omitempty"`
	Question       *QuestionChallenge       `bson:"question,omitempty"`
	Prompt         *PromptChallenge         `bson:"prompt,omitempty"`
}

// Quest is one organized activity. PlayersCount is a derived aggregate and
// is only ever changed through the coordinator's transactional increment or
// the repair pass, never by plain writes.
type Quest struct {
	ID          string `bson:"_id,omitempty"`
	QuestCode   string `bson:"questCode"`
	Title       string `bson:"title,omitempty"`
	Subtitle    string `bson:"subtitle,omitempty"`
	Description string `bson:"description,omitempty"`
	ImageURL    string `bson:"imageURL,omitempty"`

	MaxPlayers   int `bson:"maxPlayers,omitempty"` // 0 means unbounded
	PlayersCount int `bson:"playersCount"`

	Challenges []Challenge `bson:"challenges,omitempty"`
	Status     QuestStatus `bson:"status"`

	Password      string `bson:"password,omitempty"`
	RequireSignIn bool   `bson:"requireSignIn,omitempty"`

	CreatorID          string    `bson:"creatorId,omitempty"`
	CreatorDisplayName string    `bson:"creatorDisplayName,omitempty"`
	CreatedAt          time.Time `bson:"createdAt"`
	UpdatedAt          time.Time `bson:"updatedAt"`
}

// Joinable reports whether new players may join in the quest's current state.
func (q *Quest) Joinable() bool {
	return q.Status != QuestStatusClosed
}

// AtCapacity reports whether the quest has reached its player limit.
func (q *Quest) AtCapacity() bool {
	return q.MaxPlayers > 0 && q.PlayersCount >= q.MaxPlayers
}

// ChallengeByID returns the challenge with the given id, if present.
func (q *Quest) ChallengeByID(id string) (Challenge, bool) {
	for _, c := range q.Challenges {
		if c.ID == id {
			return c, true
		}
	}
	return Challenge{}, false
}
