package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseQuestStatus(t *testing.T) {
	tests := []struct {
		in   string
		want QuestStatus
		ok   bool
	}{
		{"active", QuestStatusActive, true},
		{"ACTIVE", QuestStatusActive, true},
		{"  Paused ", QuestStatusPaused, true},
		{"closed", QuestStatusClosed, true},
		{"locked", "", false},
		{"archived", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseQuestStatus(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestQuestJoinable(t *testing.T) {
	assert.True(t, (&Quest{Status: QuestStatusActive}).Joinable())
	assert.True(t, (&Quest{Status: QuestStatusPaused}).Joinable())
	assert.False(t, (&Quest{Status: QuestStatusClosed}).Joinable())
}

func TestQuestAtCapacity(t *testing.T) {
	assert.False(t, (&Quest{MaxPlayers: 0, PlayersCount: 9999}).AtCapacity(), "zero means unbounded")
	assert.False(t, (&Quest{MaxPlayers: 3, PlayersCount: 2}).AtCapacity())
	assert.True(t, (&Quest{MaxPlayers: 3, PlayersCount: 3}).AtCapacity())
	assert.True(t, (&Quest{MaxPlayers: 3, PlayersCount: 4}).AtCapacity())
}

func TestChallengeByID(t *testing.T) {
	quest := &Quest{Challenges: []Challenge{
		{ID: "c1", Title: "Find the statue", Kind: ChallengeKindPhoto, Points: 10},
		{ID: "c2", Title: "Trivia", Kind: ChallengeKindQuestion, Points: 5},
	}}

	c, ok := quest.ChallengeByID("c2")
	assert.True(t, ok)
	assert.Equal(t, "Trivia", c.Title)

	_, ok = quest.ChallengeByID("missing")
	assert.False(t, ok)
}
