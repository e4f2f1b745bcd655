package utils

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// QuestCodeAlphabet deliberately omits I and O so codes read out loud or
// typed from a poster are never ambiguous against 1 and 0.
const (
	QuestCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ0123456789"
	QuestCodeLength   = 6
)

// GenerateQuestCode returns a random join code drawn character by character
// from QuestCodeAlphabet.
func GenerateQuestCode() (string, error) {
	var sb strings.Builder
	sb.Grow(QuestCodeLength)
	max := big.NewInt(int64(len(QuestCodeAlphabet)))
	for i := 0; i < QuestCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(QuestCodeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// NormalizeQuestCode maps user input to the canonical code form.
func NormalizeQuestCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
