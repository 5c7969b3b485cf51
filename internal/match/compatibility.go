package match

import (
	"strings"

	"driftchat/backend/internal/config"
	"driftchat/backend/internal/models"
)

const maxScore = 100

// Compatibility scores a pair from shared interests, equal purpose and equal personality type.
// The result is clamped to [0, 100] and never decreases as shared interests grow.
func Compatibility(a, b models.Preferences, w config.ScoreWeights) int {
	score := sharedInterests(a.Interests, b.Interests) * max(w.Interest, 0)
	if a.Purpose != "" && strings.EqualFold(a.Purpose, b.Purpose) {
		score += max(w.Purpose, 0)
	}
	if a.PersonalityType != "" && strings.EqualFold(a.PersonalityType, b.PersonalityType) {
		score += max(w.Personality, 0)
	}
	return min(score, maxScore)
}

func sharedInterests(a, b []string) int {
	seen := make(map[string]struct{}, len(a))
	for _, i := range a {
		if k := normalize(i); k != "" {
			seen[k] = struct{}{}
		}
	}
	n := 0
	for _, i := range b {
		k := normalize(i)
		if _, ok := seen[k]; ok {
			n++
			delete(seen, k) // дублікати рахуємо один раз
		}
	}
	return n
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
