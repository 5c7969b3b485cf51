package match

import (
	"testing"

	"driftchat/backend/internal/config"
	"driftchat/backend/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestCompatibility_Bounds(t *testing.T) {
	w := config.DefaultMatchConfig().Weights
	tests := []struct {
		name string
		a, b models.Preferences
	}{
		{"nothing shared", models.Preferences{}, models.Preferences{}},
		{"everything shared", models.Preferences{
			Interests: []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}, Purpose: "friends", PersonalityType: "INTJ",
		}, models.Preferences{
			Interests: []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}, Purpose: "friends", PersonalityType: "INTJ",
		}},
		{"purpose only", models.Preferences{Purpose: "chat"}, models.Preferences{Purpose: "CHAT"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := Compatibility(tt.a, tt.b, w)
			assert.GreaterOrEqual(t, score, 0)
			assert.LessOrEqual(t, score, 100)
		})
	}
}

func TestCompatibility_MonotonicInSharedInterests(t *testing.T) {
	w := config.DefaultMatchConfig().Weights
	all := []string{"music", "games", "travel", "books", "movies", "art", "sport", "food", "cars", "tech", "pets", "dance"}
	base := models.Preferences{Interests: all, Purpose: "friends"}

	prev := -1
	for n := 0; n <= len(all); n++ {
		other := models.Preferences{Interests: all[:n], Purpose: "friends"}
		score := Compatibility(base, other, w)
		assert.GreaterOrEqual(t, score, prev, "score dropped at %d shared interests", n)
		assert.LessOrEqual(t, score, 100)
		prev = score
	}
}

func TestCompatibility_IgnoresDuplicatesAndCase(t *testing.T) {
	w := config.ScoreWeights{Interest: 10}
	a := models.Preferences{Interests: []string{"Music", "music", " games "}}
	b := models.Preferences{Interests: []string{"MUSIC", "music", "Games"}}
	assert.Equal(t, 20, Compatibility(a, b, w))
}
