package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Reaction is a single user's emoji on a message.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// ReactionGroup is the aggregated view of one emoji on a message.
type ReactionGroup struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// ReactionMap maps a reacting user to one emoji, keeping first-insertion order.
// It is serialized as a JSON object whose keys keep that order.
type ReactionMap struct {
	entries []Reaction
}

// NewReactionMap builds a map from ordered entries; later duplicates overwrite earlier ones.
func NewReactionMap(entries ...Reaction) ReactionMap {
	var m ReactionMap
	for _, e := range entries {
		m.Set(e.UserID, e.Emoji)
	}
	return m
}

func (m *ReactionMap) index(userID string) int {
	for i, e := range m.entries {
		if e.UserID == userID {
			return i
		}
	}
	return -1
}

// Set stores emoji for userID, replacing a prior reaction in place.
// It reports whether the map changed.
func (m *ReactionMap) Set(userID, emoji string) bool {
	if emoji == "" {
		return m.Remove(userID)
	}
	if i := m.index(userID); i >= 0 {
		if m.entries[i].Emoji == emoji {
			return false
		}
		m.entries[i].Emoji = emoji
		return true
	}
	m.entries = append(m.entries, Reaction{UserID: userID, Emoji: emoji})
	return true
}

// Remove deletes userID's reaction and reports whether one existed.
func (m *ReactionMap) Remove(userID string) bool {
	i := m.index(userID)
	if i < 0 {
		return false
	}
	m.entries = append(m.entries[:i:i], m.entries[i+1:]...)
	return true
}

// Get returns userID's emoji.
func (m ReactionMap) Get(userID string) (string, bool) {
	if i := m.index(userID); i >= 0 {
		return m.entries[i].Emoji, true
	}
	return "", false
}

func (m ReactionMap) Len() int { return len(m.entries) }

// Entries returns a copy of the reactions in insertion order.
func (m ReactionMap) Entries() []Reaction {
	return append([]Reaction(nil), m.entries...)
}

// Clone returns an independent copy.
func (m ReactionMap) Clone() ReactionMap {
	return ReactionMap{entries: m.Entries()}
}

// Summary groups reactions by emoji: count descending, ties by emoji code point.
// Users inside a group keep insertion order.
func (m ReactionMap) Summary() []ReactionGroup {
	byEmoji := make(map[string]*ReactionGroup)
	var groups []*ReactionGroup
	for _, e := range m.entries {
		g, ok := byEmoji[e.Emoji]
		if !ok {
			g = &ReactionGroup{Emoji: e.Emoji}
			byEmoji[e.Emoji] = g
			groups = append(groups, g)
		}
		g.Count++
		g.Users = append(g.Users, e.UserID)
	}
	// UTF-8 byte order equals code point order.
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].Emoji < groups[j].Emoji
	})
	out := make([]ReactionGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	return out
}

func (m ReactionMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.UserID)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Emoji)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *ReactionMap) UnmarshalJSON(data []byte) error {
	m.entries = nil
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("reactions: expected object, got %v", tok)
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("reactions: unexpected key %v", keyTok)
		}
		var emoji string
		if err := dec.Decode(&emoji); err != nil {
			return err
		}
		m.Set(key, emoji)
	}
	_, err = dec.Token()
	return err
}

// Value implements driver.Valuer for the json column (json, not jsonb, keeps key order).
func (m ReactionMap) Value() (driver.Value, error) {
	b, err := m.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for the json column.
func (m *ReactionMap) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		m.entries = nil
		return nil
	case []byte:
		return m.UnmarshalJSON(v)
	case string:
		return m.UnmarshalJSON([]byte(v))
	}
	return errors.New("reactions: type assertion to []byte failed")
}
