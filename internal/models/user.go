package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// User представляє користувача в системі.
// Містить демографічні дані, фільтри пошуку та список друзів.
// Профільні поля належать Profile-сервісу; ядро лише читає їх і змінює Friends.
type User struct {
	ID             string `gorm:"primaryKey" json:"id"`
	Username       string `gorm:"uniqueIndex;not null" json:"username"`
	TelegramChatID int64  `gorm:"index" json:"-"` // 0, якщо Telegram не прив'язано
	Age            int    `json:"age"`
	Gender         string `gorm:"type:text" json:"gender"`

	Interests       pq.StringArray `gorm:"type:text[]" json:"interests"`
	Purpose         string         `gorm:"type:text" json:"purpose"`
	PersonalityType string         `gorm:"type:text" json:"personalityType,omitempty"`
	Country         string         `gorm:"type:text" json:"country,omitempty"`
	SearchGlobally  bool           `gorm:"not null" json:"searchGlobally"`

	// 0 означає, що межа відкрита. Без gorm default: нульові значення мають записуватися як є.
	AgeMin           int            `gorm:"not null" json:"ageMin"`
	AgeMax           int            `gorm:"not null" json:"ageMax"`
	GenderPreference pq.StringArray `gorm:"type:text[]" json:"genderPreference"`

	// Friends is the set of user IDs this user is friends with.
	Friends pq.StringArray `gorm:"type:text[]" json:"friends"`

	CreatedAt time.Time `json:"createdAt"`
}

// BeforeCreate: хук GORM, який генерує UUID, якщо ID ще не встановлено.
func (u *User) BeforeCreate(tx *gorm.DB) (err error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return
}

// Preferences is the view of a user the Profile collaborator hands to matchmaking.
type Preferences struct {
	UserID           string
	Age              int
	Gender           string
	AgeMin           int
	AgeMax           int
	GenderPreference []string
	Interests        []string
	Purpose          string
	PersonalityType  string
	Country          string
	SearchGlobally   bool
}

// Preferences projects the profile fields used by matchmaking.
func (u *User) Preferences() Preferences {
	return Preferences{
		UserID:           u.ID,
		Age:              u.Age,
		Gender:           u.Gender,
		AgeMin:           u.AgeMin,
		AgeMax:           u.AgeMax,
		GenderPreference: append([]string(nil), u.GenderPreference...),
		Interests:        append([]string(nil), u.Interests...),
		Purpose:          u.Purpose,
		PersonalityType:  u.PersonalityType,
		Country:          u.Country,
		SearchGlobally:   u.SearchGlobally,
	}
}

// HasFriend reports whether id is in the user's friend list.
func (u *User) HasFriend(id string) bool {
	return slices.Contains(u.Friends, id)
}

// AcceptsGender reports whether gender passes the preference filter.
// An empty preference list accepts everyone.
func (p Preferences) AcceptsGender(gender string) bool {
	return len(p.GenderPreference) == 0 || slices.Contains(p.GenderPreference, gender)
}

// AcceptsAge reports whether age falls inside the preferred range (inclusive).
// A zero bound is treated as open.
func (p Preferences) AcceptsAge(age int) bool {
	if p.AgeMin > 0 && age < p.AgeMin {
		return false
	}
	if p.AgeMax > 0 && age > p.AgeMax {
		return false
	}
	return true
}

// SharesScope reports whether two users are allowed to meet given their search scope.
// Two global searchers always meet; otherwise both must be in the same country.
func (p Preferences) SharesScope(other Preferences) bool {
	if p.SearchGlobally && other.SearchGlobally {
		return true
	}
	return p.Country != "" && p.Country == other.Country
}

// Compatible applies the requester filter and the reciprocal filter of the candidate.
func (p Preferences) Compatible(candidate Preferences) bool {
	if p.UserID == candidate.UserID {
		return false
	}
	return p.AcceptsGender(candidate.Gender) &&
		p.AcceptsAge(candidate.Age) &&
		candidate.AcceptsGender(p.Gender) &&
		candidate.AcceptsAge(p.Age) &&
		p.SharesScope(candidate)
}
