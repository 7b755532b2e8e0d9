package users

import (
	"strings"
	"time"
)

// Identity maps a provider login onto the canonical participant id used in rooms.
type Identity struct {
	Provider      string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject       string    `gorm:"column:subject;primaryKey;size:190;not null"`
	ParticipantID string    `gorm:"column:participant_id;size:190;not null;index"`
	DisplayName   string    `gorm:"column:display_name;size:320"`
	LastSeenAt    time.Time `gorm:"column:last_seen_at"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing participant identities.
func (Identity) TableName() string {
	return "participant_identities"
}

// Participant is the resolved identity handed to the gateway.
type Participant struct {
	ID          string
	DisplayName string
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
