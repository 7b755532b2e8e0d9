package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/lectio/internal/auth"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for participant resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service is the participant directory: it resolves token claims to canonical
// participant ids and records when each participant was last active.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// ResolveParticipant returns the canonical participant for the token claims and marks it active.
// It creates the identity mapping when the provider+subject pair has not been seen before.
func (s *Service) ResolveParticipant(ctx context.Context, claims auth.ParticipantClaims) (Participant, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Participant{}, ErrInvalidIdentity
	}
	displayName := normalize(claims.DisplayName)
	now := s.now()

	var identity Identity
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("provider = ? AND subject = ?", provider, subject).First(&identity).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			identity = Identity{
				Provider:      provider,
				Subject:       subject,
				ParticipantID: subject,
				DisplayName:   displayName,
				LastSeenAt:    now,
			}
			return tx.Create(&identity).Error
		}
		if err != nil {
			return err
		}
		updates := map[string]interface{}{"last_seen_at": now}
		if displayName != "" && displayName != identity.DisplayName {
			updates["display_name"] = displayName
			identity.DisplayName = displayName
		}
		identity.LastSeenAt = now
		return tx.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error
	})
	if err != nil {
		return Participant{}, err
	}

	name := identity.DisplayName
	if name == "" {
		name = identity.ParticipantID
	}
	return Participant{ID: identity.ParticipantID, DisplayName: name}, nil
}

// LastSeen returns when the participant was last admitted.
func (s *Service) LastSeen(ctx context.Context, participantID string) (time.Time, error) {
	var identity Identity
	err := s.db.WithContext(ctx).
		Where("participant_id = ?", normalize(participantID)).
		Order("last_seen_at DESC").
		First(&identity).
		Error
	if err != nil {
		return time.Time{}, err
	}
	return identity.LastSeenAt, nil
}

func deriveProviderSubject(claims auth.ParticipantClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.ParticipantID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else {
			subject = raw
		}
	}

	return provider, subject
}
