package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "store.service.new"
	opCreateRoom       = "store.create_room"
	opGetRoom          = "store.get_room"
	opGrantAccess      = "store.grant_access"
	opGetRoomAccess    = "store.get_room_access"
	opSaveLastPosition = "store.save_last_position"
	opUpsertProgress   = "store.upsert_progress"
	opGetProgress      = "store.get_progress"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Service persists study rooms, their access lists, last agreed positions and
// per-participant reading progress.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateRoom stores a new room owned by creatorID under a generated identifier.
func (s *Service) CreateRoom(ctx context.Context, creatorID ParticipantID, title string) (StudyRoom, error) {
	roomID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateRoom, "id_generation_failed", err, zap.String("creator_id", creatorID.String()))
		return StudyRoom{}, newServiceError(opCreateRoom, "id_generation_failed", err)
	}
	title = strings.TrimSpace(title)
	if len(title) > maxTitleLength {
		title = title[:maxTitleLength]
	}
	room := StudyRoom{
		RoomID:           roomID,
		CreatorID:        creatorID.String(),
		Title:            title,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&room).Error; err != nil {
		s.logError(opCreateRoom, "insert_failed", err,
			zap.String("room_id", roomID),
			zap.String("creator_id", creatorID.String()))
		return StudyRoom{}, newServiceError(opCreateRoom, "insert_failed", err)
	}
	return room, nil
}

// GetRoom loads a stored room.
func (s *Service) GetRoom(ctx context.Context, roomID RoomID) (StudyRoom, error) {
	var room StudyRoom
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID.String()).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StudyRoom{}, newServiceError(opGetRoom, "not_found", ErrRoomNotFound)
	}
	if err != nil {
		s.logError(opGetRoom, "query_failed", err, zap.String("room_id", roomID.String()))
		return StudyRoom{}, newServiceError(opGetRoom, "query_failed", err)
	}
	return room, nil
}

// GrantAccess lists participantID on the room. Only the creator may grant access;
// granting twice is a no-op.
func (s *Service) GrantAccess(ctx context.Context, roomID RoomID, requesterID, participantID ParticipantID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room StudyRoom
		err := tx.Where("room_id = ?", roomID.String()).Take(&room).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opGrantAccess, "room_not_found", ErrRoomNotFound)
		}
		if err != nil {
			s.logError(opGrantAccess, "room_select_failed", err, zap.String("room_id", roomID.String()))
			return newServiceError(opGrantAccess, "room_select_failed", err)
		}
		if room.CreatorID != requesterID.String() {
			return newServiceError(opGrantAccess, "not_creator", ErrNotCreator)
		}
		grant := RoomParticipant{
			RoomID:           roomID.String(),
			ParticipantID:    participantID.String(),
			GrantedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&grant).Error; err != nil {
			s.logError(opGrantAccess, "insert_failed", err,
				zap.String("room_id", roomID.String()),
				zap.String("participant_id", participantID.String()))
			return newServiceError(opGrantAccess, "insert_failed", err)
		}
		return nil
	})
}

// GetRoomAccess reports whether the participant is the creator or a listed member of the room.
// An unknown room grants no access.
func (s *Service) GetRoomAccess(ctx context.Context, roomID, participantID string) (bool, error) {
	validRoomID, err := NewRoomID(roomID)
	if err != nil {
		return false, nil
	}
	validParticipantID, err := NewParticipantID(participantID)
	if err != nil {
		return false, nil
	}

	var room StudyRoom
	err = s.db.WithContext(ctx).Where("room_id = ?", validRoomID.String()).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		s.logError(opGetRoomAccess, "room_select_failed", err, zap.String("room_id", validRoomID.String()))
		return false, newServiceError(opGetRoomAccess, "room_select_failed", err)
	}
	if room.CreatorID == validParticipantID.String() {
		return true, nil
	}

	var count int64
	if err := s.db.WithContext(ctx).
		Model(&RoomParticipant{}).
		Where("room_id = ? AND participant_id = ?", validRoomID.String(), validParticipantID.String()).
		Count(&count).Error; err != nil {
		s.logError(opGetRoomAccess, "participant_select_failed", err,
			zap.String("room_id", validRoomID.String()),
			zap.String("participant_id", validParticipantID.String()))
		return false, newServiceError(opGetRoomAccess, "participant_select_failed", err)
	}
	return count > 0, nil
}

// SaveLastPosition records the room's agreed ref. Older timestamps never overwrite newer ones.
func (s *Service) SaveLastPosition(ctx context.Context, roomID, ref string, at time.Time) error {
	validRoomID, err := NewRoomID(roomID)
	if err != nil {
		return newServiceError(opSaveLastPosition, "invalid_room_id", err)
	}
	normalized, err := normalizeRef(ref)
	if err != nil {
		return newServiceError(opSaveLastPosition, "invalid_ref", err)
	}
	seconds := at.UTC().Unix()
	result := s.db.WithContext(ctx).
		Model(&StudyRoom{}).
		Where("room_id = ? AND last_position_at_s <= ?", validRoomID.String(), seconds).
		Updates(map[string]interface{}{
			"last_position":      normalized,
			"last_position_at_s": seconds,
		})
	if result.Error != nil {
		s.logError(opSaveLastPosition, "update_failed", result.Error, zap.String("room_id", validRoomID.String()))
		return newServiceError(opSaveLastPosition, "update_failed", result.Error)
	}
	return nil
}

// UpsertProgress records the last ref the participant reached in the room.
func (s *Service) UpsertProgress(ctx context.Context, participantID, roomID, ref string, at time.Time) error {
	validParticipantID, err := NewParticipantID(participantID)
	if err != nil {
		return newServiceError(opUpsertProgress, "invalid_participant_id", err)
	}
	validRoomID, err := NewRoomID(roomID)
	if err != nil {
		return newServiceError(opUpsertProgress, "invalid_room_id", err)
	}
	normalized, err := normalizeRef(ref)
	if err != nil {
		return newServiceError(opUpsertProgress, "invalid_ref", err)
	}
	progress := ReadingProgress{
		ParticipantID:    validParticipantID.String(),
		RoomID:           validRoomID.String(),
		Ref:              normalized,
		UpdatedAtSeconds: at.UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "participant_id"}, {Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"ref", "updated_at_s"}),
	}).Create(&progress).Error; err != nil {
		s.logError(opUpsertProgress, "upsert_failed", err,
			zap.String("participant_id", validParticipantID.String()),
			zap.String("room_id", validRoomID.String()))
		return newServiceError(opUpsertProgress, "upsert_failed", err)
	}
	return nil
}

// GetProgress loads the participant's reading progress in the room.
func (s *Service) GetProgress(ctx context.Context, participantID ParticipantID, roomID RoomID) (ReadingProgress, error) {
	var progress ReadingProgress
	err := s.db.WithContext(ctx).
		Where("participant_id = ? AND room_id = ?", participantID.String(), roomID.String()).
		Take(&progress).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ReadingProgress{}, newServiceError(opGetProgress, "not_found", ErrProgressNotFound)
	}
	if err != nil {
		s.logError(opGetProgress, "query_failed", err,
			zap.String("participant_id", participantID.String()),
			zap.String("room_id", roomID.String()))
		return ReadingProgress{}, newServiceError(opGetProgress, "query_failed", err)
	}
	return progress, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("store service error", attrs...)
}
