package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/lectio/internal/auth"
	"github.com/MarcoPoloResearchLab/lectio/internal/navigation"
	"github.com/MarcoPoloResearchLab/lectio/internal/rooms"
	"github.com/MarcoPoloResearchLab/lectio/internal/store"
	"github.com/MarcoPoloResearchLab/lectio/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const participantIDContextKey = "lectio_participant_id"

var (
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingDirectory     = errors.New("participant directory dependency required")
	errMissingRoomStore     = errors.New("room store dependency required")
	errMissingNavigator     = errors.New("navigator dependency required")
	errMissingRealtime      = errors.New("realtime handler dependency required")
)

type Authenticator interface {
	ValidateRequest(r *http.Request) (auth.ParticipantClaims, error)
}

type Directory interface {
	ResolveParticipant(ctx context.Context, claims auth.ParticipantClaims) (users.Participant, error)
}

type RoomStore interface {
	CreateRoom(ctx context.Context, creatorID store.ParticipantID, title string) (store.StudyRoom, error)
	GrantAccess(ctx context.Context, roomID store.RoomID, requesterID, participantID store.ParticipantID) error
	GetRoomAccess(ctx context.Context, roomID, participantID string) (bool, error)
	GetProgress(ctx context.Context, participantID store.ParticipantID, roomID store.RoomID) (store.ReadingProgress, error)
}

type HistoryReader interface {
	History(ctx context.Context, roomID string) ([]navigation.Record, error)
}

type Dependencies struct {
	Authenticator Authenticator
	Directory     Directory
	Rooms         RoomStore
	Navigator     HistoryReader
	// Realtime serves the websocket endpoint; it authenticates on its own.
	Realtime http.Handler
	// Metrics is optional; when set it is mounted at /metrics.
	Metrics http.Handler
	Logger  *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Directory == nil {
		return nil, errMissingDirectory
	}
	if deps.Rooms == nil {
		return nil, errMissingRoomStore
	}
	if deps.Navigator == nil {
		return nil, errMissingNavigator
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		authenticator: deps.Authenticator,
		directory:     deps.Directory,
		rooms:         deps.Rooms,
		navigator:     deps.Navigator,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	router.GET("/ws", gin.WrapH(deps.Realtime))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/rooms", handler.handleCreateRoom)
	protected.POST("/rooms/:id/participants", handler.handleGrantAccess)
	protected.GET("/rooms/:id/history", handler.handleHistory)
	protected.GET("/rooms/:id/progress", handler.handleProgress)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	authenticator Authenticator
	directory     Directory
	rooms         RoomStore
	navigator     HistoryReader
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createRoomRequest struct {
	Title string `json:"title"`
}

type roomResponse struct {
	RoomID           string `json:"room_id"`
	CreatorID        string `json:"creator_id"`
	Title            string `json:"title"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func (h *httpHandler) handleCreateRoom(c *gin.Context) {
	creatorID, ok := h.participantFromContext(c)
	if !ok {
		return
	}
	var request createRoomRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	room, err := h.rooms.CreateRoom(c.Request.Context(), creatorID, request.Title)
	if err != nil {
		h.logger.Error("failed to create room", zap.String("creator_id", creatorID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room_create_failed"})
		return
	}
	c.JSON(http.StatusCreated, roomResponse{
		RoomID:           room.RoomID,
		CreatorID:        room.CreatorID,
		Title:            room.Title,
		CreatedAtSeconds: room.CreatedAtSeconds,
	})
}

type grantAccessRequest struct {
	ParticipantID string `json:"participant_id"`
}

func (h *httpHandler) handleGrantAccess(c *gin.Context) {
	requesterID, ok := h.participantFromContext(c)
	if !ok {
		return
	}
	roomID, err := store.NewRoomID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return
	}
	var request grantAccessRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	participantID, err := store.NewParticipantID(request.ParticipantID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_participant_id"})
		return
	}

	err = h.rooms.GrantAccess(c.Request.Context(), roomID, requesterID, participantID)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, store.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
	case errors.Is(err, store.ErrNotCreator):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	default:
		h.logger.Error("failed to grant room access",
			zap.String("room_id", roomID.String()),
			zap.String("participant_id", participantID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "grant_failed"})
	}
}

type historyEntryPayload struct {
	ParticipantID   string `json:"participant_id"`
	ParticipantName string `json:"participant_name"`
	Ref             string `json:"ref"`
	TimestampMillis int64  `json:"timestamp_ms"`
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	roomID, allowed := h.authorizeRoom(c)
	if !allowed {
		return
	}
	records, err := h.navigator.History(c.Request.Context(), roomID)
	if errors.Is(err, rooms.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_active"})
		return
	}
	if err != nil {
		h.logger.Error("failed to read navigation history", zap.String("room_id", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		return
	}
	entries := make([]historyEntryPayload, 0, len(records))
	for _, record := range records {
		entries = append(entries, historyEntryPayload{
			ParticipantID:   record.ParticipantID,
			ParticipantName: record.ParticipantName,
			Ref:             record.Ref,
			TimestampMillis: record.Timestamp.UnixMilli(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "history": entries})
}

func (h *httpHandler) handleProgress(c *gin.Context) {
	participantID, ok := h.participantFromContext(c)
	if !ok {
		return
	}
	roomID, err := store.NewRoomID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return
	}
	progress, err := h.rooms.GetProgress(c.Request.Context(), participantID, roomID)
	if errors.Is(err, store.ErrProgressNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "progress_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to read reading progress",
			zap.String("room_id", roomID.String()),
			zap.String("participant_id", participantID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "progress_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room_id":      progress.RoomID,
		"ref":          progress.Ref,
		"updated_at_s": progress.UpdatedAtSeconds,
	})
}

// authorizeRoom resolves the room path parameter and aborts unless the caller may access it.
func (h *httpHandler) authorizeRoom(c *gin.Context) (string, bool) {
	participantID, ok := h.participantFromContext(c)
	if !ok {
		return "", false
	}
	roomID := strings.TrimSpace(c.Param("id"))
	allowed, err := h.rooms.GetRoomAccess(c.Request.Context(), roomID, participantID.String())
	if err != nil {
		h.logger.Error("failed to check room access", zap.String("room_id", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "access_check_failed"})
		return "", false
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return "", false
	}
	return roomID, true
}

func (h *httpHandler) participantFromContext(c *gin.Context) (store.ParticipantID, bool) {
	participantID, err := store.NewParticipantID(c.GetString(participantIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return participantID, true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.authenticator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	participant, err := h.directory.ResolveParticipant(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("participant resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "participant_resolution_failed"})
		return
	}
	c.Set(participantIDContextKey, participant.ID)
	c.Next()
}
