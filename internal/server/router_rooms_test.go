package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/lectio/internal/auth"
	"github.com/MarcoPoloResearchLab/lectio/internal/database"
	"github.com/MarcoPoloResearchLab/lectio/internal/metrics"
	"github.com/MarcoPoloResearchLab/lectio/internal/navigation"
	"github.com/MarcoPoloResearchLab/lectio/internal/protocol"
	"github.com/MarcoPoloResearchLab/lectio/internal/rooms"
	"github.com/MarcoPoloResearchLab/lectio/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// bearerAsParticipant treats the bearer token itself as the participant id.
type bearerAsParticipant struct{}

func (bearerAsParticipant) ValidateRequest(r *http.Request) (auth.ParticipantClaims, error) {
	token := auth.BearerToken(r)
	if token == "" {
		return auth.ParticipantClaims{}, auth.ErrMissingToken
	}
	return auth.ParticipantClaims{ParticipantID: token}, nil
}

type discardConnection struct{ id string }

func (c discardConnection) ID() string                  { return c.id }
func (c discardConnection) Send(protocol.Message) error { return nil }

type routerFixture struct {
	handler      http.Handler
	store        *store.Service
	registry     *rooms.Registry
	synchronizer *navigation.Synchronizer
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "router.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	storeService, err := store.NewService(store.ServiceConfig{Database: db, IDProvider: store.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	registry, err := rooms.NewRegistry(rooms.Config{Access: storeService})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	synchronizer, err := navigation.NewSynchronizer(navigation.SynchronizerConfig{Registry: registry})
	if err != nil {
		t.Fatalf("failed to construct synchronizer: %v", err)
	}
	promRegistry := prometheus.NewRegistry()
	metrics.New(promRegistry)

	handler, err := NewHTTPHandler(Dependencies{
		Authenticator: bearerAsParticipant{},
		Directory:     stubDirectory{},
		Rooms:         storeService,
		Navigator:     synchronizer,
		Realtime: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
		Metrics: promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		Logger:  zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct router: %v", err)
	}
	return &routerFixture{handler: handler, store: storeService, registry: registry, synchronizer: synchronizer}
}

func (f *routerFixture) do(t *testing.T, method, path, participantID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	if participantID != "" {
		request.Header.Set("Authorization", "Bearer "+participantID)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f *routerFixture) createRoom(t *testing.T, creatorID string) string {
	t.Helper()
	recorder := f.do(t, http.MethodPost, "/rooms", creatorID, `{"title":"Genesis study"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected room creation, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response roomResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("invalid create response: %v", err)
	}
	if response.RoomID == "" || response.CreatorID != creatorID || response.Title != "Genesis study" {
		t.Fatalf("unexpected room %+v", response)
	}
	return response.RoomID
}

func TestPublicEndpointsNeedNoToken(t *testing.T) {
	fixture := newRouterFixture(t)

	if recorder := fixture.do(t, http.MethodGet, "/healthz", "", ""); recorder.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", recorder.Code)
	}
	metricsResponse := fixture.do(t, http.MethodGet, "/metrics", "", "")
	if metricsResponse.Code != http.StatusOK || !strings.Contains(metricsResponse.Body.String(), "lectio_rooms_active") {
		t.Fatalf("expected metrics exposition, got %d", metricsResponse.Code)
	}
	if recorder := fixture.do(t, http.MethodGet, "/ws", "", ""); recorder.Code != http.StatusTeapot {
		t.Fatalf("expected realtime handler to own /ws, got %d", recorder.Code)
	}
	if recorder := fixture.do(t, http.MethodPost, "/rooms", "", ""); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected room creation to require a token, got %d", recorder.Code)
	}
}

func TestOnlyCreatorGrantsAccess(t *testing.T) {
	fixture := newRouterFixture(t)
	roomID := fixture.createRoom(t, "user-a")
	path := "/rooms/" + roomID + "/participants"

	if recorder := fixture.do(t, http.MethodPost, path, "user-b", `{"participant_id":"user-b"}`); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden for non-creator, got %d", recorder.Code)
	}
	if recorder := fixture.do(t, http.MethodPost, path, "user-a", `{"participant_id":"user-b"}`); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected grant, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if recorder := fixture.do(t, http.MethodPost, path, "user-a", `{"participant_id":"user-b"}`); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected repeated grant to be a no-op, got %d", recorder.Code)
	}
	if recorder := fixture.do(t, http.MethodPost, "/rooms/missing/participants", "user-a", `{"participant_id":"user-b"}`); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", recorder.Code)
	}
	if recorder := fixture.do(t, http.MethodPost, path, "user-a", `{"participant_id":"  "}`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", recorder.Code)
	}

	allowed, err := fixture.store.GetRoomAccess(context.Background(), roomID, "user-b")
	if err != nil || !allowed {
		t.Fatalf("expected user-b to be listed, got %v (%v)", allowed, err)
	}
}

func TestHistoryOfLiveRoom(t *testing.T) {
	fixture := newRouterFixture(t)
	ctx := context.Background()
	roomID := fixture.createRoom(t, "user-a")
	historyPath := "/rooms/" + roomID + "/history"

	if recorder := fixture.do(t, http.MethodGet, historyPath, "user-c", ""); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected outsider to be forbidden, got %d", recorder.Code)
	}
	if recorder := fixture.do(t, http.MethodGet, historyPath, "user-a", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected inactive room to have no history, got %d", recorder.Code)
	}

	member := rooms.Member{ParticipantID: "user-a", DisplayName: "Ada"}
	if _, err := fixture.registry.Join(ctx, roomID, member, discardConnection{id: "conn-a"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := fixture.synchronizer.Propose(ctx, roomID, "user-a", "Genesis 1:1"); err != nil {
		t.Fatalf("propose failed: %v", err)
	}

	recorder := fixture.do(t, http.MethodGet, historyPath, "user-a", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected history, got %d", recorder.Code)
	}
	var response struct {
		RoomID  string                `json:"room_id"`
		History []historyEntryPayload `json:"history"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("invalid history response: %v", err)
	}
	if response.RoomID != roomID || len(response.History) != 1 {
		t.Fatalf("unexpected history %+v", response)
	}
	entry := response.History[0]
	if entry.Ref != "Genesis 1:1" || entry.ParticipantName != "Ada" || entry.TimestampMillis == 0 {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestReadingProgressEndpoint(t *testing.T) {
	fixture := newRouterFixture(t)
	roomID := fixture.createRoom(t, "user-a")
	progressPath := "/rooms/" + roomID + "/progress"

	if recorder := fixture.do(t, http.MethodGet, progressPath, "user-a", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected no progress yet, got %d", recorder.Code)
	}
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := fixture.store.UpsertProgress(context.Background(), "user-a", roomID, "Exodus 3:14", at); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	recorder := fixture.do(t, http.MethodGet, progressPath, "user-a", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected progress, got %d", recorder.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("invalid progress response: %v", err)
	}
	if response["ref"] != "Exodus 3:14" || response["updated_at_s"] != float64(at.Unix()) {
		t.Fatalf("unexpected progress %v", response)
	}
}
