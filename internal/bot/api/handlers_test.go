package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetscribe/meetscribe/internal/bot/admission"
	"github.com/meetscribe/meetscribe/internal/bot/callback"
	"github.com/meetscribe/meetscribe/internal/bot/command"
	"github.com/meetscribe/meetscribe/internal/bot/lifecycle"
	"github.com/meetscribe/meetscribe/internal/bot/models"
	"github.com/meetscribe/meetscribe/internal/bot/orchestrator"
	"github.com/meetscribe/meetscribe/internal/bot/store"
	"github.com/meetscribe/meetscribe/internal/common/config"
	"github.com/meetscribe/meetscribe/internal/common/logger"
	"github.com/meetscribe/meetscribe/internal/events/bus"
	v1 "github.com/meetscribe/meetscribe/pkg/api/v1"
)

type apiFixture struct {
	router *gin.Engine
	store  *store.MemoryStore
	orch   *orchestrator.FakeOrchestrator
	cmds   *command.MemoryBus
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	st := store.NewMemoryStore()
	err := st.UpsertUser(context.Background(), &models.User{ID: "user-1", MaxConcurrentBots: 2})
	require.NoError(t, err)

	log := logger.Default()
	orch := orchestrator.NewFakeOrchestrator()
	cmds := command.NewMemoryBus()
	events := bus.NewMemoryEventBus(log)

	coord := lifecycle.NewCoordinator(
		admission.NewController(st, log),
		st, orch, cmds, events,
		config.LifecycleConfig{StartRPCTimeout: 5, StopGrace: 1, DelayedStopAfter: 1},
		log,
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		coord.Shutdown(ctx)
	})

	ing := callback.NewIngress(st, events, log)
	router := NewRouter(NewHandlers(coord, ing, log), nil, log)

	return &apiFixture{router: router, store: st, orch: orch, cmds: cmds}
}

func (f *apiFixture) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func startRequest(native string) StartBotRequest {
	return StartBotRequest{
		Platform:        v1.PlatformGoogleMeet,
		NativeMeetingID: native,
	}
}

// workerStarted plays the worker's started callback for the meeting.
func (f *apiFixture) workerStarted(t *testing.T, meetingID string) string {
	t.Helper()
	stored, err := f.store.Get(context.Background(), meetingID)
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/internal/callback/started", "",
		StartedCallback{SessionUID: stored.SessionUID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return stored.SessionUID
}

func TestStartBotEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/bots", "user-1", startRequest("abc-defg-hij"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp v1.MeetingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, v1.MeetingStatusReserved, resp.Status)
	assert.Equal(t, "user-1", resp.UserID)
	assert.NotNil(t, resp.BotContainerID)
	assert.Len(t, f.orch.Created(), 1)
	assert.Len(t, f.orch.Started(), 1)
}

func TestStartBotEndpointErrors(t *testing.T) {
	f := newAPIFixture(t)

	// Missing identity.
	w := f.do(t, http.MethodPost, "/api/v1/bots", "", startRequest("abc"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Missing required fields.
	w = f.do(t, http.MethodPost, "/api/v1/bots", "user-1", map[string]string{"platform": "zoom"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unsupported platform.
	w = f.do(t, http.MethodPost, "/api/v1/bots", "user-1",
		StartBotRequest{Platform: "webex", NativeMeetingID: "123"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, w))

	// Duplicate live meeting.
	w = f.do(t, http.MethodPost, "/api/v1/bots", "user-1", startRequest("abc"))
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodPost, "/api/v1/bots", "user-1", startRequest("abc"))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONFLICT", errorCode(t, w))

	// Concurrency cap (max 2, one is live).
	w = f.do(t, http.MethodPost, "/api/v1/bots", "user-1", startRequest("second"))
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodPost, "/api/v1/bots", "user-1", startRequest("third"))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "LIMIT_EXCEEDED", errorCode(t, w))
}

func TestStopBotEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/bots", "user-1", startRequest("abc"))
	require.Equal(t, http.StatusOK, w.Code)
	var started v1.MeetingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))

	uid := f.workerStarted(t, started.MeetingID)

	w = f.do(t, http.MethodDelete, "/api/v1/bots/google_meet/abc", "user-1", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	// The leave command went to the worker's session.
	assert.Len(t, f.cmds.Sent(uid), 1)

	// Unknown meeting.
	w = f.do(t, http.MethodDelete, "/api/v1/bots/google_meet/missing", "user-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReconfigureEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	w := f.do(t, http.MethodPost, "/api/v1/bots", "user-1", startRequest("abc"))
	require.Equal(t, http.StatusOK, w.Code)
	var started v1.MeetingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	f.workerStarted(t, started.MeetingID)

	lang := "fr"
	w = f.do(t, http.MethodPatch, "/api/v1/bots/google_meet/abc/config", "user-1",
		ReconfigureRequest{Language: &lang, Task: v1.TaskTranslate})
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	stored, err := f.store.Get(ctx, started.MeetingID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskTranslate, stored.Config.Task)

	// Finish the meeting, then reconfiguration finds nothing live.
	require.NoError(t, f.store.AdvanceStatus(ctx, started.MeetingID,
		[]v1.MeetingStatus{v1.MeetingStatusStarting}, v1.MeetingStatusFailed, store.StatusUpdate{}))
	w = f.do(t, http.MethodPatch, "/api/v1/bots/google_meet/abc/config", "user-1",
		ReconfigureRequest{Task: v1.TaskTranscribe})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMeetingEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/bots", "user-1", startRequest("abc"))
	require.Equal(t, http.StatusOK, w.Code)
	var started v1.MeetingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))

	w = f.do(t, http.MethodGet, "/api/v1/meetings", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list v1.MeetingsListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	w = f.do(t, http.MethodGet, "/api/v1/meetings/"+started.MeetingID, "user-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Another user cannot see it.
	w = f.do(t, http.MethodGet, "/api/v1/meetings/"+started.MeetingID, "user-2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/meetings", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBotStatusEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/bots", "user-1", startRequest("abc"))
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/bots/status", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp v1.BotStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.RunningBots, 1)
	assert.True(t, resp.RunningBots[0].Running)
}

func TestCallbackFlow(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	w := f.do(t, http.MethodPost, "/api/v1/bots", "user-1", startRequest("abc"))
	require.Equal(t, http.StatusOK, w.Code)
	var started v1.MeetingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))

	stored, err := f.store.Get(ctx, started.MeetingID)
	require.NoError(t, err)
	uid := stored.SessionUID

	w = f.do(t, http.MethodPost, "/internal/callback/started", "", StartedCallback{SessionUID: uid})
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/internal/callback/joined", "", JoinedCallback{SessionUID: uid})
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/internal/callback/heartbeat", "", HeartbeatCallback{SessionUID: uid})
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPatch, "/internal/callback/status", "",
		StatusCallback{SessionUID: uid, Status: v1.MeetingStatusStopping})
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/internal/callback/exited", "", ExitedCallback{SessionUID: uid})
	assert.Equal(t, http.StatusOK, w.Code)

	final, err := f.store.Get(ctx, started.MeetingID)
	require.NoError(t, err)
	assert.Equal(t, v1.MeetingStatusCompleted, final.Status)
	assert.NotNil(t, final.StartTime)
	assert.NotNil(t, final.EndTime)
}

func TestCallbackAuth(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/internal/callback/joined", "",
		JoinedCallback{SessionUID: "bogus"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/internal/callback/heartbeat", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
