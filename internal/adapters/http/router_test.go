package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Breakout/internal/app"
	"github.com/dkeye/Breakout/internal/app/orch"
	"github.com/dkeye/Breakout/internal/auth"
	"github.com/dkeye/Breakout/internal/bus"
	"github.com/dkeye/Breakout/internal/config"
	"github.com/dkeye/Breakout/internal/core"
	"github.com/dkeye/Breakout/internal/domain"
	"github.com/dkeye/Breakout/internal/metrics"
	"github.com/dkeye/Breakout/internal/scheduler"
	"github.com/dkeye/Breakout/internal/segment"
)

type fixture struct {
	r      *gin.Engine
	o      *orch.Orchestrator
	issuer *auth.Issuer
}

func newFixture(t *testing.T, mode string, mutate ...func(*config.Config)) *fixture {
	gin.SetMode(gin.TestMode)
	clock := clockwork.NewFakeClock()
	sched := scheduler.New(clock)
	b := bus.New(16)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rooms := app.NewRoomManager(app.DefaultRoomConfig(), b, sched, nil, app.WithMetrics(m))
	dir := core.NewMemoryDirectory()
	o := orch.New(orch.DefaultConfig(), &orch.Orchestrator{
		Registry:  app.NewRegistry(),
		Rooms:     rooms,
		Segments:  segment.NewEngine(clock, b, rooms, dir),
		Directory: dir,
		Policy:    app.SimplePolicy{},
		Bus:       b,
		Sched:     sched,
		Metrics:   m,
	})
	issuer, err := auth.NewIssuer("test-secret", clock)
	require.NoError(t, err)

	cfg := &config.Config{Mode: mode, Secret: "test-secret", CallerTokenTTL: time.Hour}
	cfg.JoinRate.Limit = 5
	cfg.JoinRate.Interval = time.Second
	for _, m := range mutate {
		m(cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		sched.Stop()
		b.Close()
	})
	return &fixture{r: SetupRouter(ctx, cfg, o, issuer, reg), o: o, issuer: issuer}
}

func (f *fixture) token(t *testing.T, id domain.UserID, role domain.Role) string {
	t.Helper()
	tok, err := f.issuer.IssueCaller(domain.User{ID: id, Username: string(id), Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Code
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, "release")

	w := f.do(http.MethodGet, "/api/whoami", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decodeError(t, w))

	w = f.do(http.MethodGet, "/api/whoami", "garbage", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/api/whoami", f.token(t, "u1", domain.RoleAttendee), "")
	require.Equal(t, http.StatusOK, w.Code)
	var user domain.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &user))
	assert.EqualValues(t, "u1", user.ID)
	assert.Equal(t, domain.RoleAttendee, user.Role)
}

func TestTokenQueryParameter(t *testing.T) {
	f := newFixture(t, "release")
	w := f.do(http.MethodGet, "/api/whoami?token="+f.token(t, "u2", domain.RoleAttendee), "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Result().Cookies(), "token remembered in the cookie session")
}

func TestAttendeesAreOrganizerOnly(t *testing.T) {
	f := newFixture(t, "release")
	body := `[{"userId":"u1","attributes":{"track":"design"}},{"userId":"u2","attributes":{"track":"eng"}}]`

	w := f.do(http.MethodPut, "/api/sessions/s1/attendees", f.token(t, "u1", domain.RoleAttendee), body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPut, "/api/sessions/s1/attendees", f.token(t, "org", domain.RoleOrganizer), body)
	require.Equal(t, http.StatusOK, w.Code)

	got, err := f.o.Directory.Attendees(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	w = f.do(http.MethodPut, "/api/sessions/s1/attendees", f.token(t, "org", domain.RoleOrganizer), `[{"attributes":{}}]`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", decodeError(t, w))
}

func TestRoomRoutes(t *testing.T) {
	f := newFixture(t, "release")
	org := &domain.User{ID: "org", Role: domain.RoleOrganizer}
	room, err := f.o.Rooms.Create(context.Background(), org, domain.RoomSpec{
		SessionID: "s1", Name: "Design", MaxParticipants: 3, DurationMinutes: 10,
	})
	require.NoError(t, err)
	tok := f.token(t, "u1", domain.RoleAttendee)

	w := f.do(http.MethodGet, "/api/sessions/s1/rooms", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Rooms []core.RoomInfo `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Rooms, 1)
	assert.Equal(t, room.ID, list.Rooms[0].ID)

	w = f.do(http.MethodGet, "/api/rooms/"+string(room.ID), tok, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/api/rooms/missing", tok, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeError(t, w))

	w = f.do(http.MethodGet, "/api/sessions/s1/assignment", tok, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, "release")
	f.o.Metrics.SocketOpened()

	w := f.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "breakout_")
}

func TestDevTokenNeedsDebugAndExplicitFlag(t *testing.T) {
	devTokens := func(c *config.Config) { c.DevTokens = true }

	f := newFixture(t, "release", devTokens)
	w := f.do(http.MethodPost, "/api/dev/token", "", `{"userId":"u1"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	f = newFixture(t, "debug")
	w = f.do(http.MethodPost, "/api/dev/token", "", `{"userId":"u1"}`)
	assert.Equal(t, http.StatusNotFound, w.Code, "debug mode alone does not expose the route")

	f = newFixture(t, "debug", devTokens)
	w = f.do(http.MethodPost, "/api/dev/token", "", `{"userId":"org","role":"organizer"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	user, err := f.issuer.ParseCaller(body.Token)
	require.NoError(t, err)
	assert.True(t, user.IsOrganizer())
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusConflict, status(domain.ErrRoomFull))
	assert.Equal(t, http.StatusForbidden, status(domain.ErrPermissionDenied))
	assert.Equal(t, http.StatusGatewayTimeout, status(domain.ErrTimeout))
	assert.Equal(t, http.StatusInternalServerError, status(assert.AnError))
}
