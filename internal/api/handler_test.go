package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"camwatch-backend/config"
	"camwatch-backend/internal/db"
	"camwatch-backend/internal/dispatch"
	"camwatch-backend/internal/errs"
	"camwatch-backend/internal/hub"
	"camwatch-backend/internal/identity"
	"camwatch-backend/internal/model"
	"camwatch-backend/internal/mw"
	"camwatch-backend/internal/presence"
	"camwatch-backend/internal/reconcile"
	"camwatch-backend/internal/store"
)

const testSecret = "test-secret"

type testEnv struct {
	router *gin.Engine
	store  store.Store
	hub    *hub.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gormDB, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.Migrate(gormDB))

	cfg := &config.Config{}
	cfg.Server.RateLimitPerSec = 1000
	cfg.Server.RateLimitBurst = 1000
	cfg.Server.CacheTTLSeconds = 1
	cfg.Auth.JWTSecret = testSecret

	st := store.NewGormStore(gormDB)
	h := hub.New("presence", 8)
	pres := presence.NewService(st, h, nil)
	handler := NewHandler(Deps{
		Store:      st,
		Dispatcher: dispatch.NewDispatcher(st, st, h, time.Second),
		Presence:   pres,
		Reconciler: reconcile.NewService(h, st, pres, 0),
		Resolver:   identity.NewResolver(st, time.Minute),
		Hub:        h,
		KeepAlive:  time.Hour,
	})

	return &testEnv{router: NewRouter(handler, cfg), store: st, hub: h}
}

func token(t *testing.T, email, role string) string {
	t.Helper()
	claims := mw.Claims{
		Email: email,
		Name:  strings.Split(email, "@")[0],
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) addEmployee(t *testing.T, email, directoryID string) *model.Employee {
	t.Helper()
	emp := &model.Employee{Email: email, FullName: "Jane Doe"}
	if directoryID != "" {
		emp.DirectoryID = &directoryID
	}
	saved, err := e.store.UpsertEmployee(context.Background(), emp)
	require.NoError(t, err)
	return saved
}

type pendingResponse struct {
	Pending []model.PendingCommand `json:"pending"`
}

func TestAPI_Authorization(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/commands/pending", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/commands", token(t, "jane@corp.io", mw.RoleEmployee),
		gin.H{"email": "jane@corp.io", "command": "START"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/api/commands/pending", token(t, "boss@corp.io", mw.RoleSupervisor), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_OfflineCommandLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.addEmployee(t, "jane@corp.io", "")
	boss := token(t, "boss@corp.io", mw.RoleSupervisor)
	jane := token(t, "jane@corp.io", mw.RoleEmployee)

	first := env.do(t, http.MethodPost, "/api/commands", boss, gin.H{
		"email": "Jane@Corp.io", "command": "start", "timestamp": "2024-05-01T10:00:00Z",
	})
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	var cmd model.PendingCommand
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &cmd))
	assert.Equal(t, model.CommandStart, cmd.Command)
	assert.Equal(t, "jane@corp.io", cmd.EmployeeID)
	assert.False(t, cmd.Published, "offline employee gets no push")

	second := env.do(t, http.MethodPost, "/api/commands", boss, gin.H{
		"email": "jane@corp.io", "command": "STOP", "timestamp": "2024-05-01T09:00:00Z",
	})
	require.Equal(t, http.StatusCreated, second.Code)

	w := env.do(t, http.MethodGet, "/api/commands/pending", jane, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pending pendingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pending))
	require.Len(t, pending.Pending, 2)
	assert.Equal(t, model.CommandStop, pending.Pending[0].Command, "oldest timestamp first")
	assert.Equal(t, cmd.ID, pending.Pending[1].ID)

	ids := []string{pending.Pending[0].ID.String(), pending.Pending[1].ID.String()}
	w = env.do(t, http.MethodPost, "/api/commands/ack", jane, gin.H{"ids": ids})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"updatedCount":2}`, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/commands/ack", jane, gin.H{"ids": ids})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"updatedCount":0}`, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/commands/pending", jane, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"pending":[]}`, w.Body.String())

	stored, err := env.store.GetCommand(context.Background(), cmd.ID)
	require.NoError(t, err)
	assert.True(t, stored.Acknowledged)
	assert.True(t, stored.Published)
}

func TestAPI_PostCommandValidation(t *testing.T) {
	env := newTestEnv(t)
	emp := env.addEmployee(t, "jane@corp.io", "0f3c-dir")
	boss := token(t, "boss@corp.io", mw.RoleSupervisor)

	tests := []struct {
		name     string
		body     any
		wantCode int
	}{
		{"no identity", gin.H{"command": "START"}, http.StatusBadRequest},
		{"two identities", gin.H{"email": "jane@corp.io", "directoryId": "0f3c-dir", "command": "START"}, http.StatusBadRequest},
		{"unknown command", gin.H{"email": "jane@corp.io", "command": "REBOOT"}, http.StatusBadRequest},
		{"negative ttl", gin.H{"email": "jane@corp.io", "command": "START", "ttlSeconds": -1}, http.StatusBadRequest},
		{"missing command", gin.H{"email": "jane@corp.io"}, http.StatusBadRequest},
		{"unknown employee", gin.H{"email": "ghost@corp.io", "command": "START"}, http.StatusNotFound},
		{"by directory id", gin.H{"directoryId": "0f3c-dir", "command": "STOP"}, http.StatusCreated},
		{"by record id", gin.H{"employeeId": emp.ID, "command": "START", "ttlSeconds": 60}, http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/commands", boss, tt.body)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
		})
	}
}

func TestAPI_OnlineCommandIsPushed(t *testing.T) {
	env := newTestEnv(t)
	env.addEmployee(t, "jane@corp.io", "")
	conn := env.hub.Connect("jane@corp.io")
	defer env.hub.Disconnect(conn)

	w := env.do(t, http.MethodPost, "/api/commands", token(t, "boss@corp.io", mw.RoleSupervisor),
		gin.H{"email": "jane@corp.io", "command": "START"})
	require.Equal(t, http.StatusCreated, w.Code)
	var cmd model.PendingCommand
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cmd))
	assert.True(t, cmd.Published)

	select {
	case msg := <-conn.Messages():
		assert.Equal(t, dispatch.EventCommand, msg.Event)
		var payload dispatch.CommandPayload
		require.NoError(t, json.Unmarshal(msg.Data, &payload))
		assert.Equal(t, cmd.ID.String(), payload.ID)
		assert.Equal(t, model.CommandStart, payload.Command)
	default:
		t.Fatal("command was not pushed to the private channel")
	}
}

func TestAPI_AckRejectsMalformedIDs(t *testing.T) {
	env := newTestEnv(t)
	jane := token(t, "jane@corp.io", mw.RoleEmployee)

	w := env.do(t, http.MethodPost, "/api/commands/ack", jane, gin.H{"ids": []string{"not-a-uuid"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/commands/ack", jane, gin.H{"ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/commands/ack", jane, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid request"}`, w.Body.String())
}

func TestAPI_HeartbeatAndRoster(t *testing.T) {
	env := newTestEnv(t)
	env.addEmployee(t, "jane@corp.io", "")
	env.addEmployee(t, "john@corp.io", "")

	w := env.do(t, http.MethodPost, "/api/presence/heartbeat", token(t, "jane@corp.io", mw.RoleEmployee), nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/api/presence", token(t, "boss@corp.io", mw.RoleSupervisor), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var roster struct {
		Employees []store.RosterEntry `json:"employees"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &roster))
	require.Len(t, roster.Employees, 2)
	assert.Equal(t, "jane@corp.io", roster.Employees[0].Email)
	assert.Equal(t, model.StatusOnline, roster.Employees[0].Status)
	assert.Equal(t, model.StatusOffline, roster.Employees[1].Status)
}

func TestAPI_Reconcile(t *testing.T) {
	env := newTestEnv(t)
	env.addEmployee(t, "stale@corp.io", "")
	_, err := env.store.SetStatus(context.Background(), "stale@corp.io", model.StatusOnline, time.Now())
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/api/reconcile", token(t, "boss@corp.io", mw.RoleSupervisor), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report reconcile.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.WentOffline)

	status, err := env.store.PresenceStatus(context.Background(), "stale@corp.io")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOffline, status)
}

func TestAPI_PutEmployee(t *testing.T) {
	env := newTestEnv(t)
	boss := token(t, "boss@corp.io", mw.RoleSupervisor)

	w := env.do(t, http.MethodPut, "/api/employees", boss, gin.H{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/api/employees", boss, gin.H{"email": " Jane@Corp.io ", "directoryId": "dir-1", "fullName": "Jane Doe"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	emp, err := env.store.FindEmployeeByDirectoryID(context.Background(), "dir-1")
	require.NoError(t, err)
	assert.Equal(t, "jane@corp.io", emp.Email)
	assert.Equal(t, "Jane Doe", emp.FullName)
}

func TestAPI_Subscriptions(t *testing.T) {
	env := newTestEnv(t)
	env.addEmployee(t, "jane@corp.io", "")
	boss := token(t, "boss@corp.io", mw.RoleSupervisor)
	endpoint := "https://push.example.com/send/abc"

	w := env.do(t, http.MethodPut, "/api/subscriptions", boss, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid request"}`, w.Body.String())

	w = env.do(t, http.MethodPut, "/api/subscriptions", boss, gin.H{
		"endpoint": endpoint, "p256dh": "key", "auth": "secret",
		"subscribed_employees": []string{"Jane@corp.io", "ghost@corp.io"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/subscriptions?endpoint="+endpoint, boss, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"subscribed_employees":["jane@corp.io"]}`, w.Body.String())

	w = env.do(t, http.MethodDelete, "/api/subscriptions", boss, gin.H{"endpoint": endpoint})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/api/subscriptions?endpoint="+endpoint, boss, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/vapid_public_key", boss, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// openStream opens /api/stream on server and returns a function yielding the next event
// name. Cancelling ctx closes the stream.
func openStream(ctx context.Context, t *testing.T, server *httptest.Server, bearer string) func() string {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+bearer)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := make(chan string, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if name, ok := strings.CutPrefix(scanner.Text(), "event:"); ok {
				events <- name
			}
		}
	}()

	return func() string {
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for an event")
			return ""
		}
	}
}

func TestAPI_Stream(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.router)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nextEvent := openStream(ctx, t, server, token(t, "jane@corp.io", mw.RoleEmployee))

	require.Equal(t, "ready", nextEvent())
	assert.True(t, env.hub.IsMember("presence", "jane@corp.io"))
	status, err := env.store.PresenceStatus(context.Background(), "jane@corp.io")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOnline, status)

	// The connect broadcast is queued ahead of the command.
	w := env.do(t, http.MethodPost, "/api/commands", token(t, "boss@corp.io", mw.RoleSupervisor),
		gin.H{"email": "jane@corp.io", "command": "STOP"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	for ev := nextEvent(); ev != dispatch.EventCommand; ev = nextEvent() {
		assert.Equal(t, presence.EventPresence, ev)
	}

	cancel()
	assert.Eventually(t, func() bool {
		st, err := env.store.PresenceStatus(context.Background(), "jane@corp.io")
		return err == nil && st == model.StatusOffline && !env.hub.IsMember("presence", "jane@corp.io")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAPI_SupervisorStreamOnlyWatches(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.router)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nextEvent := openStream(ctx, t, server, token(t, "boss@corp.io", mw.RoleSupervisor))

	require.Equal(t, "ready", nextEvent())
	assert.False(t, env.hub.IsMember("presence", "boss@corp.io"))
	assert.True(t, env.hub.IsMember(env.hub.WatchGroup(), "boss@corp.io"))
	_, err := env.store.GetPresence(context.Background(), "boss@corp.io")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	// Supervisors still see employees come online.
	w := env.do(t, http.MethodPost, "/api/presence/heartbeat", token(t, "jane@corp.io", mw.RoleEmployee), nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, presence.EventPresence, nextEvent())

	w = env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.JSONEq(t, `{"status":"ok","connections":0}`, w.Body.String())

	cancel()
	assert.Eventually(t, func() bool {
		return !env.hub.IsMember(env.hub.WatchGroup(), "boss@corp.io")
	}, 2*time.Second, 20*time.Millisecond)
	_, err = env.store.GetPresence(context.Background(), "boss@corp.io")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestAPI_HeartbeatJoinsRoster(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/presence/heartbeat", token(t, "new@corp.io", mw.RoleEmployee), nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	emp, err := env.store.FindEmployeeByEmail(context.Background(), "new@corp.io")
	require.NoError(t, err)
	assert.Equal(t, "new", emp.FullName)

	// The row is now covered by reconciliation: no live connection means offline.
	w = env.do(t, http.MethodPost, "/api/reconcile", token(t, "boss@corp.io", mw.RoleSupervisor), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report reconcile.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.WentOffline)
}

func TestAPI_ChangedDirectoryIDStopsResolving(t *testing.T) {
	env := newTestEnv(t)
	boss := token(t, "boss@corp.io", mw.RoleSupervisor)

	w := env.do(t, http.MethodPut, "/api/employees", boss, gin.H{"email": "jane@corp.io", "directoryId": "dir-old"})
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodPost, "/api/commands", boss, gin.H{"directoryId": "dir-old", "command": "START"})
	require.Equal(t, http.StatusCreated, w.Code, "first resolution is cached")

	w = env.do(t, http.MethodPut, "/api/employees", boss, gin.H{"email": "jane@corp.io", "directoryId": "dir-new"})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/commands", boss, gin.H{"directoryId": "dir-old", "command": "START"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodPost, "/api/commands", boss, gin.H{"directoryId": "dir-new", "command": "START"})
	assert.Equal(t, http.StatusCreated, w.Code)
}
