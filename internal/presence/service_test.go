package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camwatch-backend/internal/errs"
	"camwatch-backend/internal/hub"
	"camwatch-backend/internal/model"
)

type memStore struct {
	status map[string]model.PresenceStatus
	names  map[string]string
	err    error
}

func (m *memStore) SetStatus(_ context.Context, userID string, status model.PresenceStatus, _ time.Time) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	prev, ok := m.status[userID]
	if !ok {
		prev = model.StatusOffline
	}
	m.status[userID] = status
	return prev != status, nil
}

func (m *memStore) FindEmployeeByEmail(_ context.Context, email string) (*model.Employee, error) {
	if name, ok := m.names[email]; ok {
		return &model.Employee{Email: email, FullName: name}, nil
	}
	return nil, fmt.Errorf("%w: %s", errs.ErrNotFound, email)
}

type recordingNotifier struct {
	emails []string
}

func (r *recordingNotifier) Dispatch(email string, _ []byte) {
	r.emails = append(r.emails, email)
}

func TestService_ConnectAndDisconnect(t *testing.T) {
	ctx := context.Background()
	h := hub.New("presence", 8)
	store := &memStore{status: map[string]model.PresenceStatus{}, names: map[string]string{"jane@corp.io": "Jane Doe"}}
	notifier := &recordingNotifier{}
	svc := NewService(store, h, notifier)

	watcher := h.Watch("boss@corp.io")
	defer h.Disconnect(watcher)

	jane1 := h.Connect("jane@corp.io")
	require.NoError(t, svc.Connected(ctx, "jane@corp.io"))
	assert.Equal(t, model.StatusOnline, store.status["jane@corp.io"])

	select {
	case msg := <-watcher.Messages():
		assert.Equal(t, EventPresence, msg.Event)
		var b Broadcast
		require.NoError(t, json.Unmarshal(msg.Data, &b))
		assert.Equal(t, "presence", b.Type)
		assert.Equal(t, "jane@corp.io", b.User.Email)
		assert.Equal(t, "Jane Doe", b.User.FullName)
		assert.Equal(t, model.StatusOnline, b.User.Status)
		assert.False(t, b.User.LastSeenAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected a presence broadcast")
	}

	// Heartbeats do not re-announce an unchanged status.
	require.NoError(t, svc.Heartbeat(ctx, "jane@corp.io"))
	assert.Len(t, watcher.Messages(), 0)

	jane2 := h.Connect("jane@corp.io")
	h.Disconnect(jane1)
	require.NoError(t, svc.Disconnected(ctx, "jane@corp.io"))
	assert.Equal(t, model.StatusOnline, store.status["jane@corp.io"], "another connection is still live")

	h.Disconnect(jane2)
	require.NoError(t, svc.Disconnected(ctx, "jane@corp.io"))
	assert.Equal(t, model.StatusOffline, store.status["jane@corp.io"])

	assert.Equal(t, []string{"jane@corp.io", "jane@corp.io"}, notifier.emails)
}

func TestService_ApplyWithoutListeners(t *testing.T) {
	h := hub.New("presence", 8)
	store := &memStore{status: map[string]model.PresenceStatus{}}
	svc := NewService(store, h, nil)

	changed, err := svc.Apply(context.Background(), "ghost@corp.io", model.StatusOnline, SourceReconcile)
	require.NoError(t, err)
	assert.True(t, changed)

	store.err = fmt.Errorf("%w: down", errs.ErrStorage)
	_, err = svc.Apply(context.Background(), "ghost@corp.io", model.StatusOffline, SourceReconcile)
	assert.ErrorIs(t, err, errs.ErrStorage)
}
