package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwatch/adwatchd/orchestrator"
	"github.com/adwatch/adwatchd/refresh"
	"github.com/adwatch/adwatchd/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	lastMessage orchestrator.Message
	response    orchestrator.Response
}

func (f *fakeHandler) HandleMessage(_ context.Context, msg orchestrator.Message) orchestrator.Response {
	f.lastMessage = msg
	return f.response
}

func setupServer(t *testing.T) (*fakeHandler, *server.Hub, http.Handler) {
	t.Helper()

	handler := &fakeHandler{response: orchestrator.Response{Handled: true}}
	hub := server.NewHub()
	statusFunc := func(_ context.Context) (server.StatusSnapshot, error) {
		return server.StatusSnapshot{
			AuthStatus: "authenticated",
			Refresh:    refresh.Status{LastRunCount: 7},
		}, nil
	}

	srv, err := server.NewServer(handler, statusFunc, hub, zerolog.Nop())
	require.NoError(t, err)
	return handler, hub, srv.Routes()
}

func TestHandleMessage_DispatchesToRouter(t *testing.T) {
	handler, _, routes := setupServer(t)

	body := strings.NewReader(`{"type":"RESCHEDULE_ALARM","minutes":45}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/message", body)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, orchestrator.MsgRescheduleAlarm, handler.lastMessage.Type)
	require.NotNil(t, handler.lastMessage.Minutes)
	require.Equal(t, 45, *handler.lastMessage.Minutes)

	var resp orchestrator.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Handled)
}

func TestHandleMessage_InvalidBody(t *testing.T) {
	_, _, routes := setupServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/message", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStatus(t *testing.T) {
	_, _, routes := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var snapshot server.StatusSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	require.Equal(t, "authenticated", snapshot.AuthStatus)
	require.Equal(t, 7, snapshot.Refresh.LastRunCount)
}

func TestHandleEvents_StreamsBroadcasts(t *testing.T) {
	_, hub, routes := setupServer(t)

	ts := httptest.NewServer(routes)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Wait for the subscription before broadcasting.
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Broadcast(orchestrator.NewEvent(orchestrator.EventAuthStateChanged, orchestrator.AuthStatePayload{Status: orchestrator.AuthLoggedIn}))

	reader := bufio.NewReader(resp.Body)
	deadline := time.After(5 * time.Second)
	lines := make(chan string, 8)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			lines <- line
		}
	}()

	var sawEvent, sawData bool
	for !(sawEvent && sawData) {
		select {
		case line := <-lines:
			if strings.HasPrefix(line, "event: ") {
				require.Contains(t, line, string(orchestrator.EventAuthStateChanged))
				sawEvent = true
			}
			if strings.HasPrefix(line, "data: ") {
				require.Contains(t, line, orchestrator.AuthLoggedIn)
				sawData = true
			}
		case <-deadline:
			t.Fatal("never received the broadcast event")
		}
	}
}

func TestHub_DropsSlowSubscribers(t *testing.T) {
	hub := server.NewHub()
	events, cancel := hub.Subscribe()
	defer cancel()

	// Overflow the buffer; broadcasts must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			hub.Broadcast(orchestrator.NewEvent(orchestrator.EventRefreshStatusChanged, nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}
	require.NotEmpty(t, events)
}

func TestHub_CancelUnsubscribes(t *testing.T) {
	hub := server.NewHub()
	_, cancel := hub.Subscribe()
	require.Equal(t, 1, hub.SubscriberCount())

	cancel()
	cancel() // idempotent
	require.Zero(t, hub.SubscriberCount())
}
