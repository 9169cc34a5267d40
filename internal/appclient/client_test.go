package appclient

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/alarmsync/internal/api"
)

func TestListAlarmsSendsFilter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/alarms", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "false", r.URL.Query().Get("enabled"))
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-02T08:00:00Z","alarms":[{"id":"a1","owner_id":"u1","kind":"normal","priority":"medium","enabled":false,"title":"Standup","schedule":{"time":"09:00","days":["mon"]},"created_at":"2026-03-01T08:00:00Z","updated_at":"2026-03-01T08:00:00Z"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	disabled := false
	resp, err := NewWithClient(srv.URL, srv.Client()).ListAlarms(context.Background(), &disabled)
	require.NoError(t, err)
	require.Len(t, resp.Alarms, 1)
	assert.Equal(t, "a1", resp.Alarms[0].ID)
	require.NotNil(t, resp.Alarms[0].Schedule)
	assert.Equal(t, []string{"mon"}, resp.Alarms[0].Schedule.Days)
}

func TestRequestErrorCarriesEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/alarms", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-02T08:00:00Z","error":{"code":"E_UNAUTHENTICATED","message":"create alarm: permission: unauthenticated"}}`)
	})
	mux.HandleFunc("/v1/reconcile/sweep", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "upstream down")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := NewWithClient(srv.URL, srv.Client())

	_, err := client.CreateAlarm(context.Background(), api.AlarmRequest{Kind: "normal"})
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "E_UNAUTHENTICATED", reqErr.Code)
	assert.False(t, reqErr.Retryable())
	assert.Equal(t, "E_UNAUTHENTICATED: create alarm: permission: unauthenticated", err.Error())

	_, err = client.Sweep(context.Background())
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "HTTP_503", reqErr.Code)
	assert.True(t, reqErr.Retryable())
}

func TestExportCalendarNoContent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/alarms.ics", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	body, err := NewWithClient(srv.URL, srv.Client()).ExportCalendar(context.Background())
	require.NoError(t, err)
	assert.Nil(t, body)
}

func TestSnoozeEscapesKey(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/triggers/{key}/snooze", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "a1@mon", r.PathValue("key"))
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-02T08:00:00Z","outcome":{"alarm_id":"a1","action":"snooze"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := NewWithClient(srv.URL, srv.Client()).Snooze(context.Background(), "a1@mon")
	require.NoError(t, err)
	assert.Equal(t, "snooze", resp.Outcome.Action)
}

var upgrader = websocket.Upgrader{}

func frameServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func closeNormally(conn *websocket.Conn) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_, _, _ = conn.ReadMessage()
}

func TestWatchReadsFramesUntilClose(t *testing.T) {
	srv := frameServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(api.WatchEvent{SchemaVersion: "v1", Sequence: 1, Type: "hello"})
		_ = conn.WriteJSON(api.WatchEvent{SchemaVersion: "v1", Sequence: 2, Type: "batch", Batch: &api.BatchDTO{Seq: 1}})
		closeNormally(conn)
	})

	var got []api.WatchEvent
	err := NewWithClient(srv.URL, srv.Client()).Watch(context.Background(), func(ev api.WatchEvent) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[0].Type)
	require.NotNil(t, got[1].Batch)
	assert.Equal(t, int64(1), got[1].Batch.Seq)
}

func TestWatchRejectsInvalidFrames(t *testing.T) {
	srv := frameServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		closeNormally(conn)
	})
	err := NewWithClient(srv.URL, srv.Client()).Watch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrWatchPayloadInvalid)
}

func TestWatchLoopRetriesAfterServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck
		_ = conn.WriteJSON(api.WatchEvent{SchemaVersion: "v1", Sequence: 1, Type: "hello"})
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	errDone := errors.New("done")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := NewWithClient(srv.URL, srv.Client()).WatchLoop(ctx, WatchLoopOptions{RetryMinBackoff: 10 * time.Millisecond}, func(ev api.WatchEvent) error {
		assert.Equal(t, "hello", ev.Type)
		return errDone
	})
	assert.ErrorIs(t, err, errDone)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWatchLoopStopsOnClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewWithClient(srv.URL, srv.Client()).WatchLoop(context.Background(), WatchLoopOptions{}, nil)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusForbidden, reqErr.StatusCode)
}

func TestNewDialsUnixSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "alarmd.sock")
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-02T08:00:00Z","status":"ok","platform":"ios","auth_status":"guest"}`)
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: time.Second}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	resp, err := New(socketPath).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ios", resp.Platform)
	assert.Equal(t, "guest", resp.AuthStatus)
}
