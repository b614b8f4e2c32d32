package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scripthost/internal/client"
	"scripthost/internal/event"
	"scripthost/internal/reload"
	"scripthost/internal/runtime/supervisor"
	logx "scripthost/pkg/logx"
)

type mockHost struct {
	mu       sync.Mutex
	posted   []event.Event
	calls    []string
	closed   bool
	startErr error
}

func (m *mockHost) ID() string   { return "id-1" }
func (m *mockHost) Name() string { return "mud" }
func (m *mockHost) Slots() []client.Snapshot {
	return []client.Snapshot{{ID: 2, State: "running", Script: "main", Started: time.Unix(10, 0)}}
}
func (m *mockHost) ReloadData(id uint64) (*reload.Data, bool) {
	if id != 2 {
		return nil, false
	}
	d := reload.New()
	d.Set("count", "4")
	return d, true
}
func (m *mockHost) Post(ev event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posted = append(m.posted, ev)
	return nil
}
func (m *mockHost) record(name string) {
	m.mu.Lock()
	m.calls = append(m.calls, name)
	m.mu.Unlock()
}
func (m *mockHost) Restart() error     { m.record("restart"); return nil }
func (m *mockHost) StopClient() error  { m.record("stop"); return nil }
func (m *mockHost) StartClient() error { m.record("start"); return m.startErr }
func (m *mockHost) StartClientWith(d *reload.Data) error {
	m.record("start:" + d.GetOr("count", ""))
	return m.startErr
}
func (m *mockHost) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

type mockTasks struct{}

func (mockTasks) Snapshot() []supervisor.Stat {
	return []supervisor.Stat{{Name: "dispatcher", Running: true, Runs: 1}}
}

func newTestServer(h *mockHost) http.Handler {
	return New("127.0.0.1:0", h, mockTasks{}, logx.Nop()).Routes()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSlotsAndHealthz(t *testing.T) {
	t.Parallel()
	h := newTestServer(&mockHost{})

	rec := do(t, h, http.MethodGet, "/slots", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var slots []client.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &slots))
	require.Len(t, slots, 1)
	assert.Equal(t, uint64(2), slots[0].ID)
	assert.Equal(t, "running", slots[0].State)

	rec = do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "running", health["client"])
	assert.Equal(t, "id-1", health["profile_id"])

	rec = do(t, h, http.MethodGet, "/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"dispatcher"`)
}

func TestSlotReloadData(t *testing.T) {
	t.Parallel()
	h := newTestServer(&mockHost{})

	tests := []struct {
		path string
		code int
	}{
		{"/slots/2/reload", http.StatusOK},
		{"/slots/9/reload", http.StatusNotFound},
		{"/slots/two/reload", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodGet, tt.path, "")
		assert.Equal(t, tt.code, rec.Code, tt.path)
	}

	rec := do(t, h, http.MethodGet, "/slots/2/reload", "")
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	d, err := reload.Unmarshal(rec.Body.String())
	require.NoError(t, err)
	assert.Equal(t, "4", d.GetOr("count", ""))
}

func TestClientControls(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want string
	}{
		{"/client/restart", "restart"},
		{"/client/stop", "stop"},
		{"/client/start", "start"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.want, func(t *testing.T) {
			t.Parallel()
			m := &mockHost{}
			rec := do(t, newTestServer(m), http.MethodPost, tc.path, "")
			assert.Equal(t, http.StatusAccepted, rec.Code)
			assert.Equal(t, []string{tc.want}, m.calls)
		})
	}
}

func TestStartWithReloadData(t *testing.T) {
	t.Parallel()

	m := &mockHost{}
	h := newTestServer(m)
	rec := do(t, h, http.MethodGet, "/slots/2/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/client/start", rec.Body.String()+"\n")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"start:4"}, m.calls)

	rec = do(t, h, http.MethodPost, "/client/start", "garbage")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, m.calls, 1)
}

func TestControlErrorIsConflict(t *testing.T) {
	t.Parallel()
	m := &mockHost{startErr: errors.New("profile closed")}

	rec := do(t, newTestServer(m), http.MethodPost, "/client/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "profile closed")
}

func TestCommand(t *testing.T) {
	t.Parallel()
	m := &mockHost{}
	h := newTestServer(m)

	rec := do(t, h, http.MethodPost, "/command", `{"text":"look"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []event.Event{event.Command{Text: "look"}}, m.posted)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/command", `{"text":" "}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/command", `not json`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/command", "").Code)
}

func TestCloseAndMetrics(t *testing.T) {
	t.Parallel()
	m := &mockHost{}
	h := newTestServer(m)

	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/close", "").Code)
	assert.True(t, m.closed)

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
