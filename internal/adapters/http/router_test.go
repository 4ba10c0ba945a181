package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/dmeet/internal/app"
	"github.com/dkeye/dmeet/internal/app/media"
	"github.com/dkeye/dmeet/internal/app/orch"
	"github.com/dkeye/dmeet/internal/app/sfu"
	"github.com/dkeye/dmeet/internal/config"
	"github.com/dkeye/dmeet/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	mu       sync.Mutex
	snap     *app.Snapshot
	updates  chan *app.Snapshot
	enabled  map[domain.MediaKind]bool
	switched []string
	hungUp   bool
}

func newFakeController() *fakeController {
	return &fakeController{
		snap: &app.Snapshot{
			Version:  3,
			LocalUID: "me",
			Participants: []domain.Participant{
				{UID: "bob", Name: "Bob"},
				{UID: "eve", Name: "Eve", NoPublish: true},
			},
			Media: map[string]domain.MediaState{"bob": {Audio: true}},
			Count: 4,
		},
		updates: make(chan *app.Snapshot, 1),
		enabled: map[domain.MediaKind]bool{domain.KindAudio: true},
	}
}

func (f *fakeController) Info() orch.Info {
	return orch.Info{State: orch.StateActive, SID: "room1", UID: "me", Invite: "https://app/join/room1", Count: 4}
}

func (f *fakeController) Snapshot() *app.Snapshot { return f.snap }

func (f *fakeController) Subscribe() (<-chan *app.Snapshot, func(), error) {
	f.updates <- f.snap
	return f.updates, func() {}, nil
}

func (f *fakeController) Devices() ([]domain.Device, error) {
	return []domain.Device{{ID: "mic", Kind: domain.KindAudio, Label: "Mic"}}, nil
}

func (f *fakeController) Stats() []sfu.StreamStats {
	return []sfu.StreamStats{{StreamID: "s-bob", Kind: domain.KindAudio, Packets: 7}}
}

func (f *fakeController) Toggle(_ context.Context, kind domain.MediaKind) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.enabled[kind]; !ok {
		return false, media.ErrNoTrack
	}
	f.enabled[kind] = !f.enabled[kind]
	return f.enabled[kind], nil
}

func (f *fakeController) SwitchDevice(_ context.Context, _ domain.MediaKind, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switched = append(f.switched, id)
	return nil
}

func (f *fakeController) Hangup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hungUp = true
}

func testConfig() *config.Config {
	return &config.Config{
		Mode:    "release",
		Control: config.Control{Port: 1, RateLimit: 3, RateInterval: time.Minute},
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return doFrom(t, h, "", method, path, body)
}

func doFrom(t *testing.T, h http.Handler, origin, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	req.AddCookie(&http.Cookie{Name: clientTokenCookie, Value: "client-1"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSessionInfo(t *testing.T) {
	r := SetupRouter(context.Background(), testConfig(), newFakeController())
	w := do(t, r, http.MethodGet, "/api/session", "")
	require.Equal(t, http.StatusOK, w.Code)

	var info map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	require.Equal(t, "active", info["state"])
	require.Equal(t, "https://app/join/room1", info["invite"])
}

func TestClientTokenCookieIssued(t *testing.T) {
	r := SetupRouter(context.Background(), testConfig(), newFakeController())
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var found bool
	for _, c := range w.Result().Cookies() {
		if c.Name == clientTokenCookie && c.Value != "" {
			found = true
		}
	}
	require.True(t, found)
}

func TestParticipantsHidesViewers(t *testing.T) {
	r := SetupRouter(context.Background(), testConfig(), newFakeController())
	w := do(t, r, http.MethodGet, "/api/participants", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp ParticipantsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Participants, 1)
	require.Equal(t, "bob", resp.Participants[0].UID)
	require.Equal(t, 4, resp.Count)
	require.True(t, resp.Media["bob"].Audio)
}

func TestToggleAndErrors(t *testing.T) {
	r := SetupRouter(context.Background(), testConfig(), newFakeController())

	w := do(t, r, http.MethodPost, "/api/media/audio/toggle", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp ToggleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.False(t, resp.Enabled)

	require.Equal(t, http.StatusNotFound, do(t, r, http.MethodPost, "/api/media/video/toggle", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/api/media/screen/toggle", "").Code)
}

func TestSwitchDevice(t *testing.T) {
	ctl := newFakeController()
	r := SetupRouter(context.Background(), testConfig(), ctl)

	require.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/api/media/video/device", `{}`).Code)
	require.Equal(t, http.StatusNoContent, do(t, r, http.MethodPost, "/api/media/video/device", `{"deviceId":"cam2"}`).Code)
	require.Equal(t, []string{"cam2"}, ctl.switched)
}

func TestMutatingRoutesAreRateLimited(t *testing.T) {
	ctl := newFakeController()
	r := SetupRouter(context.Background(), testConfig(), ctl)

	for range 3 {
		require.Equal(t, http.StatusAccepted, do(t, r, http.MethodPost, "/api/hangup", "").Code)
	}
	require.Equal(t, http.StatusTooManyRequests, do(t, r, http.MethodPost, "/api/hangup", "").Code)
	require.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/api/session", "").Code)
	require.True(t, ctl.hungUp)
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(100, 0)
	rl := NewRateLimiter(2, time.Second)
	rl.now = func() time.Time { return now }

	require.True(t, rl.Allow("a"))
	require.True(t, rl.Allow("a"))
	require.False(t, rl.Allow("a"))
	require.True(t, rl.Allow("b"))

	now = now.Add(1500 * time.Millisecond)
	require.True(t, rl.Allow("a"))
}

func TestDevicesAndStats(t *testing.T) {
	r := SetupRouter(context.Background(), testConfig(), newFakeController())
	w := do(t, r, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"deviceId":"mic"`)

	w = do(t, r, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"packets":7`)
}

func TestEventsPushSnapshots(t *testing.T) {
	ctl := newFakeController()
	srv := httptest.NewServer(SetupRouter(context.Background(), testConfig(), ctl))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws/events", nil)
	require.NoError(t, err)
	defer ws.Close()

	var first ParticipantsResponse
	require.NoError(t, ws.ReadJSON(&first))
	require.EqualValues(t, 3, first.Version)

	next := *ctl.snap
	next.Version = 4
	ctl.updates <- &next
	var second ParticipantsResponse
	require.NoError(t, ws.ReadJSON(&second))
	require.EqualValues(t, 4, second.Version)

	close(ctl.updates)
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
}

func TestForeignOriginRejected(t *testing.T) {
	ctl := newFakeController()
	r := SetupRouter(context.Background(), testConfig(), ctl)

	require.Equal(t, http.StatusForbidden, doFrom(t, r, "https://evil.example", http.MethodPost, "/api/hangup", "").Code)
	require.Equal(t, http.StatusForbidden, doFrom(t, r, "http://localhost.evil.example", http.MethodGet, "/api/participants", "").Code)
	require.False(t, ctl.hungUp)

	for _, origin := range []string{"http://localhost:3000", "http://127.0.0.1:8080", "http://[::1]:5173"} {
		require.Equal(t, http.StatusOK, doFrom(t, r, origin, http.MethodGet, "/api/session", "").Code, origin)
	}
	require.Equal(t, http.StatusAccepted, doFrom(t, r, "http://localhost:3000", http.MethodPost, "/api/hangup", "").Code)
	require.True(t, ctl.hungUp)
}

func TestEventsRejectForeignOrigin(t *testing.T) {
	srv := httptest.NewServer(SetupRouter(context.Background(), testConfig(), newFakeController()))
	defer srv.Close()

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws/events", header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}
