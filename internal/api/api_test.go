package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattvenn/chamber-controller/internal/controlloop"
	"github.com/mattvenn/chamber-controller/internal/fan"
	"github.com/mattvenn/chamber-controller/internal/history"
	"github.com/mattvenn/chamber-controller/internal/model"
	"github.com/mattvenn/chamber-controller/internal/sensor"
	"github.com/mattvenn/chamber-controller/internal/settings"
)

type fakeDiscoverer struct {
	calls int
}

func (f *fakeDiscoverer) Discover(ctx context.Context) error {
	f.calls++
	return nil
}

type noopActs struct{}

func (noopActs) Reconcile(ctx context.Context) {}
func (noopActs) Shutdown(ctx context.Context)  {}

func newTestServer(t *testing.T) (*Server, *settings.Store, *fakeDiscoverer) {
	t.Helper()

	store, err := settings.New(filepath.Join(t.TempDir(), "settings.json"), time.Second)
	require.NoError(t, err)

	hist, err := history.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	loop := controlloop.New(controlloop.Options{
		Store:     store,
		Source:    sensor.NewSimulator(1),
		Actuators: noopActs{},
		FanDriver: fan.NewNullDriver(),
		History:   hist,
	})

	disc := &fakeDiscoverer{}
	return NewServer(loop, store, hist, disc), store, disc
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestGetStatus(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st controlloop.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, "colonisation", st.CurrentPhase)
	assert.False(t, st.Running)
}

func TestPutPhase(t *testing.T) {
	s, store, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPut, "/api/phase", `{"phase":"fruiting"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	doc, err := store.Load(true)
	require.NoError(t, err)
	assert.Equal(t, "fruiting", doc.Environment.CurrentPhase)
}

func TestPutPhaseUnknown(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPut, "/api/phase", `{"phase":"harvest"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPutSetpoint(t *testing.T) {
	s, store, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPut, "/api/setpoint",
		`{"phase":"fruiting","field":"co2_setpoint","value":650}`)
	require.Equal(t, http.StatusOK, rec.Code)

	p, err := store.PhaseSettings("fruiting")
	require.NoError(t, err)
	assert.Equal(t, 650.0, p.CO2Setpoint)
}

func TestPutSetpointBadField(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPut, "/api/setpoint",
		`{"phase":"fruiting","field":"volume","value":11}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutFanManual(t *testing.T) {
	s, store, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPut, "/api/fan", `{"manual":true,"speed":42}`)
	require.Equal(t, http.StatusOK, rec.Code)

	doc, err := store.Load(true)
	require.NoError(t, err)
	assert.True(t, doc.Fan.ManualControl)
	assert.Equal(t, 42.0, doc.Fan.Speed)
}

func TestGetDevices(t *testing.T) {
	s, store, _ := newTestServer(t)

	doc, err := store.Load(true)
	require.NoError(t, err)
	doc.AvailableDevices = []model.DeviceRecord{
		{Name: "heater", IP: "10.0.0.9", Role: model.RoleHeater},
	}
	require.NoError(t, store.Save(doc))

	rec := doRequest(t, s, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var devices []model.DeviceRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&devices))
	require.Len(t, devices, 1)
	assert.Equal(t, model.RoleHeater, devices[0].Role)
}

func TestPostDiscover(t *testing.T) {
	s, _, disc := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/devices/discover", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, disc.calls)
}

func TestGetHistory(t *testing.T) {
	s, _, _ := newTestServer(t)

	require.NoError(t, s.hist.Insert(history.Entry{
		Timestamp: time.Now(), CO2: 812, Phase: "fruiting",
	}))

	rec := doRequest(t, s, http.MethodGet, "/api/history?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []history.Entry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, 812.0, entries[0].CO2)
}

func TestGetHistoryBadLimit(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/history?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodOptions, "/api/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
