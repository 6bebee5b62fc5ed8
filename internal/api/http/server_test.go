package apihttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"minifarm-monitor/internal/actuation"
	devicesmemory "minifarm-monitor/internal/devices/infrastructure/memory"
	"minifarm-monitor/internal/monitor"
	"minifarm-monitor/internal/onem2m"
	resources "minifarm-monitor/internal/resources/domain"
	resourcesmemory "minifarm-monitor/internal/resources/infrastructure/memory"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type fakeSource struct {
	mu      sync.Mutex
	values  map[string]string
	history map[string][]string
}

func (f *fakeSource) StateTag(context.Context, string) (int, bool, error) {
	return 1, true, nil
}

func (f *fakeSource) Latest(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.values[path]
	if !ok {
		return "", onem2m.ErrNoContent
	}
	return value, nil
}

func (f *fakeSource) LatestInstance(ctx context.Context, path string) (onem2m.Instance, error) {
	value, err := f.Latest(ctx, path)
	if err != nil {
		return onem2m.Instance{}, err
	}
	return onem2m.Instance{Content: value}, nil
}

func (f *fakeSource) History(_ context.Context, path string, _ int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.history[path]...), nil
}

type fakeRegistry struct {
	mu          sync.Mutex
	ids         []string
	locations   map[string]string
	provisioned map[string][]string
}

func (f *fakeRegistry) ListDevices(context.Context) ([]string, error) {
	return f.ids, nil
}

func (f *fakeRegistry) Device(_ context.Context, id string) (onem2m.Device, error) {
	location, ok := f.locations[id]
	if !ok {
		return onem2m.Device{}, onem2m.ErrNotFound
	}
	return onem2m.Device{ID: id, Location: location}, nil
}

func (f *fakeRegistry) Provision(_ context.Context, deviceID, segment string, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provisioned == nil {
		f.provisioned = map[string][]string{}
	}
	f.provisioned[deviceID+"/"+segment] = names
	return nil
}

type startingReconciler struct {
	sched *monitor.Scheduler
	tree  resources.Tree
	calls int
}

func (r *startingReconciler) Reconcile(_ context.Context, deviceID string) (resources.Tree, error) {
	r.calls++
	if deviceID == "empty" {
		return resources.Tree{}, resources.ErrNoResources
	}
	return r.tree, r.sched.Start(deviceID, r.tree)
}

func (r *startingReconciler) Resume(_ context.Context, deviceID string) (resources.Tree, error) {
	tree, ok := r.sched.Tree(deviceID)
	if !ok {
		return resources.Tree{}, resources.ErrNoResources
	}
	return tree, r.sched.Resume(deviceID)
}

type scriptedCommander struct{}

func (scriptedCommander) Mode() string { return actuation.ModeMQTT }

func (scriptedCommander) Command(_ context.Context, deviceID, remote, value string) (actuation.Result, error) {
	res := actuation.Result{RequestID: "r-1", DeviceID: deviceID, Remote: remote, Value: value, Mode: actuation.ModeMQTT}
	switch value {
	case "BUSY":
		return actuation.Result{}, actuation.ErrBusy
	case "LATER":
		res.Status = actuation.StatusSent
	default:
		res.Status = actuation.StatusAcked
		res.OK = true
	}
	return res, nil
}

type fakeSamples struct{}

func (fakeSamples) List(_ context.Context, deviceID, remote string, from, _ time.Time) ([]monitor.Sample, error) {
	return []monitor.Sample{{DeviceID: deviceID, Remote: remote, Value: 19.5, At: from}}, nil
}

type testEnv struct {
	handler     http.Handler
	sched       *monitor.Scheduler
	source      *fakeSource
	registry    *fakeRegistry
	reconciler  *startingReconciler
	definitions *resourcesmemory.DefinitionRepository
}

func sampleTree() resources.Tree {
	return resources.Tree{
		Sensors:   []resources.SensorDef{{Canonical: "Temperature", Remote: "Temp", Interval: 30 * time.Second}},
		Actuators: []resources.ActuatorDef{{Canonical: "Fan", Remote: "Fan1"}},
	}
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	source := &fakeSource{
		values:  map[string]string{"farm/Actuators/Fan1": "OFF"},
		history: map[string][]string{"farm/Sensors/Temp": {"20", "abc", "21"}},
	}
	path := func(deviceID, segment, remote string) string { return deviceID + "/" + segment + "/" + remote }
	sched, err := monitor.NewScheduler(source, path, monitor.NewLiveCache(), monitor.NewHistoryManager(monitor.DefaultWindow), monitor.NewAlertBoard(),
		monitor.WithLogger(quietLogger()), monitor.WithActuatorInterval(time.Hour))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	t.Cleanup(sched.StopAll)

	registry := &fakeRegistry{ids: []string{"b-farm", "a-farm"}, locations: map[string]string{"a-farm": "Seoul"}}
	reconciler := &startingReconciler{sched: sched, tree: sampleTree()}
	definitions := resourcesmemory.NewDefinitionRepository()
	tracker := actuation.NewTracker(nil, quietLogger())
	commander := actuation.NewGuard(scriptedCommander{}, sched)

	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	server, err := NewServer(devicesmemory.NewRepository(), registry, reconciler, definitions, sched, commander, tracker, opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	mux := http.NewServeMux()
	server.Routes(mux)
	return &testEnv{handler: mux, sched: sched, source: source, registry: registry, reconciler: reconciler, definitions: definitions}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	resp := httptest.NewRecorder()
	e.handler.ServeHTTP(resp, req)
	return resp
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", resp.Body.String(), err)
	}
	return out
}

func TestDeviceRegistrationLifecycle(t *testing.T) {
	env := newTestEnv(t)

	if resp := env.do(t, http.MethodPost, "/api/v1/devices", `{"device_id":"farm"}`); resp.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", resp.Code, resp.Body.String())
	}
	if resp := env.do(t, http.MethodPost, "/api/v1/devices", `{"device_id":"a/b"}`); resp.Code != http.StatusBadRequest {
		t.Fatalf("invalid id: %d", resp.Code)
	}
	if resp := env.do(t, http.MethodPost, "/api/v1/devices", `{`); resp.Code != http.StatusBadRequest {
		t.Fatalf("invalid json: %d", resp.Code)
	}

	list := decode[[]deviceView](t, env.do(t, http.MethodGet, "/api/v1/devices", ""))
	if len(list) != 1 || list[0].ID != "farm" || list[0].Active {
		t.Fatalf("list = %+v", list)
	}

	env.do(t, http.MethodPost, "/api/v1/devices/farm/reconcile", "")
	if !env.sched.IsActive("farm") {
		t.Fatalf("reconcile did not start monitoring")
	}
	if resp := env.do(t, http.MethodDelete, "/api/v1/devices/farm", ""); resp.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", resp.Code)
	}
	if _, ok := env.sched.Tree("farm"); ok {
		t.Fatalf("delete left the device monitored")
	}
	if resp := env.do(t, http.MethodDelete, "/api/v1/devices/farm", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("second delete: %d", resp.Code)
	}
}

func TestReconcilePauseResume(t *testing.T) {
	env := newTestEnv(t)

	if resp := env.do(t, http.MethodPost, "/api/v1/devices/empty/reconcile", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("reconcile empty: %d", resp.Code)
	}
	if resp := env.do(t, http.MethodGet, "/api/v1/devices/farm/live", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("live before reconcile: %d", resp.Code)
	}

	resp := env.do(t, http.MethodPost, "/api/v1/devices/farm/reconcile", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("reconcile: %d", resp.Code)
	}
	tree := decode[treeView](t, resp)
	if len(tree.Sensors) != 1 || tree.Sensors[0].IntervalMs != 30000 || tree.Actuators[0].Remote != "Fan1" {
		t.Fatalf("tree = %+v", tree)
	}

	live := decode[map[string]any](t, env.do(t, http.MethodGet, "/api/v1/devices/farm/live", ""))
	if live["active"] != true || live["sensor_loops"] != float64(1) || live["actuator_loops"] != float64(1) {
		t.Fatalf("live = %+v", live)
	}

	if resp := env.do(t, http.MethodPost, "/api/v1/devices/farm/pause", ""); resp.Code != http.StatusNoContent {
		t.Fatalf("pause: %d", resp.Code)
	}
	live = decode[map[string]any](t, env.do(t, http.MethodGet, "/api/v1/devices/farm/live", ""))
	if live["active"] != false || live["sensor_loops"] != float64(0) {
		t.Fatalf("live after pause = %+v", live)
	}

	if resp := env.do(t, http.MethodPost, "/api/v1/devices/farm/resume", ""); resp.Code != http.StatusOK {
		t.Fatalf("resume: %d", resp.Code)
	}
	if !env.sched.IsActive("farm") {
		t.Fatalf("resume did not restart loops")
	}
	if resp := env.do(t, http.MethodPost, "/api/v1/devices/ghost/resume", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("resume unknown: %d", resp.Code)
	}
}

func TestHistoryAndBackfill(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/devices/farm/reconcile", "")

	view := decode[historyView](t, env.do(t, http.MethodGet, "/api/v1/devices/farm/history/Temp", ""))
	if len(view.Values) != 0 || view.Capacity != 40 {
		t.Fatalf("history before backfill = %+v", view)
	}

	resp := env.do(t, http.MethodPost, "/api/v1/devices/farm/history/Temp/backfill?points=5", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("backfill: %d %s", resp.Code, resp.Body.String())
	}
	var body struct {
		Values []float64 `json:"values"`
		Stats  struct {
			Mean    float64 `json:"mean"`
			Defined bool    `json:"defined"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Values) != 2 || body.Values[1] != 21 || !body.Stats.Defined || body.Stats.Mean != 20.5 {
		t.Fatalf("backfill body = %+v", body)
	}

	if resp := env.do(t, http.MethodPost, "/api/v1/devices/farm/history/Temp/backfill?points=zero", ""); resp.Code != http.StatusBadRequest {
		t.Fatalf("bad points: %d", resp.Code)
	}
	if resp := env.do(t, http.MethodGet, "/api/v1/devices/farm/history/Fan1", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("actuator history: %d", resp.Code)
	}
}

func TestActuatorCommands(t *testing.T) {
	env := newTestEnv(t)

	if resp := env.do(t, http.MethodPost, "/api/v1/devices/farm/actuators/Fan1", `{"value":"ON"}`); resp.Code != http.StatusNotFound {
		t.Fatalf("unmonitored device: %d", resp.Code)
	}
	env.do(t, http.MethodPost, "/api/v1/devices/farm/reconcile", "")

	cases := []struct {
		remote, body string
		want         int
	}{
		{"Fan1", `{"value":"ON"}`, http.StatusOK},
		{"Fan1", `{"value":"LATER"}`, http.StatusAccepted},
		{"Fan1", `{"value":"BUSY"}`, http.StatusConflict},
		{"Fan1", `{"value":"  "}`, http.StatusBadRequest},
		{"Temp", `{"value":"ON"}`, http.StatusNotFound},
		{"Pump", `{"value":"ON"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		resp := env.do(t, http.MethodPost, "/api/v1/devices/farm/actuators/"+tc.remote, tc.body)
		if resp.Code != tc.want {
			t.Fatalf("%s %s: got %d want %d (%s)", tc.remote, tc.body, resp.Code, tc.want, resp.Body.String())
		}
	}

	resp := env.do(t, http.MethodPost, "/api/v1/devices/farm/actuators/Fan1", `{"value":"ON"}`)
	result := decode[map[string]any](t, resp)
	if result["status"] != actuation.StatusAcked || result["request_id"] != "r-1" {
		t.Fatalf("result = %+v", result)
	}

	list := decode[map[string]any](t, env.do(t, http.MethodGet, "/api/v1/devices/farm/actuations", ""))
	if list["mode"] != actuation.ModeMQTT {
		t.Fatalf("actuations = %+v", list)
	}
	if resp := env.do(t, http.MethodGet, "/api/v1/devices/farm/actuations?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z", ""); resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("ranged actuations without log: %d", resp.Code)
	}
}

func TestAlertEndpoints(t *testing.T) {
	env := newTestEnv(t)

	empty := decode[map[string]any](t, env.do(t, http.MethodGet, "/api/v1/devices/farm/alert", ""))
	if empty["alert"] != nil {
		t.Fatalf("unexpected alert: %+v", empty)
	}

	env.sched.Alerts().Observe("farm", []string{"healthy_basil", "unhealthy_tomato"})
	var body struct {
		Alert *monitor.Alert `json:"alert"`
	}
	if err := json.Unmarshal(env.do(t, http.MethodGet, "/api/v1/devices/farm/alert", "").Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Alert == nil || body.Alert.Species != "tomato" {
		t.Fatalf("alert = %+v", body.Alert)
	}

	first := decode[map[string]bool](t, env.do(t, http.MethodPost, "/api/v1/devices/farm/alert/dismiss", ""))
	second := decode[map[string]bool](t, env.do(t, http.MethodPost, "/api/v1/devices/farm/alert/dismiss", ""))
	if !first["dismissed"] || second["dismissed"] {
		t.Fatalf("dismiss = %v then %v", first, second)
	}
}

func TestDefinitionsFilter(t *testing.T) {
	env := newTestEnv(t)
	if err := env.definitions.Replace(context.Background(), "farm", sampleTree().Definitions("farm")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	all := decode[[]map[string]any](t, env.do(t, http.MethodGet, "/api/v1/devices/farm/definitions", ""))
	if len(all) != 2 {
		t.Fatalf("definitions = %+v", all)
	}
	actuators := decode[[]map[string]any](t, env.do(t, http.MethodGet, "/api/v1/devices/farm/definitions?category=Actuators", ""))
	if len(actuators) != 1 || actuators[0]["remote"] != "Fan1" || actuators[0]["category"] != "actuator" {
		t.Fatalf("actuators = %+v", actuators)
	}
	if resp := env.do(t, http.MethodGet, "/api/v1/devices/farm/definitions?category=cameras", ""); resp.Code != http.StatusBadRequest {
		t.Fatalf("bad category: %d", resp.Code)
	}
}

func TestRegistryDevicesAndProvision(t *testing.T) {
	env := newTestEnv(t)

	list := decode[[]onem2m.Device](t, env.do(t, http.MethodGet, "/api/v1/registry/devices", ""))
	if len(list) != 2 || list[0].ID != "a-farm" || list[0].Location != "Seoul" || list[1].Location != "" {
		t.Fatalf("registry devices = %+v", list)
	}

	if resp := env.do(t, http.MethodPost, "/api/v1/devices/farm/resources", `{"category":"lamps","names":["x"]}`); resp.Code != http.StatusBadRequest {
		t.Fatalf("bad category: %d", resp.Code)
	}
	if resp := env.do(t, http.MethodPost, "/api/v1/devices/farm/resources", `{"category":"actuator","names":[" "]}`); resp.Code != http.StatusBadRequest {
		t.Fatalf("blank names: %d", resp.Code)
	}

	env.do(t, http.MethodPost, "/api/v1/devices/farm/reconcile", "")
	before := env.reconciler.calls
	resp := env.do(t, http.MethodPost, "/api/v1/devices/farm/resources", `{"category":"actuator","names":["Door"," LED "]}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("provision: %d %s", resp.Code, resp.Body.String())
	}
	names := env.registry.provisioned["farm/Actuators"]
	if len(names) != 2 || names[1] != "LED" {
		t.Fatalf("provisioned = %v", env.registry.provisioned)
	}
	if env.reconciler.calls != before+1 {
		t.Fatalf("active device was not reconciled after provisioning")
	}
}

func TestSamplesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	if resp := env.do(t, http.MethodGet, "/api/v1/devices/farm/samples/Temp?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z", ""); resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("without sample log: %d", resp.Code)
	}

	env = newTestEnv(t, WithSampleHistory(fakeSamples{}))
	if resp := env.do(t, http.MethodGet, "/api/v1/devices/farm/samples/Temp?from=2026-01-02T00:00:00Z&to=2026-01-01T00:00:00Z", ""); resp.Code != http.StatusBadRequest {
		t.Fatalf("inverted range: %d", resp.Code)
	}
	resp := env.do(t, http.MethodGet, "/api/v1/devices/farm/samples/Temp?from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z", "")
	samples := decode[[]map[string]any](t, resp)
	if len(samples) != 1 || samples[0]["value"] != 19.5 {
		t.Fatalf("samples = %+v", samples)
	}
}

func TestExports(t *testing.T) {
	env := newTestEnv(t)
	if resp := env.do(t, http.MethodGet, "/api/v1/devices/farm/export.xlsx", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("export unmonitored: %d", resp.Code)
	}
	env.do(t, http.MethodPost, "/api/v1/devices/farm/reconcile", "")

	resp := env.do(t, http.MethodGet, "/api/v1/devices/farm/export.xlsx", "")
	if resp.Code != http.StatusOK || resp.Header().Get("Content-Type") != xlsxContentType {
		t.Fatalf("xlsx: %d %s", resp.Code, resp.Header().Get("Content-Type"))
	}
	if !bytes.HasPrefix(resp.Body.Bytes(), []byte("PK")) {
		t.Fatalf("xlsx body is not a zip archive")
	}

	resp = env.do(t, http.MethodGet, "/api/v1/devices/farm/report.pdf", "")
	if resp.Code != http.StatusOK || !bytes.HasPrefix(resp.Body.Bytes(), []byte("%PDF")) {
		t.Fatalf("pdf: %d", resp.Code)
	}
	if !strings.Contains(resp.Header().Get("Content-Disposition"), "farm.pdf") {
		t.Fatalf("disposition = %s", resp.Header().Get("Content-Disposition"))
	}
}

func TestNewServerRequiresDependencies(t *testing.T) {
	if _, err := NewServer(nil, nil, nil, nil, nil, nil, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestHistoryStream(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/devices/farm/reconcile", "")
	server := httptest.NewServer(env.handler)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v1/devices/farm/history/Temp/stream", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("content type = %s", resp.Header.Get("Content-Type"))
	}

	reader := bufio.NewReader(resp.Body)
	nextData := func() string {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			if strings.HasPrefix(line, "data: ") && strings.Contains(line, "values") {
				return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			}
		}
	}

	var first historyView
	if err := json.Unmarshal([]byte(nextData()), &first); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if len(first.Values) != 0 || first.Remote != "Temp" {
		t.Fatalf("first = %+v", first)
	}

	env.sched.History().Record("farm", "Temp", 25)
	var update historyView
	if err := json.Unmarshal([]byte(nextData()), &update); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if len(update.Values) != 1 || update.Values[0] != 25 {
		t.Fatalf("update = %+v", update)
	}
}
