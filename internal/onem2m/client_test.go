package onem2m

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recordedRequest struct {
	method      string
	path        string
	query       string
	origin      string
	rvi         string
	requestID   string
	contentType string
	body        string
}

type fakeCSE struct {
	mu       sync.Mutex
	requests []recordedRequest
	handle   func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeCSE) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		method:      r.Method,
		path:        r.URL.Path,
		query:       r.URL.RawQuery,
		origin:      r.Header.Get("X-M2M-Origin"),
		rvi:         r.Header.Get("X-M2M-RVI"),
		requestID:   r.Header.Get("X-M2M-RI"),
		contentType: r.Header.Get("Content-Type"),
		body:        string(body),
	})
	f.mu.Unlock()
	f.handle(w, r)
}

func (f *fakeCSE) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestClient(t *testing.T, handle func(w http.ResponseWriter, r *http.Request)) (*Client, *fakeCSE) {
	t.Helper()
	cse := &fakeCSE{handle: handle}
	server := httptest.NewServer(cse)
	t.Cleanup(server.Close)
	client, err := NewClient(server.URL, "TinyIoT")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, cse
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient("", "TinyIoT"); err == nil {
		t.Fatalf("expected error for empty base url")
	}
	if _, err := NewClient("http://localhost", ""); err == nil {
		t.Fatalf("expected error for empty cse")
	}
}

func TestLatestSendsHeadersAndParsesContent(t *testing.T) {
	client, cse := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"m2m:cin":{"con":"23.5","lbl":["a"]}}`))
	})

	value, err := client.Latest(context.Background(), client.ContainerPath("farm-1", "Sensors", "Temperature"))
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if value != "23.5" {
		t.Fatalf("expected 23.5, got %q", value)
	}
	req := cse.last()
	if req.path != "/TinyIoT/farm-1/Sensors/Temperature/la" {
		t.Fatalf("unexpected path %s", req.path)
	}
	if req.origin != "CAdmin" || req.rvi != "2a" {
		t.Fatalf("unexpected headers origin=%q rvi=%q", req.origin, req.rvi)
	}
	if req.requestID == "" {
		t.Fatalf("expected X-M2M-RI header")
	}
}

func TestLatestNumericContent(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"m2m:cin":{"con":41}}`))
	})
	value, err := client.Latest(context.Background(), "TinyIoT/farm-1/Sensors/Soil")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if value != "41" {
		t.Fatalf("expected 41, got %q", value)
	}
}

func TestLatestNotFound(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	if _, err := client.Latest(context.Background(), "TinyIoT/farm-1/Sensors/Soil"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStateTag(t *testing.T) {
	responses := []string{
		`{"m2m:cnt":{"st":7}}`,
		`{"m2m:cnt":{"st":-1}}`,
		`{"m2m:cnt":{}}`,
	}
	var mu sync.Mutex
	idx := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		body := responses[idx]
		idx++
		mu.Unlock()
		_, _ = w.Write([]byte(body))
	})

	st, ok, err := client.StateTag(context.Background(), "TinyIoT/farm-1/Sensors/Soil")
	if err != nil || !ok || st != 7 {
		t.Fatalf("expected st=7 ok, got %d %v %v", st, ok, err)
	}
	for i := 0; i < 2; i++ {
		_, ok, err = client.StateTag(context.Background(), "TinyIoT/farm-1/Sensors/Soil")
		if err != nil || ok {
			t.Fatalf("expected unavailable state tag, got ok=%v err=%v", ok, err)
		}
	}
}

func TestHistoryReturnsOldestFirst(t *testing.T) {
	client, cse := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"m2m:cnt":{"m2m:cin":[{"con":"3"},{"con":"2"},{"con":"1"}]}}`))
	})
	values, err := client.History(context.Background(), "TinyIoT/farm-1/Sensors/Temp", 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if strings.Join(values, ",") != "1,2,3" {
		t.Fatalf("unexpected order %v", values)
	}
	if q := cse.last().query; q != "rcn=4&ty=4&lim=3" {
		t.Fatalf("unexpected query %s", q)
	}
}

func TestHistorySingleObject(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"m2m:cnt":{"m2m:cin":{"con":"9"}}}`))
	})
	values, err := client.History(context.Background(), "TinyIoT/farm-1/Sensors/Temp", 5)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(values) != 1 || values[0] != "9" {
		t.Fatalf("unexpected values %v", values)
	}
}

func TestDiscoverAcceptsArrayAndString(t *testing.T) {
	client, cse := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ty") == "4" {
			_, _ = w.Write([]byte(`{"m2m:uril":["TinyIoT/farm-1/Sensors/Temp/x1"]}`))
			return
		}
		_, _ = w.Write([]byte(`{"m2m:uril":"TinyIoT/farm-1/Sensors/Temp"}`))
	})
	uris, err := client.Discover(context.Background(), "TinyIoT/farm-1/Sensors", TypeContentInstance)
	if err != nil || len(uris) != 1 {
		t.Fatalf("array discover: %v %v", uris, err)
	}
	if q := cse.last().query; q != "fu=1&ty=4" {
		t.Fatalf("unexpected query %s", q)
	}
	uris, err = client.Discover(context.Background(), "TinyIoT/farm-1/Sensors", TypeContainer)
	if err != nil || len(uris) != 1 || uris[0] != "TinyIoT/farm-1/Sensors/Temp" {
		t.Fatalf("string discover: %v %v", uris, err)
	}
}

func TestCreateContentInstanceBody(t *testing.T) {
	client, cse := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	if err := client.CreateContentInstance(context.Background(), "TinyIoT/farm-1/Actuators/fan1", "ON"); err != nil {
		t.Fatalf("create: %v", err)
	}
	req := cse.last()
	if req.method != http.MethodPost || req.contentType != "application/json;ty=4" {
		t.Fatalf("unexpected request %s %s", req.method, req.contentType)
	}
	var body map[string]map[string]string
	if err := json.Unmarshal([]byte(req.body), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["m2m:cin"]["con"] != "ON" {
		t.Fatalf("unexpected body %s", req.body)
	}
}

func TestConflictOnlyToleratedForContainers(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	if err := client.CreateContainer(context.Background(), "TinyIoT/farm-1/Actuators", "fan1"); err != nil {
		t.Fatalf("existing container should be success: %v", err)
	}
	if err := client.CreateContentInstance(context.Background(), "TinyIoT/farm-1/Actuators/fan1", "ON"); err == nil {
		t.Fatalf("conflicting command write reported as sent")
	}
}

func TestCreateFailsOnServerError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	if err := client.CreateContainer(context.Background(), "TinyIoT/farm-1/Sensors", "Temp"); err == nil {
		t.Fatalf("expected error for 500")
	}
}

func TestProvisionCreatesAndSeeds(t *testing.T) {
	client, cse := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	if err := client.Provision(context.Background(), "farm-1", "Actuators", []string{"door", "fan1"}); err != nil {
		t.Fatalf("provision: %v", err)
	}
	cse.mu.Lock()
	defer cse.mu.Unlock()
	if len(cse.requests) != 4 {
		t.Fatalf("expected 4 requests, got %d", len(cse.requests))
	}
	if !strings.Contains(cse.requests[1].body, `"Closed"`) {
		t.Fatalf("door should be seeded Closed, got %s", cse.requests[1].body)
	}
	if !strings.Contains(cse.requests[3].body, `"OFF"`) {
		t.Fatalf("fan should be seeded OFF, got %s", cse.requests[3].body)
	}
}

func TestListDevicesFiltersDirectChildren(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"m2m:uril":["TinyIoT/farm-1","TinyIoT/farm-2","TinyIoT/farm-1/Sensors","TinyIoT/farm-1"]}`))
	})
	ids, err := client.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if strings.Join(ids, ",") != "farm-1,farm-2" {
		t.Fatalf("unexpected devices %v", ids)
	}
}

func TestDeviceLocationLabel(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"m2m:ae":{"rn":"farm-1","lbl":["kind:farm","location: Hall 3"]}}`))
	})
	device, err := client.Device(context.Background(), "farm-1")
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	if device.Location != "Hall 3" {
		t.Fatalf("unexpected location %q", device.Location)
	}
}
