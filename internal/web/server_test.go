package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bit2swaz/sosmesh/internal/alert"
	"github.com/bit2swaz/sosmesh/internal/metrics"
	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/registry"
	"github.com/bit2swaz/sosmesh/internal/relay"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// MockCoordinator implements the Coordinator interface for testing
type MockCoordinator struct {
	LastLocation protocol.Location
	LastType     protocol.AlertType
	Peers        []registry.Peer
	Alerts       []protocol.Envelope
	LastLimit    int
	Settings     alert.Settings
}

func (m *MockCoordinator) SendEmergencyAlert(_ context.Context, loc protocol.Location, typ protocol.AlertType, message string) (alert.DeliveryOutcome, error) {
	if err := loc.Validate(); err != nil {
		return alert.DeliveryOutcome{}, fmt.Errorf("failed to originate alert: %w", err)
	}
	m.LastLocation, m.LastType = loc, typ
	env := protocol.Envelope{ID: "node:1", Origin: "node", Location: loc, Type: typ, Message: message, TTLHops: 5}
	return alert.DeliveryOutcome{EnvelopeID: env.ID, RelayCount: len(m.Peers), SMSStatus: alert.SMSUnavailable, Alert: env}, nil
}

func (m *MockCoordinator) GetMeshPeers(context.Context) ([]registry.Peer, error) {
	return m.Peers, nil
}

func (m *MockCoordinator) GetNetworkStatus(context.Context) (alert.SystemStatus, error) {
	return alert.SystemStatus{Bluetooth: alert.BluetoothStatus{IsActive: true, ConnectedDevices: len(m.Peers)}}, nil
}

func (m *MockCoordinator) GetSettings(context.Context) (alert.Settings, error) {
	return m.Settings, nil
}

func (m *MockCoordinator) UpdateSettings(_ context.Context, patch alert.SettingsPatch) (alert.Settings, error) {
	next, err := patch.Apply(m.Settings)
	if err != nil {
		return alert.Settings{}, err
	}
	m.Settings = next
	return next, nil
}

func (m *MockCoordinator) RecentAlerts(_ context.Context, limit int) ([]protocol.Envelope, error) {
	m.LastLimit = limit
	return m.Alerts, nil
}

func setupTestServer(t *testing.T) (*mux.Router, *MockCoordinator, *Server) {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics.NewRecorder(reg)
	coord := &MockCoordinator{
		Peers: []registry.Peer{
			{ID: "peer-a", DisplayName: "Alpha", SignalStrength: -50},
			{ID: "peer-b-long-id", SignalStrength: -90},
		},
		Settings: alert.DefaultSettings(),
	}
	server := NewServer(coord, Options{Port: 8080, Self: "TEST_NODE_1", Nick: "Tester", Metrics: metrics.Handler(reg)})
	router, err := server.Router()
	if err != nil {
		t.Fatalf("Failed to build router: %v", err)
	}
	return router, coord, server
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestIndexPage(t *testing.T) {
	router, _, _ := setupTestServer(t)
	w := do(t, router, http.MethodGet, "/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "<title>SOSMesh Node</title>") || !strings.Contains(body, "TEST_NODE_1") {
		t.Errorf("Unexpected index body: %.200s", body)
	}
}

func TestPostAlert(t *testing.T) {
	router, coord, _ := setupTestServer(t)
	w := do(t, router, http.MethodPost, "/api/alerts", map[string]interface{}{
		"latitude":  40.7128,
		"longitude": -74.006,
		"type":      "motion_detected",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var out alert.DeliveryOutcome
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out.EnvelopeID != "node:1" || out.RelayCount != 2 || out.SMSStatus != alert.SMSUnavailable {
		t.Errorf("Unexpected outcome: %+v", out)
	}
	if coord.LastType != protocol.AlertMotionDetected || coord.LastLocation.Lat != 40.7128 {
		t.Errorf("Coordinator got %v %v", coord.LastType, coord.LastLocation)
	}
}

func TestPostAlertRejectsBadInput(t *testing.T) {
	router, _, _ := setupTestServer(t)
	w := do(t, router, http.MethodPost, "/api/alerts", map[string]interface{}{"latitude": 123.0, "longitude": 0})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid location, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/alerts", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestAPIAlerts(t *testing.T) {
	router, coord, _ := setupTestServer(t)
	coord.Alerts = []protocol.Envelope{{ID: "x:1", Origin: "x", Type: protocol.AlertManual, Message: "Hello World"}}

	w := do(t, router, http.MethodGet, "/api/alerts?limit=5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var alerts []protocol.Envelope
	if err := json.NewDecoder(w.Body).Decode(&alerts); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Message != "Hello World" {
		t.Errorf("Unexpected alerts: %+v", alerts)
	}
	if coord.LastLimit != 5 {
		t.Errorf("Expected limit 5, got %d", coord.LastLimit)
	}

	if w := do(t, router, http.MethodGet, "/api/alerts?limit=abc", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", w.Code)
	}
}

func TestAPIPeersAndStatus(t *testing.T) {
	router, _, _ := setupTestServer(t)

	w := do(t, router, http.MethodGet, "/api/peers", nil)
	var peers []map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&peers); err != nil {
		t.Fatalf("Failed to decode peers: %v", err)
	}
	if len(peers) != 2 || peers[0]["deviceName"] != "Alpha" {
		t.Errorf("Unexpected peers: %v", peers)
	}

	w = do(t, router, http.MethodGet, "/api/status", nil)
	var status map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if status["nodeId"] != "TEST_NODE_1" {
		t.Errorf("Expected nodeId in status, got %v", status)
	}
	bt, ok := status["bluetooth"].(map[string]interface{})
	if !ok || bt["connectedDevices"] != float64(2) {
		t.Errorf("Unexpected bluetooth status: %v", status["bluetooth"])
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	router, _, _ := setupTestServer(t)

	radius := 2000
	w := do(t, router, http.MethodPut, "/api/settings", alert.SettingsPatch{AlertRadiusMeters: &radius})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, router, http.MethodGet, "/api/settings", nil)
	var s alert.Settings
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatalf("Failed to decode settings: %v", err)
	}
	if s.AlertRadiusMeters != 2000 {
		t.Errorf("Expected radius 2000, got %d", s.AlertRadiusMeters)
	}

	bad := -1
	if w := do(t, router, http.MethodPut, "/api/settings", alert.SettingsPatch{AlertRadiusMeters: &bad}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid radius, got %d", w.Code)
	}
}

func TestGraph(t *testing.T) {
	router, _, _ := setupTestServer(t)
	w := do(t, router, http.MethodGet, "/api/graph", nil)
	var graph struct {
		Nodes []struct {
			ID    string `json:"id"`
			Label string `json:"label"`
			Color string `json:"color"`
		} `json:"nodes"`
		Links []struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"links"`
	}
	if err := json.NewDecoder(w.Body).Decode(&graph); err != nil {
		t.Fatalf("Failed to decode graph: %v", err)
	}
	if len(graph.Nodes) != 3 || len(graph.Links) != 2 {
		t.Fatalf("Expected 3 nodes and 2 links, got %+v", graph)
	}
	if graph.Nodes[0].Label != "ME" || graph.Links[0].From != "TEST_NODE_1" {
		t.Errorf("Expected self first, got %+v", graph)
	}
	if graph.Nodes[2].Label != "peer-b-l" || graph.Nodes[2].Color != "#AA8800" {
		t.Errorf("Unexpected weak peer node: %+v", graph.Nodes[2])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router, _, _ := setupTestServer(t)
	w := do(t, router, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "sosmesh_") {
		t.Error("Expected sosmesh metrics in output")
	}
}

func TestAlertStream(t *testing.T) {
	router, _, server := setupTestServer(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial stream: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for server.Stream().Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	server.Stream().Broadcast(relay.Alert{
		Envelope: protocol.Envelope{ID: "p1:7", Origin: "p1", Type: protocol.AlertManual, HopCount: 1},
		From:     "p1",
	})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var ev StreamEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("Failed to read stream event: %v", err)
	}
	if ev.Type != "alert" || ev.Alert.ID != "p1:7" || ev.From != "p1" {
		t.Errorf("Unexpected stream event: %+v", ev)
	}
}
