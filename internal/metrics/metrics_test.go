package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRecorderExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)
	r.ObserveOriginated()
	r.ObserveFrame("duplicate")
	r.ObserveRelay("terminal")
	r.ObserveSend(false)
	r.ObserveEvictions("peer", 2)
	r.SetMeshState(3, 10, 1)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		"sosmesh_alerts_originated_total 1",
		`sosmesh_frames_received_total{outcome="duplicate"} 1`,
		`sosmesh_relays_total{result="terminal"} 1`,
		`sosmesh_peer_sends_total{result="unreachable"} 1`,
		`sosmesh_evictions_total{kind="peer"} 2`,
		"sosmesh_active_peers 3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in metrics output", want)
		}
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.ObserveOriginated()
	r.ObserveFrame("new")
	r.ObserveRelay("sent")
	r.ObserveSend(true)
	r.ObserveRetry()
	r.ObserveEvictions("envelope", 1)
	r.ObserveSMS("sent")
	r.SetMeshState(1, 1, 1)
}
