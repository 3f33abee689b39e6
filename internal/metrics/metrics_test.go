package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

func freshRegistry(t *testing.T) {
	t.Helper()
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	t.Cleanup(func() { Registry = oldRegistry })

	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func findFamily(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestInitMetrics(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("server", "test-peer")
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	tests := []struct {
		name   string
		metric interface{}
	}{
		{"MessagesReceived", m.MessagesReceived},
		{"MessagesSent", m.MessagesSent},
		{"MessagesDropped", m.MessagesDropped},
		{"ChunksApplied", m.ChunksApplied},
		{"ChunksDuplicate", m.ChunksDuplicate},
		{"TransfersCompleted", m.TransfersCompleted},
		{"TransfersFailed", m.TransfersFailed},
		{"TransfersPruned", m.TransfersPruned},
		{"InflightTransfers", m.InflightTransfers},
		{"BytesStored", m.BytesStored},
		{"FetchRequestsSent", m.FetchRequestsSent},
		{"FetchRequestsThrottled", m.FetchRequestsThrottled},
		{"WaitersNotified", m.WaitersNotified},
	}

	for _, tt := range tests {
		if tt.metric == nil {
			t.Errorf("%s is nil", tt.name)
		}
	}
}

func TestMetricsCounterIncrement(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("client", "test-peer")
	m.ChunksApplied.Add(5)

	mf := findFamily(t, "photosync_chunks_applied_total")
	if mf == nil {
		t.Fatal("photosync_chunks_applied_total not found in gathered metrics")
	}
	if val := mf.GetMetric()[0].GetCounter().GetValue(); val != 5 {
		t.Errorf("Expected ChunksApplied=5, got %f", val)
	}
}

func TestMetricsLabels(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("server", "test-peer")
	m.TransfersFailed.WithLabelValues(DirectionUpload, "signature").Inc()
	m.TransfersFailed.WithLabelValues(DirectionUpload, "io").Inc()

	mf := findFamily(t, "photosync_transfers_failed_total")
	if mf == nil {
		t.Fatal("photosync_transfers_failed_total not found")
	}
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("Expected 2 transfers_failed series, got %d", len(mf.GetMetric()))
	}
	for _, metric := range mf.GetMetric() {
		labels := make(map[string]string)
		for _, l := range metric.GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		if labels["role"] != "server" || labels["peer"] != "test-peer" {
			t.Errorf("Unexpected const labels: %v", labels)
		}
		if labels["direction"] != DirectionUpload {
			t.Errorf("Expected direction=upload, got %s", labels["direction"])
		}
	}
}

func TestDiscard_DoesNotTouchRegistry(t *testing.T) {
	freshRegistry(t)

	m := Discard("client")
	m.ChunksApplied.Inc()

	if findFamily(t, "photosync_chunks_applied_total") != nil {
		t.Error("Discard metrics leaked into the package registry")
	}

	// A second discard set must not collide with the first.
	_ = Discard("client")
}
