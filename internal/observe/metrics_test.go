package observe

import (
	"context"
	"slices"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumValue returns the point of the sum name whose attributes include every
// key=value pair in labels, or -1.
func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name string, labels ...string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is a %T, not a sum", name, met.Data)
	}
points:
	for _, dp := range sum.DataPoints {
		for i := 0; i+1 < len(labels); i += 2 {
			v, ok := dp.Attributes.Value(attribute.Key(labels[i]))
			if !ok || v.AsString() != labels[i+1] {
				continue points
			}
		}
		return dp.Value
	}
	return -1
}

func TestMetrics_Counters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordUpload(ctx, UploadAccepted)
	m.RecordUpload(ctx, UploadAccepted)
	m.RecordUpload(ctx, UploadDuplicate)
	for range 3 {
		m.RecordChunk(ctx, ChunkSilence)
	}
	m.RecordChunk(ctx, ChunkSpeech)
	m.RecordAction(ctx, "check_in", "ok")
	m.RecordAction(ctx, "check_in", "error")
	m.RecordTurnPersisted(ctx, "speech", "error")
	m.RecordProviderRequest(ctx, "openai", "llm", "ok")
	m.RecordProviderRequest(ctx, "openai", "llm", "ok")
	m.RecordProviderRequest(ctx, "whisper", "stt", "error")
	m.RecordProviderError(ctx, "whisper", "stt")
	m.RecordBreakerChange(ctx, "whisper", "open")

	rm := collect(t, reader)
	tests := []struct {
		metric string
		labels []string
		want   int64
	}{
		{"cadence.uploads", []string{"status", UploadAccepted}, 2},
		{"cadence.uploads", []string{"status", UploadDuplicate}, 1},
		{"cadence.uploads", []string{"status", UploadDropped}, -1},
		{"cadence.chunks", []string{"class", ChunkSilence}, 3},
		{"cadence.chunks", []string{"class", ChunkSpeech}, 1},
		{"cadence.turn.actions", []string{"action", "check_in", "status", "error"}, 1},
		{"cadence.turns.persisted", []string{"kind", "speech", "status", "error"}, 1},
		{"cadence.provider.requests", []string{"provider", "openai", "status", "ok"}, 2},
		{"cadence.provider.requests", []string{"kind", "stt", "status", "error"}, 1},
		{"cadence.provider.errors", []string{"provider", "whisper", "kind", "stt"}, 1},
		{"cadence.provider.breaker.changes", []string{"provider", "whisper", "state", "open"}, 1},
	}
	for _, tc := range tests {
		if got := sumValue(t, rm, tc.metric, tc.labels...); got != tc.want {
			t.Errorf("%s%v = %d, want %d", tc.metric, tc.labels, got, tc.want)
		}
	}
}

func TestMetrics_Gauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 2)
	m.ActiveSessions.Add(ctx, -1)
	m.QueuedUploads.Add(ctx, 3)
	m.InFlightActions.Add(ctx, 4)
	m.InFlightActions.Add(ctx, -4)

	rm := collect(t, reader)
	for name, want := range map[string]int64{
		"cadence.active_sessions":  1,
		"cadence.queued_uploads":   3,
		"cadence.inflight_actions": 0,
	} {
		if got := sumValue(t, rm, name); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}

func TestMetrics_StageLatencies(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	Since(ctx, m.STTDuration, time.Now().Add(-40*time.Millisecond), Attr("provider", "whisper"))
	m.LLMDuration.Record(ctx, 1.2)
	m.HTTPRequestDuration.Record(ctx, 0.01)

	rm := collect(t, reader)
	stt := findMetric(rm, "cadence.stt.duration").Data.(metricdata.Histogram[float64])
	dp := stt.DataPoints[0]
	if dp.Count != 1 || dp.Sum < 0.04 {
		t.Errorf("stt point count %d sum %g, want one sample of at least 40ms", dp.Count, dp.Sum)
	}
	if v, _ := dp.Attributes.Value("provider"); v.AsString() != "whisper" {
		t.Errorf("provider label = %q", v.AsString())
	}
	if !slices.Equal(dp.Bounds, latencyBuckets) {
		t.Errorf("stage bounds = %v, want latencyBuckets", dp.Bounds)
	}

	if findMetric(rm, "cadence.llm.duration") == nil {
		t.Error("llm histogram missing")
	}
	if met := findMetric(rm, "cadence.http.request.duration"); met == nil || met.Unit != "s" {
		t.Errorf("http histogram = %+v, want unit s", met)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
