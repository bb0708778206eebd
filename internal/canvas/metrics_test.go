package canvas

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestServiceRecordsOutcomeMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	service, _ := newTestService(t, func(cfg *ServiceConfig) { cfg.Meter = provider.Meter("canvas-test") })
	canvasID := mustCreateCanvas(t, service, "canvas-metrics")
	proposed := mustPropose(t, service, canvasID, targetCard("bench", 60), targetCard("row", 50))
	action := mustAction(t, "ADD_INSTRUCTION", "metric-key", "", `{"text":"breathe"}`)
	version := mustApply(t, service, canvasID, proposed.Version, action)
	mustApply(t, service, canvasID, proposed.Version, action)
	if _, err := service.Apply(context.Background(), canvasID, version-1, mustAction(t, "PAUSE", "stale", "", "")); err == nil {
		t.Fatalf("expected stale failure")
	}

	var collected metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &collected); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	totals := map[string]int64{}
	for _, scope := range collected.ScopeMetrics {
		for _, instrument := range scope.Metrics {
			sum, ok := instrument.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, point := range sum.DataPoints {
				totals[instrument.Name] += point.Value
			}
		}
	}
	expected := map[string]int64{
		"canvas.commits.total":        2,
		"canvas.replays.total":        1,
		"canvas.failures.total":       1,
		"canvas.proposed_cards.total": 2,
	}
	for name, want := range expected {
		if totals[name] != want {
			t.Fatalf("metric %s: expected %d, got %d", name, want, totals[name])
		}
	}
}
