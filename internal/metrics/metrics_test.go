package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if sessionsCreatedTotal == nil || poolSessions == nil ||
		renderJobsTotal == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveRender(t *testing.T) {
	ObserveRender("shot", "ok", 120*time.Millisecond)
	ObserveRender("shot", "selector_not_found", 10*time.Millisecond)
	ObserveRender("shot", "ok", 80*time.Millisecond)

	if val := testutil.ToFloat64(renderJobsTotal.WithLabelValues("shot", "ok")); val != 2 {
		t.Errorf("Expected 2 successful shot jobs, got %f", val)
	}
	if val := testutil.CollectAndCount(renderDurationSeconds); val != 1 {
		t.Errorf("Expected one duration series, got %d", val)
	}
}

func TestPoolGauges(t *testing.T) {
	SetPoolSessions(map[string]int{"idle": 2, "working": 1})
	SetPoolSessions(map[string]int{"idle": 1, "working": 2})

	if val := testutil.ToFloat64(poolSessions.WithLabelValues("working")); val != 2 {
		t.Errorf("Expected working gauge 2, got %f", val)
	}

	before := testutil.ToFloat64(poolExhaustedTotal)
	ObservePoolExhausted()
	if val := testutil.ToFloat64(poolExhaustedTotal); val != before+1 {
		t.Errorf("Expected exhausted counter to increase by one, got %f", val-before)
	}
}

func TestObserveOutputIgnoresEmpty(t *testing.T) {
	ObserveOutput("image/png", 0)
	ObserveOutput("image/png", 512)

	if val := testutil.ToFloat64(renderOutputBytesTotal.WithLabelValues("image/png")); val != 512 {
		t.Errorf("Expected 512 output bytes, got %f", val)
	}
}
