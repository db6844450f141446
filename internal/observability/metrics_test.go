package observability

import (
	"testing"
	"time"

	logs "github.com/danmuck/sortctl/internal/logging"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("sorter-a", "GET", "/cages", 200, 12*time.Millisecond)
	RecordDeliveryAttempt(AttemptOK)
	RecordDelivery(true, 8*time.Millisecond)
	RecordAllocation("Cage 1", "male", false)
	SetSorterRunning(true)
	SetSorterRunning(false)
	RecordFault("delivery_failed")

	logs.Logf("observability/metrics: registration idempotent and recording paths executed")
}

func TestCountersAdvance(t *testing.T) {
	before := testutil.ToFloat64(reconnects)
	RecordReconnect()
	RecordReconnect()
	if got := testutil.ToFloat64(reconnects) - before; got != 2 {
		t.Fatalf("unexpected reconnect delta: %v", got)
	}

	SetCageCounts("Cage 7", 3, 4, 6000, 14000)
	if got := testutil.ToFloat64(cageCounts.WithLabelValues("Cage 7", "female")); got != 4 {
		t.Fatalf("unexpected female gauge: %v", got)
	}
	if got := testutil.ToFloat64(cageRequired.WithLabelValues("Cage 7", "male")); got != 6000 {
		t.Fatalf("unexpected required gauge: %v", got)
	}
}
