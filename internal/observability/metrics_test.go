package observability

import (
	"testing"
	"time"

	"github.com/danmuck/kbcast/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("agent-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordDatagram("agent-a", "in", "applied", 512)
	RecordDatagram("agent-a", "in", "dropped", 0)
	RecordUpdates("agent-a", 3, 1)
	RecordRebroadcast("agent-a", 2)
	RecordFragmentEvictions("agent-a", 1)
	RecordProcess("agent-a", time.Millisecond)
	RecordReliableRound("big.value", "resend")
}

func TestRecordUpdatesCountsOutcomes(t *testing.T) {
	testlog.Start(t)

	before := testutil.ToFloat64(updates.WithLabelValues("agent-count", "stale"))
	RecordUpdates("agent-count", 0, 2)
	RecordUpdates("agent-count", 5, 0)
	if got := testutil.ToFloat64(updates.WithLabelValues("agent-count", "stale")); got != before+2 {
		t.Fatalf("stale counter=%v want %v", got, before+2)
	}
	if got := testutil.ToFloat64(updates.WithLabelValues("agent-count", "applied")); got < 5 {
		t.Fatalf("applied counter=%v", got)
	}
}
