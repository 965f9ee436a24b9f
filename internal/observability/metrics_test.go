package observability

import (
	"testing"
	"time"

	"github.com/danmuck/kernelctl/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("kernelctl", "GET", "/health", 200, 12*time.Millisecond)
	RecordDispatch("shell", "execute_request", "ok", 5*time.Millisecond)
	RecordDropped("shell", "signature")
	RecordLifecycle("start")
	SetKernels(2)

	if got := testutil.ToFloat64(kernelsRunning); got != 2 {
		t.Fatalf("kernels gauge=%v want 2", got)
	}
	before := testutil.ToFloat64(lifecycle.WithLabelValues("restart"))
	RecordLifecycle("restart")
	if got := testutil.ToFloat64(lifecycle.WithLabelValues("restart")); got != before+1 {
		t.Fatalf("restart counter=%v want %v", got, before+1)
	}
	if n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "kernelctl_kernel_dropped_messages_total"); err != nil || n == 0 {
		t.Fatalf("dropped series missing n=%d err=%v", n, err)
	}
}
