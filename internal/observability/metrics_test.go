package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/danmuck/keyless/internal/protocol"
	"github.com/danmuck/keyless/internal/protocol/session"
	"github.com/danmuck/keyless/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("keyserver-a", "GET", "/health", 200, 12*time.Millisecond)
	done := ConnectionOpened("keyserver-a", "server")
	if got := testutil.ToFloat64(connectionsActive.WithLabelValues("keyserver-a", "server")); got != 1 {
		t.Fatalf("expected one active connection, got %v", got)
	}
	done()
	if got := testutil.ToFloat64(connectionsActive.WithLabelValues("keyserver-a", "server")); got != 0 {
		t.Fatalf("expected gauge back at zero, got %v", got)
	}
}

func TestRecorderCountsSessionEvents(t *testing.T) {
	testlog.Start(t)
	rec := NewRecorder("proxy-test")
	rec.RequestSubmitted(protocol.OpPing)
	rec.RequestSubmitted(protocol.OpPing)
	rec.RequestResolved(protocol.OpPing, session.ResultOK, time.Millisecond)
	rec.LateResponse()
	rec.RequestServed(protocol.OpRSASignSHA256, 0, time.Millisecond)
	rec.RequestServed(protocol.OpRSASignSHA256, protocol.CodeKeyNotFound, time.Millisecond)
	rec.ConnectionClosed(session.RoleClient, nil)

	if got := testutil.ToFloat64(clientSubmitted.WithLabelValues("proxy-test", "ping")); got != 2 {
		t.Fatalf("submitted got=%v", got)
	}
	if got := testutil.ToFloat64(clientLate.WithLabelValues("proxy-test")); got != 1 {
		t.Fatalf("late got=%v", got)
	}
	if got := testutil.ToFloat64(connectionsClosed.WithLabelValues("proxy-test", "client")); got != 1 {
		t.Fatalf("closed got=%v", got)
	}
	if n := testutil.CollectAndCount(serverServed); n < 2 {
		t.Fatalf("expected ok and key_not_found series, got %d", n)
	}
}
