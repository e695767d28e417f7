package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountersAndGauges(t *testing.T) {
	m := New()

	m.ConnectionsCurrent.Inc()
	m.ConnectionsCurrent.Inc()
	m.ConnectionsCurrent.Dec()
	m.EventsTotal.WithLabelValues("call:join").Inc()
	m.DroppedTotal.WithLabelValues(DropReasonOfflineTarget).Add(3)

	if got := testutil.ToFloat64(m.ConnectionsCurrent); got != 1 {
		t.Errorf("connections=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EventsTotal.WithLabelValues("call:join")); got != 1 {
		t.Errorf("events=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DroppedTotal.WithLabelValues(DropReasonOfflineTarget)); got != 3 {
		t.Errorf("dropped=%v, want 3", got)
	}
}

func TestMetrics_HandlerExposesNamespace(t *testing.T) {
	m := New()
	m.RoomsCurrent.Set(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status=%d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "callsignal_rooms_current 2") {
		t.Fatalf("exposition missing rooms gauge:\n%s", body)
	}
}

func TestMetrics_InstancesAreIsolated(t *testing.T) {
	a := New()
	b := New()

	a.EventsTotal.WithLabelValues("setup").Inc()

	if got := testutil.ToFloat64(b.EventsTotal.WithLabelValues("setup")); got != 0 {
		t.Fatalf("second instance saw %v increments", got)
	}
}
