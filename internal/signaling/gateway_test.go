package signaling

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/chatmesh/callsignal/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sent struct {
	event string
	data  any
}

// fakeSender records enqueued events in order.
type fakeSender struct {
	mu     sync.Mutex
	connID string
	reject bool
	events []sent
}

func newFakeSender(connID string) *fakeSender {
	return &fakeSender{connID: connID}
}

func (f *fakeSender) Send(event string, data any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return false
	}
	f.events = append(f.events, sent{event: event, data: data})
	return true
}

func (f *fakeSender) ConnID() string { return f.connID }

func (f *fakeSender) sent() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sent, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeSender) lastEvent(t *testing.T) sent {
	t.Helper()
	evs := f.sent()
	if len(evs) == 0 {
		t.Fatal("no events sent")
	}
	return evs[len(evs)-1]
}

func TestGatewayRegisterResolve(t *testing.T) {
	g := NewGateway(testLogger(), metrics.New())

	if _, ok := g.Resolve("alice"); ok {
		t.Fatal("resolved unregistered participant")
	}

	a := newFakeSender("conn-1")
	g.Register("alice", a)
	got, ok := g.Resolve("alice")
	if !ok || got.ConnID() != "conn-1" {
		t.Fatalf("Resolve = %v, %v; want conn-1, true", got, ok)
	}
}

func TestGatewayRebindLastWriterWins(t *testing.T) {
	g := NewGateway(testLogger(), metrics.New())

	old := newFakeSender("conn-1")
	g.Register("alice", old)
	fresh := newFakeSender("conn-2")
	g.Register("alice", fresh)

	got, _ := g.Resolve("alice")
	if got.ConnID() != "conn-2" {
		t.Fatalf("resolved conn %q; want conn-2", got.ConnID())
	}

	// The stale connection's teardown must not evict the new binding.
	if g.Unregister("alice", "conn-1") {
		t.Fatal("Unregister removed a binding owned by a newer connection")
	}
	if _, ok := g.Resolve("alice"); !ok {
		t.Fatal("binding gone after stale unregister")
	}

	if !g.Unregister("alice", "conn-2") {
		t.Fatal("Unregister failed for current connection")
	}
	if _, ok := g.Resolve("alice"); ok {
		t.Fatal("binding still present after unregister")
	}
}

func TestGatewaySendToOffline(t *testing.T) {
	m := metrics.New()
	g := NewGateway(testLogger(), m)

	if g.SendTo("ghost", EventCallIncoming, nil) {
		t.Fatal("SendTo reported delivery to offline participant")
	}
	dropped := testutil.ToFloat64(m.DroppedTotal.WithLabelValues(metrics.DropReasonOfflineTarget))
	if dropped != 1 {
		t.Fatalf("offline_target drops = %v; want 1", dropped)
	}
}

func TestGatewaySendToDelivers(t *testing.T) {
	g := NewGateway(testLogger(), metrics.New())
	a := newFakeSender("conn-1")
	g.Register("alice", a)

	if !g.SendTo("alice", EventConnected, ConnectedPayload{ParticipantID: "alice"}) {
		t.Fatal("SendTo failed for registered participant")
	}
	if got := a.lastEvent(t); got.event != EventConnected {
		t.Fatalf("event = %q; want %q", got.event, EventConnected)
	}
}
