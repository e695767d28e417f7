package signaling

import (
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/chatmesh/callsignal/internal/metrics"
)

func TestRelayForward(t *testing.T) {
	m := metrics.New()
	reg := NewRegistry(testLogger(), m)
	relay := NewRelay(testLogger(), m, reg)

	alice, aliceConn := member("alice", "conn-a")
	bob, bobConn := member("bob", "conn-b")
	reg.Join("room-1", alice)
	reg.Join("room-1", bob)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0..."}`)
	relay.Forward("room-1", "alice", "bob", SignalOffer, offer)

	got := bobConn.lastEvent(t)
	if got.event != EventCallOffer {
		t.Fatalf("bob got %q; want %q", got.event, EventCallOffer)
	}
	p := got.data.(ForwardedSignalPayload)
	if p.FromUserID != "alice" {
		t.Fatalf("fromUserId = %q; want alice", p.FromUserID)
	}
	if string(p.Offer) != string(offer) {
		t.Fatalf("offer body = %s; want verbatim", p.Offer)
	}
	if len(p.Answer) != 0 || len(p.Candidate) != 0 {
		t.Fatalf("unexpected extra fields in %+v", p)
	}

	answer := json.RawMessage(`{"type":"answer","sdp":"v=0..."}`)
	relay.Forward("room-1", "bob", "alice", SignalAnswer, answer)
	if got := aliceConn.lastEvent(t); got.event != EventCallAnswer {
		t.Fatalf("alice got %q; want %q", got.event, EventCallAnswer)
	}

	cand := json.RawMessage(`{"candidate":"candidate:0 1 UDP ..."}`)
	relay.Forward("room-1", "bob", "alice", SignalCandidate, cand)
	got = aliceConn.lastEvent(t)
	if got.event != EventCallICE {
		t.Fatalf("alice got %q; want %q", got.event, EventCallICE)
	}
	if p := got.data.(ForwardedSignalPayload); string(p.Candidate) != string(cand) {
		t.Fatalf("candidate body = %s; want verbatim", p.Candidate)
	}
}

func TestRelayDropsAbsentTarget(t *testing.T) {
	m := metrics.New()
	reg := NewRegistry(testLogger(), m)
	relay := NewRelay(testLogger(), m, reg)

	alice, aliceConn := member("alice", "conn-a")
	reg.Join("room-1", alice)

	// Target never joined, target left, and room gone entirely: all three are
	// the same expected race and drop silently.
	relay.Forward("room-1", "alice", "ghost", SignalOffer, json.RawMessage(`{}`))
	relay.Forward("room-9", "alice", "bob", SignalOffer, json.RawMessage(`{}`))

	if got := testutil.ToFloat64(m.DroppedTotal.WithLabelValues(metrics.DropReasonAbsentMember)); got != 2 {
		t.Fatalf("absent_member drops = %v; want 2", got)
	}
	if got := aliceConn.sent(); len(got) != 0 {
		t.Fatalf("sender received %v; want nothing", got)
	}
}

func TestSignalKindEvent(t *testing.T) {
	cases := map[SignalKind]string{
		SignalOffer:     EventCallOffer,
		SignalAnswer:    EventCallAnswer,
		SignalCandidate: EventCallICE,
	}
	for kind, want := range cases {
		if got := kind.Event(); got != want {
			t.Errorf("%s.Event() = %q; want %q", kind, got, want)
		}
	}
}
