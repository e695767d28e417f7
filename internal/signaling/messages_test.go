package signaling

import (
	"encoding/json"
	"testing"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"event":"setup","data":{"participantId":"alice"}}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Event != EventSetup {
		t.Fatalf("event = %q; want setup", env.Event)
	}
	var p SetupPayload
	if err := decodeStrict(env.Data, &p); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if p.ParticipantID != "alice" {
		t.Fatalf("participantId = %q; want alice", p.ParticipantID)
	}
}

func TestParseEnvelopeRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `hello`},
		{"missing event", `{"data":{}}`},
		{"unknown field", `{"event":"setup","extra":1}`},
		{"trailing data", `{"event":"setup"}{"event":"setup"}`},
		{"wrong type", `{"event":42}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseEnvelope([]byte(tc.raw)); err == nil {
				t.Fatalf("ParseEnvelope(%q) succeeded; want error", tc.raw)
			}
		})
	}
}

func TestInitiatePayloadValidate(t *testing.T) {
	valid := InitiatePayload{
		RoomID:     "room-1",
		FromUser:   json.RawMessage(`{"_id":"alice","name":"Alice"}`),
		Recipients: []string{"bob"},
	}
	if err := valid.validate(); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	id, err := valid.InitiatorID()
	if err != nil || id != "alice" {
		t.Fatalf("InitiatorID = %q, %v; want alice", id, err)
	}

	cases := []struct {
		name string
		p    InitiatePayload
	}{
		{"missing room", InitiatePayload{FromUser: valid.FromUser, Recipients: valid.Recipients}},
		{"no recipients", InitiatePayload{RoomID: "r", FromUser: valid.FromUser}},
		{"fromUser not json", InitiatePayload{RoomID: "r", FromUser: json.RawMessage(`x`), Recipients: valid.Recipients}},
		{"fromUser missing _id", InitiatePayload{RoomID: "r", FromUser: json.RawMessage(`{"name":"A"}`), Recipients: valid.Recipients}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.p.validate(); err == nil {
				t.Fatal("validate succeeded; want error")
			}
		})
	}
}

func TestSignalPayloadValidate(t *testing.T) {
	body := json.RawMessage(`{"type":"offer"}`)
	p := SignalPayload{RoomID: "r", FromUserID: "a", ToUserID: "b", Offer: body}
	if err := p.validate(SignalOffer); err != nil {
		t.Fatalf("valid offer rejected: %v", err)
	}
	// The body field must match the event it arrived under.
	if err := p.validate(SignalAnswer); err == nil {
		t.Fatal("offer body accepted for answer event")
	}
	if string(p.body(SignalOffer)) != string(body) {
		t.Fatalf("body = %s; want offer blob", p.body(SignalOffer))
	}

	missing := SignalPayload{RoomID: "r", FromUserID: "a", Offer: body}
	if err := missing.validate(SignalOffer); err == nil {
		t.Fatal("missing toUserId accepted")
	}
}

func TestPayloadValidation(t *testing.T) {
	cases := []struct {
		name    string
		err     bool
		p       interface{ validate() error }
	}{
		{"setup ok", false, SetupPayload{ParticipantID: "a"}},
		{"setup empty", true, SetupPayload{}},
		{"join-room ok", false, JoinRoomPayload{RoomID: "r"}},
		{"join-room empty", true, JoinRoomPayload{}},
		{"typing empty", true, TypingPayload{}},
		{"new-message ok", false, NewMessagePayload{SenderID: "a", Recipients: []string{"b"}, Message: json.RawMessage(`{}`)}},
		{"new-message no recipients", true, NewMessagePayload{SenderID: "a", Message: json.RawMessage(`{}`)}},
		{"new-message no body", true, NewMessagePayload{SenderID: "a", Recipients: []string{"b"}}},
		{"respond ok", false, RespondPayload{RoomID: "r", FromUserID: "a", UserID: "b"}},
		{"respond missing user", true, RespondPayload{RoomID: "r", FromUserID: "a"}},
		{"cancel ok", false, CancelPayload{RoomID: "r", FromUserID: "a", Recipients: []string{"b"}}},
		{"cancel no recipients", true, CancelPayload{RoomID: "r", FromUserID: "a"}},
		{"call:join ok", false, CallJoinPayload{RoomID: "r", UserID: "a"}},
		{"call:join missing user", true, CallJoinPayload{RoomID: "r"}},
		{"call:leave ok", false, CallLeavePayload{RoomID: "r", UserID: "a"}},
		{"call:leave missing room", true, CallLeavePayload{UserID: "a"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.validate()
			if tc.err && err == nil {
				t.Fatal("validate succeeded; want error")
			}
			if !tc.err && err != nil {
				t.Fatalf("validate: %v", err)
			}
		})
	}
}
