package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Client -> server events.
const (
	EventSetup      = "setup"
	EventJoinRoom   = "join-room"
	EventTyping     = "typing"
	EventStopTyping = "stop-typing"
	EventNewMessage = "new-message"

	EventCallInitiate = "call:initiate"
	EventCallAccept   = "call:accept"
	EventCallReject   = "call:reject"
	EventCallCancel   = "call:cancel"

	EventCallJoin   = "call:join"
	EventCallOffer  = "call:offer"
	EventCallAnswer = "call:answer"
	EventCallICE    = "call:ice"
	EventCallLeave  = "call:leave"
)

// Server -> client events.
const (
	EventConnected       = "connected"
	EventMessageReceived = "message-received"

	EventCallIncoming   = "call:incoming"
	EventCallAccepted   = "call:accepted"
	EventCallRejected   = "call:rejected"
	EventCallCanceled   = "call:canceled"
	EventCallRinging    = "call:ringing-expired"
	EventCallUsersIn    = "call:users-in-room"
	EventCallUserJoined = "call:user-joined"
	EventCallUserLeft   = "call:user-left"
)

// Envelope is the wire frame for every message on the signaling transport:
// a named event plus an event-specific payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes a wire frame, rejecting unknown fields and trailing
// data. Payload decoding happens per event in the handlers.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := decodeStrict(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("envelope missing event")
	}
	return env, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

type SetupPayload struct {
	ParticipantID string `json:"participantId"`
}

func (p SetupPayload) validate() error {
	if p.ParticipantID == "" {
		return fmt.Errorf("setup missing participantId")
	}
	return nil
}

type JoinRoomPayload struct {
	RoomID string `json:"roomId"`
}

func (p JoinRoomPayload) validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("join-room missing roomId")
	}
	return nil
}

// TypingPayload is shared by typing and stop-typing.
type TypingPayload struct {
	RoomID string `json:"roomId"`
}

func (p TypingPayload) validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("typing missing roomId")
	}
	return nil
}

// NewMessagePayload fans a chat message out to each recipient's personal
// channel. The message body is forwarded verbatim.
type NewMessagePayload struct {
	SenderID   string          `json:"senderId"`
	Recipients []string        `json:"recipients"`
	Message    json.RawMessage `json:"message"`
}

func (p NewMessagePayload) validate() error {
	if p.SenderID == "" {
		return fmt.Errorf("new-message missing senderId")
	}
	if len(p.Recipients) == 0 {
		return fmt.Errorf("new-message missing recipients")
	}
	if len(p.Message) == 0 {
		return fmt.Errorf("new-message missing message")
	}
	return nil
}

// InitiatePayload starts ringing. FromUser is forwarded verbatim to each
// recipient; only its "_id" is interpreted, to exclude the initiator from
// the fan-out.
type InitiatePayload struct {
	RoomID     string          `json:"roomId"`
	FromUser   json.RawMessage `json:"fromUser"`
	Recipients []string        `json:"recipients"`
	IsGroup    bool            `json:"isGroup"`
}

func (p InitiatePayload) validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("call:initiate missing roomId")
	}
	if len(p.Recipients) == 0 {
		return fmt.Errorf("call:initiate missing recipients")
	}
	if _, err := p.InitiatorID(); err != nil {
		return err
	}
	return nil
}

// InitiatorID extracts the initiator identity from the opaque FromUser blob.
func (p InitiatePayload) InitiatorID() (string, error) {
	var u struct {
		ID string `json:"_id"`
	}
	if err := json.Unmarshal(p.FromUser, &u); err != nil {
		return "", fmt.Errorf("call:initiate fromUser: %w", err)
	}
	if u.ID == "" {
		return "", fmt.Errorf("call:initiate fromUser missing _id")
	}
	return u.ID, nil
}

// RespondPayload is shared by call:accept and call:reject. FromUserID is the
// initiator to notify; UserID is the responding recipient.
type RespondPayload struct {
	RoomID     string `json:"roomId"`
	FromUserID string `json:"fromUserId"`
	UserID     string `json:"userId"`
}

func (p RespondPayload) validate() error {
	if p.RoomID == "" || p.FromUserID == "" || p.UserID == "" {
		return fmt.Errorf("call response missing roomId/fromUserId/userId")
	}
	return nil
}

type CancelPayload struct {
	RoomID     string   `json:"roomId"`
	FromUserID string   `json:"fromUserId"`
	Recipients []string `json:"recipients"`
}

func (p CancelPayload) validate() error {
	if p.RoomID == "" || p.FromUserID == "" {
		return fmt.Errorf("call:cancel missing roomId/fromUserId")
	}
	if len(p.Recipients) == 0 {
		return fmt.Errorf("call:cancel missing recipients")
	}
	return nil
}

type CallJoinPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}

func (p CallJoinPayload) validate() error {
	if p.RoomID == "" || p.UserID == "" {
		return fmt.Errorf("call:join missing roomId/userId")
	}
	return nil
}

// SignalPayload carries one negotiation message between an addressed pair of
// participants. Exactly one of Offer/Answer/Candidate is set, matching the
// event it arrived under; the body is opaque to the server.
type SignalPayload struct {
	RoomID     string          `json:"roomId"`
	FromUserID string          `json:"fromUserId"`
	ToUserID   string          `json:"toUserId"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
}

func (p SignalPayload) validate(kind SignalKind) error {
	if p.RoomID == "" || p.FromUserID == "" || p.ToUserID == "" {
		return fmt.Errorf("%s missing roomId/fromUserId/toUserId", kind.Event())
	}
	if len(p.body(kind)) == 0 {
		return fmt.Errorf("%s missing %s body", kind.Event(), kind)
	}
	return nil
}

func (p SignalPayload) body(kind SignalKind) json.RawMessage {
	switch kind {
	case SignalOffer:
		return p.Offer
	case SignalAnswer:
		return p.Answer
	case SignalCandidate:
		return p.Candidate
	default:
		return nil
	}
}

type CallLeavePayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

func (p CallLeavePayload) validate() error {
	if p.RoomID == "" || p.UserID == "" {
		return fmt.Errorf("call:leave missing roomId/userId")
	}
	return nil
}

// Outbound payloads.

type ConnectedPayload struct {
	ParticipantID string `json:"participantId"`
}

type MessageReceivedPayload struct {
	SenderID string          `json:"senderId"`
	Message  json.RawMessage `json:"message"`
}

type IncomingCallPayload struct {
	RoomID   string          `json:"roomId"`
	FromUser json.RawMessage `json:"fromUser"`
	IsGroup  bool            `json:"isGroup"`
}

type CallRespondedPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type CallCanceledPayload struct {
	RoomID     string `json:"roomId"`
	FromUserID string `json:"fromUserId"`
}

type UsersInRoomPayload struct {
	Users []string `json:"users"`
}

type UserJoinedPayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}

type UserLeftPayload struct {
	UserID string `json:"userId"`
}

// ForwardedSignalPayload is what the addressed participant receives: the
// sender identity plus the untouched negotiation body.
type ForwardedSignalPayload struct {
	FromUserID string          `json:"fromUserId"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
}

type TypingNotifyPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
}

// marshalData prepares an outbound payload for the envelope's Data field.
// Raw payloads pass through untouched.
func marshalData(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
