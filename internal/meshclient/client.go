package meshclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/chatmesh/callsignal/internal/signaling"
)

const (
	dialTimeout     = 10 * time.Second
	clientWriteWait = 5 * time.Second
)

// Handlers are the client's event callbacks. Nil entries are skipped.
// Callbacks run on the read loop goroutine, one at a time, in arrival order.
type Handlers struct {
	OnIncomingCall   func(signaling.IncomingCallPayload)
	OnCallAccepted   func(signaling.CallRespondedPayload)
	OnCallRejected   func(signaling.CallRespondedPayload)
	OnCallCanceled   func(signaling.CallCanceledPayload)
	OnRingingExpired func(signaling.CallCanceledPayload)

	OnUsersInRoom func(signaling.UsersInRoomPayload)
	OnUserJoined  func(signaling.UserJoinedPayload)
	OnUserLeft    func(signaling.UserLeftPayload)

	OnOffer     func(fromID string, sdp webrtc.SessionDescription)
	OnAnswer    func(fromID string, sdp webrtc.SessionDescription)
	OnCandidate func(fromID string, cand webrtc.ICECandidateInit)

	OnMessageReceived func(signaling.MessageReceivedPayload)
	OnTyping          func(signaling.TypingNotifyPayload)
	OnStopTyping      func(signaling.TypingNotifyPayload)

	// OnDisconnect fires once when the read loop exits. The error is nil on
	// clean closure.
	OnDisconnect func(error)
}

// BindController routes the call-mesh events to a Controller, implementing
// the receiving half of the negotiation policy. Other callbacks are left for
// the application.
func (h *Handlers) BindController(ctrl *Controller) {
	h.OnUsersInRoom = func(p signaling.UsersInRoomPayload) {
		ctrl.HandleRoster(p.Users)
	}
	h.OnUserJoined = func(p signaling.UserJoinedPayload) {
		ctrl.HandlePeerJoined(p.UserID, p.Name)
	}
	h.OnUserLeft = func(p signaling.UserLeftPayload) {
		ctrl.HandlePeerLeft(p.UserID)
	}
	h.OnOffer = func(fromID string, sdp webrtc.SessionDescription) {
		if err := ctrl.HandleOffer(fromID, sdp); err != nil {
			ctrl.log.Error("offer handling failed", "peer_id", fromID, "err", err)
		}
	}
	h.OnAnswer = func(fromID string, sdp webrtc.SessionDescription) {
		if err := ctrl.HandleAnswer(fromID, sdp); err != nil {
			ctrl.log.Error("answer handling failed", "peer_id", fromID, "err", err)
		}
	}
	h.OnCandidate = func(fromID string, cand webrtc.ICECandidateInit) {
		if err := ctrl.HandleCandidate(fromID, cand); err != nil {
			ctrl.log.Warn("candidate handling failed", "peer_id", fromID, "err", err)
		}
	}
}

// Client is a connected signaling participant: a websocket session bound to
// a participant identity, with typed send methods for every client event.
type Client struct {
	log           *slog.Logger
	participantID string
	conn          *websocket.Conn
	handlers      Handlers

	send chan signaling.Envelope
	done chan struct{}

	closeOnce sync.Once
}

// Dial connects, binds the participant identity, and waits for the server's
// ack before returning.
func Dial(ctx context.Context, logger *slog.Logger, url, participantID string, handlers Handlers) (*Client, error) {
	if participantID == "" {
		return nil, fmt.Errorf("meshclient: participantID is required")
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &Client{
		log:           logger.With("participant_id", participantID),
		participantID: participantID,
		conn:          conn,
		handlers:      handlers,
		send:          make(chan signaling.Envelope, 16),
		done:          make(chan struct{}),
	}

	if err := c.setup(dialCtx); err != nil {
		conn.Close()
		return nil, err
	}

	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// setup runs the identity handshake synchronously, before the pumps start,
// so a returned Client is already addressable by other participants.
func (c *Client) setup(ctx context.Context) error {
	env, err := envelope(signaling.EventSetup, signaling.SetupPayload{ParticipantID: c.participantID})
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("setup send: %w", err)
	}

	deadline := time.Now().Add(dialTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("setup ack: %w", err)
		}
		got, err := signaling.ParseEnvelope(data)
		if err != nil {
			return fmt.Errorf("setup ack: %w", err)
		}
		if got.Event == signaling.EventConnected {
			_ = c.conn.SetReadDeadline(time.Time{})
			return nil
		}
		// Anything else this early is unexpected but harmless; keep waiting.
	}
}

// ParticipantID returns the identity this session is bound to.
func (c *Client) ParticipantID() string { return c.participantID }

// Close shuts the session down. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(clientWriteWait))
		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}

// JoinCall enters a call room. The roster arrives via OnUsersInRoom.
func (c *Client) JoinCall(roomID, name string) error {
	return c.sendEvent(signaling.EventCallJoin, signaling.CallJoinPayload{RoomID: roomID, UserID: c.participantID, Name: name})
}

// LeaveCall exits a call room; remaining members get user-left.
func (c *Client) LeaveCall(roomID string) error {
	return c.sendEvent(signaling.EventCallLeave, signaling.CallLeavePayload{RoomID: roomID, UserID: c.participantID})
}

// SendOffer, SendAnswer and SendCandidate implement Signaler over the
// websocket session.
func (c *Client) SendOffer(roomID, toID string, sdp webrtc.SessionDescription) error {
	body, err := json.Marshal(sdp)
	if err != nil {
		return err
	}
	return c.sendEvent(signaling.EventCallOffer, signaling.SignalPayload{
		RoomID: roomID, FromUserID: c.participantID, ToUserID: toID, Offer: body,
	})
}

func (c *Client) SendAnswer(roomID, toID string, sdp webrtc.SessionDescription) error {
	body, err := json.Marshal(sdp)
	if err != nil {
		return err
	}
	return c.sendEvent(signaling.EventCallAnswer, signaling.SignalPayload{
		RoomID: roomID, FromUserID: c.participantID, ToUserID: toID, Answer: body,
	})
}

func (c *Client) SendCandidate(roomID, toID string, cand webrtc.ICECandidateInit) error {
	body, err := json.Marshal(cand)
	if err != nil {
		return err
	}
	return c.sendEvent(signaling.EventCallICE, signaling.SignalPayload{
		RoomID: roomID, FromUserID: c.participantID, ToUserID: toID, Candidate: body,
	})
}

// JoinChatRoom subscribes this session to a chat room's broadcasts.
func (c *Client) JoinChatRoom(roomID string) error {
	return c.sendEvent(signaling.EventJoinRoom, signaling.JoinRoomPayload{RoomID: roomID})
}

// Typing and StopTyping broadcast the typing indicator to the chat room.
func (c *Client) Typing(roomID string) error {
	return c.sendEvent(signaling.EventTyping, signaling.TypingPayload{RoomID: roomID})
}

func (c *Client) StopTyping(roomID string) error {
	return c.sendEvent(signaling.EventStopTyping, signaling.TypingPayload{RoomID: roomID})
}

// SendMessage fans a chat message out to the recipients' personal channels.
func (c *Client) SendMessage(recipients []string, message json.RawMessage) error {
	return c.sendEvent(signaling.EventNewMessage, signaling.NewMessagePayload{
		SenderID:   c.participantID,
		Recipients: recipients,
		Message:    message,
	})
}

func (c *Client) sendEvent(event string, data any) error {
	env, err := envelope(event, data)
	if err != nil {
		return err
	}
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return fmt.Errorf("meshclient: session closed")
	}
}

func envelope(event string, data any) (signaling.Envelope, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return signaling.Envelope{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return signaling.Envelope{Event: event, Data: body}, nil
}

func (c *Client) writeLoop() {
	for {
		select {
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readLoop() {
	var loopErr error
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.done:
				default:
					loopErr = err
				}
			}
			break
		}
		env, err := signaling.ParseEnvelope(data)
		if err != nil {
			c.log.Warn("bad envelope from server", "err", err)
			continue
		}
		c.dispatch(env)
	}

	c.Close()
	if c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect(loopErr)
	}
}

func (c *Client) dispatch(env signaling.Envelope) {
	switch env.Event {
	case signaling.EventCallIncoming:
		decodeTo(c, env, c.handlers.OnIncomingCall)
	case signaling.EventCallAccepted:
		decodeTo(c, env, c.handlers.OnCallAccepted)
	case signaling.EventCallRejected:
		decodeTo(c, env, c.handlers.OnCallRejected)
	case signaling.EventCallCanceled:
		decodeTo(c, env, c.handlers.OnCallCanceled)
	case signaling.EventCallRinging:
		decodeTo(c, env, c.handlers.OnRingingExpired)
	case signaling.EventCallUsersIn:
		decodeTo(c, env, c.handlers.OnUsersInRoom)
	case signaling.EventCallUserJoined:
		decodeTo(c, env, c.handlers.OnUserJoined)
	case signaling.EventCallUserLeft:
		decodeTo(c, env, c.handlers.OnUserLeft)
	case signaling.EventCallOffer:
		c.dispatchSignal(env, c.handlers.OnOffer, func(p signaling.ForwardedSignalPayload) json.RawMessage { return p.Offer })
	case signaling.EventCallAnswer:
		c.dispatchSignal(env, c.handlers.OnAnswer, func(p signaling.ForwardedSignalPayload) json.RawMessage { return p.Answer })
	case signaling.EventCallICE:
		c.dispatchCandidate(env)
	case signaling.EventMessageReceived:
		decodeTo(c, env, c.handlers.OnMessageReceived)
	case signaling.EventTyping:
		decodeTo(c, env, c.handlers.OnTyping)
	case signaling.EventStopTyping:
		decodeTo(c, env, c.handlers.OnStopTyping)
	case signaling.EventConnected:
		// Re-acks are possible after a mid-session setup; nothing to do.
	default:
		c.log.Debug("unhandled server event", "event", env.Event)
	}
}

func decodeTo[P any](c *Client, env signaling.Envelope, handler func(P)) {
	if handler == nil {
		return
	}
	var p P
	if err := json.Unmarshal(env.Data, &p); err != nil {
		c.log.Warn("bad payload from server", "event", env.Event, "err", err)
		return
	}
	handler(p)
}

func (c *Client) dispatchSignal(env signaling.Envelope, handler func(string, webrtc.SessionDescription), body func(signaling.ForwardedSignalPayload) json.RawMessage) {
	if handler == nil {
		return
	}
	var p signaling.ForwardedSignalPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		c.log.Warn("bad payload from server", "event", env.Event, "err", err)
		return
	}
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(body(p), &sdp); err != nil {
		c.log.Warn("bad session description", "event", env.Event, "from", p.FromUserID, "err", err)
		return
	}
	handler(p.FromUserID, sdp)
}

func (c *Client) dispatchCandidate(env signaling.Envelope) {
	if c.handlers.OnCandidate == nil {
		return
	}
	var p signaling.ForwardedSignalPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		c.log.Warn("bad payload from server", "event", env.Event, "err", err)
		return
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(p.Candidate, &cand); err != nil {
		c.log.Warn("bad candidate", "from", p.FromUserID, "err", err)
		return
	}
	c.handlers.OnCandidate(p.FromUserID, cand)
}
