package meshclient

import (
	"encoding/json"
	"fmt"

	"github.com/chatmesh/callsignal/internal/signaling"
)

// CallerInfo is the caller identity shown to ringing recipients. It is
// forwarded verbatim; only ID is interpreted by the server.
type CallerInfo struct {
	ID     string `json:"_id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Call rings the recipients for a call in the given room. Responses arrive
// via OnCallAccepted and OnCallRejected, per recipient.
func (c *Client) Call(roomID string, info CallerInfo, recipients []string, isGroup bool) error {
	if info.ID == "" {
		info.ID = c.participantID
	}
	if info.ID != c.participantID {
		return fmt.Errorf("meshclient: caller id %q does not match session %q", info.ID, c.participantID)
	}
	fromUser, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return c.sendEvent(signaling.EventCallInitiate, signaling.InitiatePayload{
		RoomID:     roomID,
		FromUser:   fromUser,
		Recipients: recipients,
		IsGroup:    isGroup,
	})
}

// AcceptCall answers an incoming ring. Joining the call room is a separate
// step, taken after the initiator has been notified.
func (c *Client) AcceptCall(roomID, initiatorID string) error {
	return c.sendEvent(signaling.EventCallAccept, signaling.RespondPayload{
		RoomID:     roomID,
		FromUserID: initiatorID,
		UserID:     c.participantID,
	})
}

// RejectCall declines an incoming ring.
func (c *Client) RejectCall(roomID, initiatorID string) error {
	return c.sendEvent(signaling.EventCallReject, signaling.RespondPayload{
		RoomID:     roomID,
		FromUserID: initiatorID,
		UserID:     c.participantID,
	})
}

// CancelCall retracts a ring this client initiated, toward every recipient.
func (c *Client) CancelCall(roomID string, recipients []string) error {
	return c.sendEvent(signaling.EventCallCancel, signaling.CancelPayload{
		RoomID:     roomID,
		FromUserID: c.participantID,
		Recipients: recipients,
	})
}
