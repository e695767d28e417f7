// Package meshclient is the client side of the signaling protocol: a
// websocket client for the server's event surface and a controller that
// maintains one WebRTC peer connection per other participant in a call room
// (a full mesh, no SFU).
package meshclient

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// Signaler delivers negotiation messages to a peer. The websocket Client
// implements it; tests use in-memory routing.
type Signaler interface {
	SendOffer(roomID, toID string, sdp webrtc.SessionDescription) error
	SendAnswer(roomID, toID string, sdp webrtc.SessionDescription) error
	SendCandidate(roomID, toID string, cand webrtc.ICECandidateInit) error
}

type negotiationState int

const (
	linkIdle negotiationState = iota
	linkOfferSent
	linkAnswerSent
	linkConnected
	linkClosed
)

func (s negotiationState) String() string {
	switch s {
	case linkIdle:
		return "idle"
	case linkOfferSent:
		return "offer-sent"
	case linkAnswerSent:
		return "answer-sent"
	case linkConnected:
		return "connected"
	case linkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// peerLink is one leg of the mesh. Remote candidates arriving before the
// remote description are buffered; AddICECandidate rejects them otherwise.
type peerLink struct {
	peerID  string
	pc      *webrtc.PeerConnection
	state   negotiationState
	pending []webrtc.ICECandidateInit
}

// ControllerOptions configure a mesh controller for one call room.
type ControllerOptions struct {
	RoomID string
	SelfID string

	ICEServers []webrtc.ICEServer

	// LoggerFactory is handed to the WebRTC engine. Nil uses pion's default.
	LoggerFactory logging.LoggerFactory

	// ConfigurePeerConnection attaches the application's media tracks or data
	// channels to each new peer connection. When nil, a bare "control" data
	// channel is created instead so offers carry at least one media section.
	ConfigurePeerConnection func(*webrtc.PeerConnection) error
}

// Controller owns the peer connections of one participant in one call room.
//
// Negotiation follows the join-ordering policy: the controller offers only to
// peers listed in the roster it received on join, and answers offers from
// peers that joined later. Exactly one side of every pair initiates, so
// offer glare cannot occur.
type Controller struct {
	log      *slog.Logger
	signaler Signaler
	opts     ControllerOptions
	api      *webrtc.API

	mu     sync.Mutex
	peers  map[string]*peerLink
	closed bool
}

func NewController(logger *slog.Logger, signaler Signaler, opts ControllerOptions) (*Controller, error) {
	if opts.RoomID == "" || opts.SelfID == "" {
		return nil, fmt.Errorf("meshclient: RoomID and SelfID are required")
	}
	if signaler == nil {
		return nil, fmt.Errorf("meshclient: signaler is required")
	}

	se := webrtc.SettingEngine{}
	if opts.LoggerFactory != nil {
		se.LoggerFactory = opts.LoggerFactory
	}

	return &Controller{
		log:      logger.With("room_id", opts.RoomID, "self_id", opts.SelfID),
		signaler: signaler,
		opts:     opts,
		api:      webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		peers:    make(map[string]*peerLink),
	}, nil
}

// HandleRoster initiates negotiation toward every listed peer. Called once
// with the roster returned by joining the room; the joiner is the offerer
// for each of these pairs.
func (c *Controller) HandleRoster(peerIDs []string) {
	for _, peerID := range peerIDs {
		if peerID == c.opts.SelfID {
			continue
		}
		if err := c.offerTo(peerID); err != nil {
			c.log.Error("offer failed", "peer_id", peerID, "err", err)
		}
	}
}

// HandlePeerJoined records that a peer entered the room. Deliberately no
// negotiation: the new peer holds the roster and will send the offer.
func (c *Controller) HandlePeerJoined(peerID, name string) {
	if peerID == c.opts.SelfID {
		return
	}
	c.log.Info("peer joined, awaiting their offer", "peer_id", peerID, "name", name)
}

// HandleOffer answers an incoming offer, creating the link on first contact.
// An offer on an established link is renegotiation and is answered the same
// way.
func (c *Controller) HandleOffer(fromID string, offer webrtc.SessionDescription) error {
	// The signaler is called outside the lock: it may route straight back
	// into another controller in-process.
	answer, err := c.answerLocked(fromID, offer)
	if err != nil {
		return err
	}
	return c.signaler.SendAnswer(c.opts.RoomID, fromID, answer)
}

func (c *Controller) answerLocked(fromID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, fmt.Errorf("meshclient: controller closed")
	}

	link, ok := c.peers[fromID]
	if !ok {
		var err error
		link, err = c.newLinkLocked(fromID)
		if err != nil {
			return webrtc.SessionDescription{}, err
		}
	}

	if err := link.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer from %s: %w", fromID, err)
	}
	c.flushCandidatesLocked(link)

	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer for %s: %w", fromID, err)
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer for %s: %w", fromID, err)
	}
	if link.state != linkConnected {
		link.state = linkAnswerSent
	}
	return answer, nil
}

// HandleAnswer completes an offer this controller sent.
func (c *Controller) HandleAnswer(fromID string, answer webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	link, ok := c.peers[fromID]
	if !ok {
		c.log.Debug("answer from unknown peer dropped", "peer_id", fromID)
		return nil
	}
	if err := link.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer from %s: %w", fromID, err)
	}
	c.flushCandidatesLocked(link)
	return nil
}

// HandleCandidate feeds a trickled remote candidate into the link, buffering
// it when the remote description has not arrived yet.
func (c *Controller) HandleCandidate(fromID string, cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	link, ok := c.peers[fromID]
	if !ok {
		c.log.Debug("candidate from unknown peer dropped", "peer_id", fromID)
		return nil
	}
	if link.pc.RemoteDescription() == nil {
		link.pending = append(link.pending, cand)
		return nil
	}
	if err := link.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add candidate from %s: %w", fromID, err)
	}
	return nil
}

// HandlePeerLeft tears down the link to a departed peer. The rest of the
// mesh is untouched.
func (c *Controller) HandlePeerLeft(peerID string) {
	c.mu.Lock()
	link, ok := c.peers[peerID]
	if ok {
		delete(c.peers, peerID)
	}
	c.mu.Unlock()

	if ok {
		c.log.Info("peer left, closing link", "peer_id", peerID)
		c.closeLink(link)
	}
}

// Peers lists the peers with an open link.
func (c *Controller) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.peers))
	for id := range c.peers {
		out = append(out, id)
	}
	return out
}

// PeerConnection exposes the underlying connection for a peer, for attaching
// handlers or tracks after negotiation started.
func (c *Controller) PeerConnection(peerID string) (*webrtc.PeerConnection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	link, ok := c.peers[peerID]
	if !ok {
		return nil, false
	}
	return link.pc, true
}

// Close tears down every link. The controller is unusable afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	links := make([]*peerLink, 0, len(c.peers))
	for _, link := range c.peers {
		links = append(links, link)
	}
	c.peers = make(map[string]*peerLink)
	c.mu.Unlock()

	for _, link := range links {
		c.closeLink(link)
	}
}

func (c *Controller) offerTo(peerID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("meshclient: controller closed")
	}
	if _, ok := c.peers[peerID]; ok {
		c.mu.Unlock()
		return nil
	}

	link, err := c.newLinkLocked(peerID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("create offer for %s: %w", peerID, err)
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("set local offer for %s: %w", peerID, err)
	}
	link.state = linkOfferSent
	c.mu.Unlock()

	return c.signaler.SendOffer(c.opts.RoomID, peerID, offer)
}

func (c *Controller) newLinkLocked(peerID string) (*peerLink, error) {
	pc, err := c.api.NewPeerConnection(webrtc.Configuration{ICEServers: c.opts.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection for %s: %w", peerID, err)
	}

	if c.opts.ConfigurePeerConnection != nil {
		if err := c.opts.ConfigurePeerConnection(pc); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("configure peer connection for %s: %w", peerID, err)
		}
	} else {
		// The session needs at least one media section to negotiate.
		if _, err := pc.CreateDataChannel("control", nil); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create control channel for %s: %w", peerID, err)
		}
	}

	link := &peerLink{peerID: peerID, pc: pc}
	c.peers[peerID] = link

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if err := c.signaler.SendCandidate(c.opts.RoomID, peerID, cand.ToJSON()); err != nil {
			c.log.Warn("candidate send failed", "peer_id", peerID, "err", err)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			c.markConnected(peerID)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.log.Info("peer connection gone", "peer_id", peerID, "state", state.String())
		}
	})

	return link, nil
}

func (c *Controller) markConnected(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if link, ok := c.peers[peerID]; ok {
		link.state = linkConnected
		c.log.Info("peer connection established", "peer_id", peerID)
	}
}

func (c *Controller) flushCandidatesLocked(link *peerLink) {
	for _, cand := range link.pending {
		if err := link.pc.AddICECandidate(cand); err != nil {
			c.log.Warn("buffered candidate rejected", "peer_id", link.peerID, "err", err)
		}
	}
	link.pending = nil
}

func (c *Controller) closeLink(link *peerLink) {
	link.state = linkClosed
	if err := link.pc.Close(); err != nil {
		c.log.Warn("peer connection close", "peer_id", link.peerID, "err", err)
	}
}
