package webrtc

import (
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/xr-streaming-server/internal/downmsg"
	"github.com/dj-oyu/xr-streaming-server/internal/events"
	"github.com/dj-oyu/xr-streaming-server/internal/logger"
)

type eventKind int

const (
	evClientConnected eventKind = iota
	evAnswer
	evRemoteCandidate
	evLocalCandidate
	evPeerState
	evDataChannel
	evDataMessage
	evClientDisconnected
)

var eventNames = [...]string{
	evClientConnected:    "client-connected",
	evAnswer:             "answer",
	evRemoteCandidate:    "remote-candidate",
	evLocalCandidate:     "local-candidate",
	evPeerState:          "peer-state",
	evDataChannel:        "data-channel",
	evDataMessage:        "data-message",
	evClientDisconnected: "client-disconnected",
}

func (k eventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

type event struct {
	kind      eventKind
	clientID  string
	client    *Client // evClientConnected only
	sdp       string
	candidate *webrtc.ICECandidateInit
	state     webrtc.PeerConnectionState
	channel   *webrtc.DataChannel
	data      []byte
}

type eventHandler func(s *Server, ev event, c *Client)

// eventHandlers is the dispatch table of the event loop. Handlers other
// than onClientConnected receive the registered client, or are skipped
// when it is already gone.
var eventHandlers = map[eventKind]eventHandler{
	evClientConnected:    (*Server).onClientConnected,
	evAnswer:             (*Server).onAnswer,
	evRemoteCandidate:    (*Server).onRemoteCandidate,
	evLocalCandidate:     (*Server).onLocalCandidate,
	evPeerState:          (*Server).onPeerState,
	evDataChannel:        (*Server).onDataChannel,
	evDataMessage:        (*Server).onDataMessage,
	evClientDisconnected: (*Server).onClientDisconnected,
}

// post hands an event to the loop. It gives up once the server is closed.
func (s *Server) post(ev event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Server) run() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.dispatch(ev)
		}
	}
}

func (s *Server) dispatch(ev event) {
	handle, ok := eventHandlers[ev.kind]
	if !ok {
		logger.Warn("WebRTC", "No handler for event %d", ev.kind)
		return
	}

	c := ev.client
	if ev.kind != evClientConnected {
		s.clientsMu.RLock()
		c = s.clients[ev.clientID]
		s.clientsMu.RUnlock()
		if c == nil {
			logger.Debug("WebRTC", "Dropping %s for unknown client %s", ev.kind, ev.clientID)
			return
		}
	}
	handle(s, ev, c)
}

func (s *Server) onClientConnected(_ event, c *Client) {
	s.clientsMu.Lock()
	s.clients[c.id] = c
	s.clientsMu.Unlock()

	s.metrics.ActiveClients.Add(1)
	s.metrics.TotalClients.Add(1)
	go s.sendPackets(c)

	if c.ws != nil && !s.sendOffer(c) {
		return
	}
	logger.Info("WebRTC", "Client %s connected", c.id)
	s.publish(events.TypeClient, ClientEvent{ID: c.id, State: "connected", Clients: s.GetClientCount()})
}

func (s *Server) onAnswer(ev event, c *Client) {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: ev.sdp}
	if err := c.peerConn.SetRemoteDescription(answer); err != nil {
		logger.Warn("WebRTC", "Client %s: failed to set answer: %v", c.id, err)
		s.removeClient(c)
	}
}

func (s *Server) onRemoteCandidate(ev event, c *Client) {
	if err := c.peerConn.AddICECandidate(*ev.candidate); err != nil {
		logger.Warn("WebRTC", "Client %s: failed to add candidate: %v", c.id, err)
	}
}

func (s *Server) onLocalCandidate(ev event, c *Client) {
	if c.ws == nil {
		return
	}
	s.sendSignal(c, signalMessage{
		Msg:           msgCandidate,
		Candidate:     ev.candidate.Candidate,
		SDPMid:        ev.candidate.SDPMid,
		SDPMLineIndex: ev.candidate.SDPMLineIndex,
	})
}

func (s *Server) onPeerState(ev event, c *Client) {
	logger.Debug("WebRTC", "Client %s connection state: %s", c.id, ev.state)

	switch ev.state {
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		logger.Info("WebRTC", "Client %s connection lost (Peer: %s), removing...", c.id, ev.state)
		s.removeClient(c)
	}
}

func (s *Server) onDataChannel(ev event, c *Client) {
	logger.Info("WebRTC", "Client %s opened data channel %q", c.id, ev.channel.Label())
	s.watchDataChannel(c.id, ev.channel)
}

func (s *Server) onDataMessage(ev event, c *Client) {
	msg, err := downmsg.DecodeUp(ev.data)
	if err != nil {
		s.metrics.TrackingInvalid.Add(1)
		logger.Debug("WebRTC", "Client %s sent invalid Up-Message: %v", c.id, err)
		return
	}
	s.metrics.TrackingReceived.Add(1)

	te := TrackingEvent{ClientID: c.id, ID: msg.ID}
	if msg.Tracking != nil {
		te.Views = len(msg.Tracking.Views)
		te.DisplayTimeNS = msg.Tracking.DisplayTimeNS
	}
	s.publish(events.TypeTracking, te)

	// latest wins
	select {
	case s.tracking <- msg:
	default:
		select {
		case <-s.tracking:
		default:
		}
		select {
		case s.tracking <- msg:
		default:
		}
	}
}

func (s *Server) onClientDisconnected(_ event, c *Client) {
	s.removeClient(c)
}

// removeClient unregisters c. The teardown itself runs off the loop since
// closing the peer connection fires further callbacks.
func (s *Server) removeClient(c *Client) {
	s.clientsMu.Lock()
	_, exists := s.clients[c.id]
	delete(s.clients, c.id)
	s.clientsMu.Unlock()

	if !exists {
		go c.close()
		return
	}

	s.unreserve()
	s.metrics.ActiveClients.Add(^uint64(0))
	go c.close()

	logger.Info("WebRTC", "Client %s disconnected (sent: %d, dropped: %d)",
		c.id, c.framesSent.Load(), c.framesDropped.Load())
	s.publish(events.TypeClient, ClientEvent{ID: c.id, State: "disconnected", Clients: s.GetClientCount()})
}
