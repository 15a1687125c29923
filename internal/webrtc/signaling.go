package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/xr-streaming-server/internal/logger"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10

	maxSignalSize = 64 << 10

	msgOffer     = "offer"
	msgAnswer    = "answer"
	msgCandidate = "candidate"
)

// signalMessage is the WebSocket signaling envelope.
type signalMessage struct {
	Msg           string  `json:"msg"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

var errServerClosed = errors.New("webrtc: server closed")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleOffer handles a client offer and returns the answer with all ICE
// candidates gathered.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return nil, fmt.Errorf("expected offer, got %q", offer.Type)
	}

	if !s.reserve() {
		return nil, fmt.Errorf("%w (%d)", ErrMaxClients, s.maxClients)
	}

	client, err := s.newClient(nil)
	if err != nil {
		s.unreserve()
		return nil, err
	}
	fail := func(err error) ([]byte, error) {
		client.close()
		s.unreserve()
		return nil, err
	}

	if err := client.peerConn.SetRemoteDescription(offer); err != nil {
		return fail(fmt.Errorf("failed to set remote description: %w", err))
	}

	answer, err := client.peerConn.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("failed to create answer: %w", err))
	}

	gatherComplete := webrtc.GatheringCompletePromise(client.peerConn)
	if err := client.peerConn.SetLocalDescription(answer); err != nil {
		return fail(fmt.Errorf("failed to set local description: %w", err))
	}
	<-gatherComplete
	logger.Debug("WebRTC", "ICE gathering complete for client %s", client.id)

	localDesc := client.peerConn.LocalDescription()
	if localDesc == nil {
		return fail(errors.New("no local description available"))
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		return fail(fmt.Errorf("failed to marshal answer: %w", err))
	}

	if !s.post(event{kind: evClientConnected, clientID: client.id, client: client}) {
		return fail(errServerClosed)
	}
	return answerJSON, nil
}

// ServeWS runs server-offer signaling with trickle ICE over a WebSocket.
// The server sends {"msg":"offer"} and local candidates; the client
// replies with {"msg":"answer"} and its candidates.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !s.reserve() {
		http.Error(w, ErrMaxClients.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.unreserve()
		logger.Warn("WebRTC", "WebSocket upgrade failed: %v", err)
		return
	}

	client, err := s.newOfferingClient(conn)
	if err != nil {
		s.unreserve()
		_ = conn.Close()
		logger.Error("WebRTC", "Failed to set up client: %v", err)
		return
	}

	conn.SetReadLimit(maxSignalSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.pingLoop(client)
	s.readSignals(client)
}

// newOfferingClient prepares the data channel and candidate forwarding.
// The event loop creates and sends the offer once the client is
// registered, so no candidate can overtake it.
func (s *Server) newOfferingClient(conn *websocket.Conn) (*Client, error) {
	client, err := s.newClient(conn)
	if err != nil {
		return nil, err
	}

	ordered := true
	dc, err := client.peerConn.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		client.close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	s.watchDataChannel(client.id, dc)

	client.peerConn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		init := c.ToJSON()
		s.post(event{kind: evLocalCandidate, clientID: client.id, candidate: &init})
	})

	if !s.post(event{kind: evClientConnected, clientID: client.id, client: client}) {
		client.close()
		return nil, errServerClosed
	}
	return client, nil
}

// sendOffer starts negotiation for a WebSocket client. Event loop only.
func (s *Server) sendOffer(c *Client) bool {
	offer, err := c.peerConn.CreateOffer(nil)
	if err == nil {
		err = c.peerConn.SetLocalDescription(offer)
	}
	if err != nil {
		logger.Error("WebRTC", "Client %s: failed to create offer: %v", c.id, err)
		s.removeClient(c)
		return false
	}
	return s.sendSignal(c, signalMessage{Msg: msgOffer, SDP: offer.SDP})
}

func (s *Server) readSignals(client *Client) {
	defer s.post(event{kind: evClientDisconnected, clientID: client.id})

	for {
		messageType, payload, err := client.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebRTC", "Client %s signaling closed: %v", client.id, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg signalMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			logger.Warn("WebRTC", "Client %s sent malformed signaling message: %v", client.id, err)
			continue
		}

		switch msg.Msg {
		case msgAnswer:
			s.post(event{kind: evAnswer, clientID: client.id, sdp: msg.SDP})
		case msgCandidate:
			if msg.Candidate == "" {
				continue // end of candidates
			}
			s.post(event{kind: evRemoteCandidate, clientID: client.id, candidate: &webrtc.ICECandidateInit{
				Candidate:     msg.Candidate,
				SDPMid:        msg.SDPMid,
				SDPMLineIndex: msg.SDPMLineIndex,
			}})
		default:
			logger.Warn("WebRTC", "Client %s sent unknown signaling message %q", client.id, msg.Msg)
		}
	}
}

func (s *Server) pingLoop(client *Client) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-client.closeChan:
			return
		case <-ticker.C:
			if err := client.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// sendSignal writes one message to the client's WebSocket. Called only
// from the event loop. A failed write removes the client.
func (s *Server) sendSignal(c *Client, msg signalMessage) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(msg); err != nil {
		logger.Warn("WebRTC", "Client %s: signaling write failed: %v", c.id, err)
		s.removeClient(c)
		return false
	}
	return true
}
