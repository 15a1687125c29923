package webrtc

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/xr-streaming-server/internal/downmsg"
	"github.com/dj-oyu/xr-streaming-server/internal/logger"
	"github.com/dj-oyu/xr-streaming-server/internal/metrics"
)

const (
	// H.264 clock rate (90kHz for video)
	h264ClockRate = 90000

	// Constrained baseline, packetization-mode=1
	h264Fmtp = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"

	// DataChannelLabel is the ordered channel clients send Up-Messages on.
	DataChannelLabel = "channel"

	clientQueueFrames = 30
	eventQueueSize    = 256
)

var ErrMaxClients = errors.New("webrtc: maximum clients reached")

// Publisher receives operator events. It must not block.
type Publisher interface {
	Publish(typ string, data any)
}

// Config holds the peer connection settings.
type Config struct {
	STUNServers []string
	MaxClients  int
	PayloadType uint8
	Events      Publisher // optional
}

// ClientEvent is published when a client joins or leaves.
type ClientEvent struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Clients int    `json:"clients"`
}

// TrackingEvent summarizes an accepted Up-Message.
type TrackingEvent struct {
	ClientID      string `json:"client_id"`
	ID            uint64 `json:"id"`
	Views         int    `json:"views"`
	DisplayTimeNS int64  `json:"display_time_ns,omitempty"`
}

// Client represents a connected WebRTC client
type Client struct {
	id         string
	peerConn   *webrtc.PeerConnection
	videoTrack *webrtc.TrackLocalStaticRTP
	packetChan chan []*rtp.Packet
	closeChan  chan struct{}
	closeOnce  sync.Once

	// ws is nil for clients that signaled over HTTP. Only the event loop
	// writes to it.
	ws *websocket.Conn

	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
}

func (c *Client) ID() string { return c.id }

// close tears the client down. Safe to call more than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		if err := c.peerConn.Close(); err != nil {
			logger.Debug("WebRTC", "Client %s peer close: %v", c.id, err)
		}
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// Server manages WebRTC connections. Peer connection callbacks only post
// events; client state is changed by the event loop.
type Server struct {
	clients   map[string]*Client
	clientsMu sync.RWMutex
	slots     atomic.Int32

	config     webrtc.Configuration
	codec      webrtc.RTPCodecCapability
	maxClients int
	api        *webrtc.API
	metrics    *metrics.Metrics
	publisher  Publisher

	events    chan event
	tracking  chan downmsg.UpMessage
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
}

// NewServer creates a server and starts its event loop.
func NewServer(cfg Config, m *metrics.Metrics) *Server {
	// Configure ICE servers
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, url := range cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}

	// Optimize SettingsEngine for lower CPU usage
	settingsEngine := webrtc.SettingEngine{}

	// Reduce DTLS retransmission timeout (faster connection, less CPU on retries)
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)

	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	codec := webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeH264,
		ClockRate:   h264ClockRate,
		SDPFmtpLine: h264Fmtp,
	}

	mediaEngine := &webrtc.MediaEngine{}
	if cfg.PayloadType != 0 {
		// Pin the payload type so packets from the pipeline need no rewrite
		// for the common case.
		if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: codec,
			PayloadType:        webrtc.PayloadType(cfg.PayloadType),
		}, webrtc.RTPCodecTypeVideo); err != nil {
			logger.Error("WebRTC", "Failed to register H.264 codec: %v", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		logger.Error("WebRTC", "Failed to register codecs: %v", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(settingsEngine),
		webrtc.WithMediaEngine(mediaEngine),
	)

	if cfg.MaxClients < 1 {
		cfg.MaxClients = 1
	}
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		clients: make(map[string]*Client),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		codec:      codec,
		maxClients: cfg.MaxClients,
		api:        api,
		metrics:    m,
		publisher:  cfg.Events,
		events:     make(chan event, eventQueueSize),
		tracking:   make(chan downmsg.UpMessage, 1),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Server) publish(typ string, data any) {
	if s.publisher != nil {
		s.publisher.Publish(typ, data)
	}
}

// Tracking delivers the latest decoded Up-Message. Older messages are
// replaced when the reader falls behind.
func (s *Server) Tracking() <-chan downmsg.UpMessage {
	return s.tracking
}

// reserve claims a client slot.
func (s *Server) reserve() bool {
	for {
		n := s.slots.Load()
		if int(n) >= s.maxClients {
			return false
		}
		if s.slots.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *Server) unreserve() { s.slots.Add(-1) }

// newClient creates the peer connection and the sendonly video track. The
// caller owns the slot and must close the client on failure.
func (s *Server) newClient(ws *websocket.Conn) (*Client, error) {
	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	id := uuid.NewString()
	videoTrack, err := webrtc.NewTrackLocalStaticRTP(s.codec, "video", "xr-"+id[:8])
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	transceiver, err := peerConn.AddTransceiverFromTrack(videoTrack, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to add track: %w", err)
	}

	// Handle RTCP packets (for quality feedback)
	rtpSender := transceiver.Sender()
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(rtcpBuf); err != nil {
				return
			}
		}
	}()

	c := &Client{
		id:         id,
		peerConn:   peerConn,
		videoTrack: videoTrack,
		packetChan: make(chan []*rtp.Packet, clientQueueFrames),
		closeChan:  make(chan struct{}),
		ws:         ws,
	}

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.post(event{kind: evPeerState, clientID: id, state: state})
	})
	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		s.post(event{kind: evDataChannel, clientID: id, channel: dc})
	})
	return c, nil
}

// watchDataChannel forwards channel messages to the event loop.
func (s *Server) watchDataChannel(clientID string, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		logger.Debug("WebRTC", "Client %s data channel %q open", clientID, dc.Label())
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.post(event{kind: evDataMessage, clientID: clientID, data: msg.Data})
	})
}

// WritePackets queues one frame's packets to every client without
// blocking. A client whose queue is full loses the whole frame.
func (s *Server) WritePackets(pkts []*rtp.Packet) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.packetChan <- pkts:
			client.framesSent.Add(1)
			s.metrics.PacketsSent.Add(uint64(len(pkts)))
		default:
			client.framesDropped.Add(1)
			s.metrics.PacketsDropped.Add(uint64(len(pkts)))
		}
	}
}

// sendPackets writes queued packets to a client's track
func (s *Server) sendPackets(client *Client) {
	for {
		select {
		case <-client.closeChan:
			return
		case pkts := <-client.packetChan:
			for _, pkt := range pkts {
				if err := client.videoTrack.WriteRTP(pkt); err != nil {
					if !errors.Is(err, io.ErrClosedPipe) {
						logger.Warn("WebRTC", "Error writing RTP for client %s: %v", client.id, err)
					}
					s.post(event{kind: evClientDisconnected, clientID: client.id})
					return
				}
			}
		}
	}
}

// GetClientCount returns the number of connected clients
func (s *Server) GetClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// GetClientStats returns stats for all clients
func (s *Server) GetClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64)
	for id, client := range s.clients {
		stats[id] = map[string]uint64{
			"frames_sent":    client.framesSent.Load(),
			"frames_dropped": client.framesDropped.Load(),
		}
	}
	return stats
}

// Close stops the event loop and closes all client connections.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.loopDone

		s.clientsMu.Lock()
		clients := s.clients
		s.clients = make(map[string]*Client)
		s.clientsMu.Unlock()

		for _, c := range clients {
			c.close()
			s.unreserve()
			s.metrics.ActiveClients.Add(^uint64(0))
		}
		logger.Info("WebRTC", "Closed %d clients", len(clients))
	})
	return nil
}
