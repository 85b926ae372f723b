package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/dj-oyu/screen-streamer/internal/logger"
	"github.com/dj-oyu/screen-streamer/internal/metrics"
	"github.com/dj-oyu/screen-streamer/pkg/types"
)

const (
	// H.264 clock rate (90kHz for video)
	h264ClockRate = 90000

	// used until two media frames give a real pts delta
	defaultFrameDuration = time.Second / 30

	// deltas above this are treated as a stream restart
	maxFrameDuration = time.Second
)

// ErrMaxClients is returned when the client limit is reached
var ErrMaxClients = errors.New("webrtc: maximum clients reached")

// Client represents a connected WebRTC client
type Client struct {
	id         string
	peerConn   *webrtc.PeerConnection
	videoTrack *webrtc.TrackLocalStaticSample
	frameChan  chan *types.StreamFrame
	closeChan  chan struct{}

	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
}

// Server manages WebRTC connections. It is registered on the relay hub as a
// single player and fans frames out to its clients.
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	metrics    *metrics.Metrics
}

// NewServer creates a new WebRTC server
func NewServer(stunServers []string, maxClients int, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		logger.Error("WebRTC", "Failed to register codecs: %v", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(settingsEngine),
		webrtc.WithMediaEngine(mediaEngine),
	)

	if m == nil {
		m = metrics.New()
	}

	return &Server{
		clients: make(map[string]*Client),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		maxClients: maxClients,
		api:        api,
		metrics:    m,
	}
}

// HandleOffer handles a WebRTC offer and returns an answer
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}

	if s.GetClientCount() >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrMaxClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeH264,
			ClockRate: h264ClockRate,
		},
		"video",
		"screen",
	)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	rtpSender, err := peerConn.AddTrack(videoTrack)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to add track: %w", err)
	}

	// RTCP must be read for interceptors to work
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(rtcpBuf); err != nil {
				return
			}
		}
	}()

	client := &Client{
		id:         uuid.NewString(),
		peerConn:   peerConn,
		videoTrack: videoTrack,
		frameChan:  make(chan *types.StreamFrame, 30),
		closeChan:  make(chan struct{}),
	}

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())

		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			logger.Info("WebRTC", "Client %s connection lost (%s), removing...", client.id, state.String())
			go s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)

	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	<-gatherComplete
	logger.Debug("WebRTC", "ICE gathering complete for client %s", client.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		peerConn.Close()
		return nil, fmt.Errorf("no local description available")
	}

	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}

	s.clientsMu.Lock()
	s.clients[client.id] = client
	s.clientsMu.Unlock()

	go s.sendFrames(client)

	logger.Info("WebRTC", "Client %s connected", client.id)
	return answerJSON, nil
}

// ID names the server on the relay hub
func (s *Server) ID() string {
	return "webrtc"
}

// Deliver implements the hub player interface
func (s *Server) Deliver(frame *types.StreamFrame) {
	s.SendFrame(frame)
}

// SendFrame sends a frame to all connected clients
func (s *Server) SendFrame(frame *types.StreamFrame) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.frameChan <- frame:
		default:
			client.framesDropped.Add(1)
			s.metrics.WebRTCFramesDropped.Add(1)
		}
	}
}

// sendFrames sends frames to a specific client, starting at a key frame
func (s *Server) sendFrames(client *Client) {
	var pacer samplePacer
	var config []byte
	waitKey := true

	for {
		select {
		case <-client.closeChan:
			return

		case frame := <-client.frameChan:
			if frame.IsConfig() {
				if len(frame.Data) > 0 {
					config = frame.Data
				}
				continue
			}
			if waitKey {
				if !frame.IsKeyFrame {
					continue
				}
				waitKey = false
			}

			data := frame.Data
			if frame.IsKeyFrame && config != nil {
				data = append(append(make([]byte, 0, len(config)+len(data)), config...), data...)
			}

			if err := client.videoTrack.WriteSample(media.Sample{
				Data:     data,
				Duration: pacer.next(frame.PTS),
			}); err != nil {
				if !errors.Is(err, io.ErrClosedPipe) {
					logger.Warn("WebRTC", "Error writing sample for client %s: %v", client.id, err)
				}
				return
			}

			sent := client.framesSent.Add(1)
			s.metrics.WebRTCFramesSent.Add(1)
			if sent%300 == 0 {
				logger.Debug("WebRTC", "Sent %d frames to client %s (pts=%d)", sent, client.id, frame.PTS)
			}
		}
	}
}

// samplePacer turns relative presentation times into sample durations
type samplePacer struct {
	last    int64
	started bool
}

func (p *samplePacer) next(pts int64) time.Duration {
	d := defaultFrameDuration
	if p.started {
		delta := time.Duration(pts-p.last) * time.Microsecond
		if delta > 0 && delta <= maxFrameDuration {
			d = delta
		}
	}
	p.last = pts
	p.started = true
	return d
}

// RemoveClient removes a client by ID
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	s.clientsMu.Unlock()

	if !exists {
		return
	}

	close(client.closeChan)
	client.peerConn.Close()

	logger.Info("WebRTC", "Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.framesSent.Load(), client.framesDropped.Load())
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

// Close closes all client connections
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
