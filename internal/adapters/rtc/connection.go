package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// PeerLink wraps one pion PeerConnection for a single remote participant.
type PeerLink struct {
	pc     *webrtc.PeerConnection
	peer   domain.UserID
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool

	onICE      func(webrtc.ICECandidateInit)
	onTrack    func(core.InboundTrack)
	onICEState func(webrtc.ICEConnectionState)
}

// Dialer builds PeerLinks from the static ICE server list.
type Dialer struct {
	cfg webrtc.Configuration
}

func NewDialer(servers []config.ICEServer) *Dialer {
	cfg := webrtc.Configuration{
		BundlePolicy:  webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy: webrtc.RTCPMuxPolicyRequire,
	}
	for _, s := range servers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return &Dialer{cfg: cfg}
}

func (d *Dialer) Dial() (core.MediaConnection, error) {
	pc, err := webrtc.NewPeerConnection(d.cfg)
	if err != nil {
		return nil, err
	}
	return &PeerLink{pc: pc}, nil
}

// DialFor tags the link with the remote participant id for logging.
func (d *Dialer) DialFor(peer domain.UserID) (core.MediaConnection, error) {
	mc, err := d.Dial()
	if err != nil {
		return nil, err
	}
	mc.(*PeerLink).peer = peer
	return mc, nil
}

func (c *PeerLink) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	// The link dies with the context; Close cancels it back so the watcher
	// never outlives the connection.
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", string(c.peer)).Str("ice_state", s.String()).Msg("ICE state")
		if c.onICEState != nil {
			c.onICEState(s)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("peer", string(c.peer)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		if c.onTrack != nil {
			c.onTrack(&inboundTrack{remote: track})
		}
	})

	return nil
}

func (c *PeerLink) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return c.pc.LocalDescription(), nil
}

func (c *PeerLink) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *PeerLink) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete

	return c.pc.LocalDescription(), nil
}

func (c *PeerLink) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *PeerLink) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *PeerLink) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *PeerLink) ICEState() webrtc.ICEConnectionState {
	return c.pc.ICEConnectionState()
}

func (c *PeerLink) AddTrack(track webrtc.TrackLocal) (core.Sender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func (c *PeerLink) RemoveSender(s core.Sender) error {
	sender, ok := s.(*webrtc.RTPSender)
	if !ok {
		return errors.New("sender does not belong to this connection")
	}
	return c.pc.RemoveTrack(sender)
}

func (c *PeerLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }

// OnTrack sets application-level callback for remote tracks.
func (c *PeerLink) OnTrack(fn func(core.InboundTrack)) { c.onTrack = fn }

func (c *PeerLink) OnICEStateChange(fn func(webrtc.ICEConnectionState)) { c.onICEState = fn }

func (c *PeerLink) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *PeerLink) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", string(c.peer)).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("peer", string(c.peer)).Msg("closed")
	}
}

// inboundTrack adapts *webrtc.TrackRemote to core.InboundTrack.
type inboundTrack struct {
	remote *webrtc.TrackRemote
}

func (t *inboundTrack) ID() string                 { return t.remote.ID() }
func (t *inboundTrack) StreamID() string           { return t.remote.StreamID() }
func (t *inboundTrack) Kind() webrtc.RTPCodecType  { return t.remote.Kind() }
func (t *inboundTrack) ReadPacket() ([]byte, error) {
	pkt, _, err := t.remote.ReadRTP()
	if err != nil {
		return nil, err
	}
	return pkt.Payload, nil
}
