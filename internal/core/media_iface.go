package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Sender is one outgoing media sender on a connection. Satisfied by
// *webrtc.RTPSender.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// PacketReader yields media payloads one packet at a time. Readers block
// until a packet arrives or the source is closed.
type PacketReader interface {
	ReadPacket() ([]byte, error)
}

// InboundTrack is the read side of a remote track, enough for role
// attribution and the activity detector.
type InboundTrack interface {
	PacketReader
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// MediaConnection abstracts one peer connection.
// Owned by the adapter; the adapter must Close() it.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	IsClosed() bool

	// CreateAndSetOffer generates a fresh local offer.
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	// ApplyAnswer applies a remote answer to an outstanding local offer.
	ApplyAnswer(webrtc.SessionDescription) error
	// ApplyOfferAndCreateAnswer handles the remote-initiated path.
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	HasRemoteDescription() bool
	SignalingState() webrtc.SignalingState
	ICEState() webrtc.ICEConnectionState

	// AddTrack attaches a local track and returns its sender.
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	RemoveSender(Sender) error

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(track InboundTrack))
	// OnICEStateChange sets a callback for connectivity transitions.
	OnICEStateChange(func(webrtc.ICEConnectionState))
}

// MediaDialer creates connections from the static transport configuration.
type MediaDialer interface {
	Dial() (MediaConnection, error)
}
