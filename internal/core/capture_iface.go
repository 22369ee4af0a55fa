package core

import (
	"context"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// CaptureDevice provides local media tracks per role. At most one live
// track per role; Acquire for an already-acquired role returns the same
// track. Acquisition failures wrap domain.ErrMediaAcquisition.
type CaptureDevice interface {
	Acquire(ctx context.Context, role domain.TrackRole) (webrtc.TrackLocal, error)
	Release(role domain.TrackRole)
	// SetEnabled gates forwarding without releasing the track; a disabled
	// role keeps its senders alive but sends nothing (mute).
	SetEnabled(role domain.TrackRole, enabled bool)
	// OnEnded fires when a track stops upstream (device unplugged, share
	// cancelled from the OS picker).
	OnEnded(func(role domain.TrackRole))
	Close()
}

// FrameTapper is an optional capture capability: mirror outgoing payloads
// of a role for local analysis. The returned stop func detaches the tap
// and unblocks the reader.
type FrameTapper interface {
	Tap(role domain.TrackRole) (PacketReader, func())
}
