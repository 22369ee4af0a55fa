package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// ErrUnattributable means an inbound video track could not be mapped to a
// role even after re-reading the sender's directory record.
var ErrUnattributable = errors.New("inbound track unattributable")

// Classifier attributes inbound tracks to roles. Audio is always the voice
// role. Video is resolved from the stream-id tag the sender put on the
// track, falling back to the sender's directory flags; when the directory
// write races the track arrival, the lookup is retried a bounded number of
// times before the track is dropped.
type Classifier struct {
	dir        core.Directory
	retryDelay time.Duration
	retryMax   int
}

func NewClassifier(dir core.Directory, retryDelay time.Duration, retryMax int) *Classifier {
	return &Classifier{dir: dir, retryDelay: retryDelay, retryMax: retryMax}
}

// hintRole recovers the role tag the capture side embeds in the stream and
// track ids. Empty when the sender uses a different naming scheme.
func hintRole(streamID, trackID string) domain.TrackRole {
	for _, role := range []domain.TrackRole{domain.RoleCamera, domain.RoleScreen} {
		if strings.HasSuffix(streamID, string(role)) || trackID == string(role) {
			return role
		}
	}
	return ""
}

// Classify blocks between retries; call it off the loop.
func (c *Classifier) Classify(ctx context.Context, sid domain.SessionID, sender domain.UserID, t core.InboundTrack) (domain.TrackRole, error) {
	if t.Kind() == webrtc.RTPCodecTypeAudio {
		return domain.RoleAudio, nil
	}

	if role := hintRole(t.StreamID(), t.ID()); role != "" {
		return role, nil
	}

	for attempt := 0; ; attempt++ {
		flags, err := c.dir.Flags(ctx, sid, sender)
		if err != nil {
			log.Debug().Err(err).Str("module", "app.classifier").Str("peer", string(sender)).Msg("flags lookup failed")
		} else {
			if flags.SharingScreen {
				return domain.RoleScreen, nil
			}
			if flags.HasVideo {
				return domain.RoleCamera, nil
			}
		}
		if attempt >= c.retryMax {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
	return "", ErrUnattributable
}
