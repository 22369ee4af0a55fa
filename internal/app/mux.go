package app

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/domain"
)

// TrackMultiplexer holds the desired local track per role and reconciles
// every link's sender set against it. Roles are reconciled in a fixed
// order, audio first. Confined to the call loop.
type TrackMultiplexer struct {
	desired map[domain.TrackRole]webrtc.TrackLocal
}

func NewTrackMultiplexer() *TrackMultiplexer {
	return &TrackMultiplexer{desired: make(map[domain.TrackRole]webrtc.TrackLocal)}
}

// SetLocalRole binds a track to a role; nil clears it. The change takes
// effect on the next Reconcile.
func (m *TrackMultiplexer) SetLocalRole(role domain.TrackRole, track webrtc.TrackLocal) {
	if track == nil {
		delete(m.desired, role)
		return
	}
	m.desired[role] = track
}

func (m *TrackMultiplexer) Local(role domain.TrackRole) webrtc.TrackLocal {
	return m.desired[role]
}

// Ready reports whether the voice path exists. Nothing is offered to a
// peer until it does.
func (m *TrackMultiplexer) Ready() bool {
	return m.desired[domain.RoleAudio] != nil
}

// Reconcile brings one link's senders in line with the desired set.
// A same-role track swap goes through ReplaceTrack on the existing sender
// and never changes the sender set; only adding or removing a sender
// reports changed=true, which is what forces a renegotiation upstream.
func (m *TrackMultiplexer) Reconcile(l *link) (changed bool, err error) {
	var errs []error
	for _, role := range domain.Roles() {
		want := m.desired[role]
		have := l.senders[role]

		switch {
		case want != nil && have == nil:
			sender, addErr := l.mc.AddTrack(want)
			if addErr != nil {
				errs = append(errs, fmt.Errorf("add %s sender for %s: %w", role, l.peer, addErr))
				continue
			}
			l.senders[role] = &roleSender{sender: sender, track: want}
			changed = true
			log.Debug().Str("module", "app.mux").Str("peer", string(l.peer)).Str("role", string(role)).Msg("sender added")

		case want != nil && have != nil && have.track != want:
			if repErr := have.sender.ReplaceTrack(want); repErr != nil {
				errs = append(errs, fmt.Errorf("replace %s track for %s: %w", role, l.peer, repErr))
				continue
			}
			have.track = want
			log.Debug().Str("module", "app.mux").Str("peer", string(l.peer)).Str("role", string(role)).Msg("track replaced in place")

		case want == nil && have != nil:
			if remErr := l.mc.RemoveSender(have.sender); remErr != nil {
				errs = append(errs, fmt.Errorf("remove %s sender for %s: %w", role, l.peer, remErr))
				continue
			}
			delete(l.senders, role)
			changed = true
			log.Debug().Str("module", "app.mux").Str("peer", string(l.peer)).Str("role", string(role)).Msg("sender removed")
		}
	}
	return changed, errors.Join(errs...)
}
