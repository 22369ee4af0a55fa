package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/metrics"
)

// ToggleMute flips the microphone. Requires at least one working
// connection; the directory write runs off the loop and rolls the flip
// back on failure.
func (o *Orchestrator) ToggleMute() error {
	return o.do(func() error {
		c := o.call
		if c == nil {
			return domain.ErrCallInactive
		}
		if !c.registry.AnyActive() {
			return domain.ErrNoActiveLink
		}
		o.setMuted(!o.muted)
		return nil
	})
}

func (o *Orchestrator) setMuted(muted bool) {
	o.muted = muted
	o.capture.SetEnabled(domain.RoleAudio, !muted)
	o.updateSelf(func(p *domain.Participant) { p.Muted = muted })
	o.persistFlag("set_muted", func(ctx context.Context, dir core.Directory, sid domain.SessionID) error {
		return dir.SetMuted(ctx, sid, o.uid, muted)
	}, func(err error) {
		// Roll back so local state keeps matching the directory.
		o.muted = !muted
		o.capture.SetEnabled(domain.RoleAudio, muted)
		o.updateSelf(func(p *domain.Participant) { p.Muted = !muted })
		o.emit(Event{Kind: EventError, Err: err})
		o.publishState()
	})
	if muted {
		// Forwarding stops immediately; do not wait for the monitor's
		// silence gap to clear the flag everywhere.
		o.setSpeaking(o.uid, false)
	}
	log.Info().Str("module", "app").Bool("muted", muted).Msg("mute toggled")
	o.emit(Event{Kind: EventMuteChanged, Participant: o.uid, On: muted})
	o.publishState()
}

// ToggleSpeaker flips playout muting. Sink-side only: nothing is
// persisted and peers are not told.
func (o *Orchestrator) ToggleSpeaker() error {
	return o.do(func() error {
		if o.call == nil {
			return domain.ErrCallInactive
		}
		o.speakerMuted = !o.speakerMuted
		log.Info().Str("module", "app").Bool("speaker_muted", o.speakerMuted).Msg("speaker toggled")
		o.emit(Event{Kind: EventSpeakerChanged, On: o.speakerMuted})
		o.publishState()
		return nil
	})
}

// ToggleCamera attaches or detaches the camera track on every link.
// Camera and screen are mutually exclusive; enabling one stops the other.
func (o *Orchestrator) ToggleCamera() error {
	return o.do(func() error {
		c := o.call
		if c == nil {
			return domain.ErrCallInactive
		}
		if !c.registry.AnyActive() {
			return domain.ErrNoActiveLink
		}
		if c.cameraOn {
			o.disableCamera(true)
			return nil
		}
		return o.enableCamera()
	})
}

func (o *Orchestrator) enableCamera() error {
	c := o.call
	if c.sharingScreen {
		o.stopScreenShare(false)
	}
	ctx := o.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	track, err := o.capture.Acquire(ctx, domain.RoleCamera)
	if err != nil {
		return err
	}
	c.cameraOn = true
	c.mux.SetLocalRole(domain.RoleCamera, track)
	o.reconcileAll()
	o.updateSelf(func(p *domain.Participant) { p.HasVideo = true; p.SharingScreen = false })
	o.persistFlag("set_video", func(ctx context.Context, dir core.Directory, sid domain.SessionID) error {
		return dir.SetVideo(ctx, sid, o.uid, true)
	}, func(err error) {
		o.disableCamera(false)
		o.emit(Event{Kind: EventError, Err: err})
	})
	log.Info().Str("module", "app").Msg("camera enabled")
	o.emit(Event{Kind: EventParticipantUpdated, Participant: o.uid})
	o.publishState()
	return nil
}

func (o *Orchestrator) disableCamera(persist bool) {
	c := o.call
	c.cameraOn = false
	c.mux.SetLocalRole(domain.RoleCamera, nil)
	o.reconcileAll()
	o.capture.Release(domain.RoleCamera)
	o.updateSelf(func(p *domain.Participant) { p.HasVideo = false })
	if persist {
		o.persistFlag("set_video", func(ctx context.Context, dir core.Directory, sid domain.SessionID) error {
			return dir.SetVideo(ctx, sid, o.uid, false)
		}, nil)
	}
	log.Info().Str("module", "app").Msg("camera disabled")
	o.emit(Event{Kind: EventParticipantUpdated, Participant: o.uid})
	o.publishState()
}

// ToggleScreenShare starts or stops the screen track and broadcasts the
// start/stop marker so subscribers update without waiting for the
// directory feed.
func (o *Orchestrator) ToggleScreenShare() error {
	return o.do(func() error {
		c := o.call
		if c == nil {
			return domain.ErrCallInactive
		}
		if c.sharingScreen {
			o.stopScreenShare(true)
			return nil
		}
		return o.startScreenShare()
	})
}

func (o *Orchestrator) startScreenShare() error {
	c := o.call
	if c.cameraOn {
		o.disableCamera(false)
	}
	ctx := o.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	track, err := o.capture.Acquire(ctx, domain.RoleScreen)
	if err != nil {
		return err
	}
	c.sharingScreen = true
	c.mux.SetLocalRole(domain.RoleScreen, track)
	o.reconcileAll()
	o.updateSelf(func(p *domain.Participant) { p.SharingScreen = true; p.HasVideo = false })
	o.persistFlag("set_screen", func(ctx context.Context, dir core.Directory, sid domain.SessionID) error {
		return dir.SetScreen(ctx, sid, o.uid, true)
	}, func(err error) {
		o.stopScreenShare(false)
		o.emit(Event{Kind: EventError, Err: err})
	})
	o.broadcastScreen(domain.ScreenShareStart)
	log.Info().Str("module", "app").Msg("screen share started")
	o.emit(Event{Kind: EventScreenShare, Participant: o.uid, On: true})
	o.publishState()
	return nil
}

func (o *Orchestrator) stopScreenShare(persist bool) {
	c := o.call
	c.sharingScreen = false
	c.mux.SetLocalRole(domain.RoleScreen, nil)
	o.reconcileAll()
	o.capture.Release(domain.RoleScreen)
	o.updateSelf(func(p *domain.Participant) { p.SharingScreen = false })
	if persist {
		o.persistFlag("set_screen", func(ctx context.Context, dir core.Directory, sid domain.SessionID) error {
			return dir.SetScreen(ctx, sid, o.uid, false)
		}, nil)
	}
	o.broadcastScreen(domain.ScreenShareStop)
	log.Info().Str("module", "app").Msg("screen share stopped")
	o.emit(Event{Kind: EventScreenShare, Participant: o.uid, On: false})
	o.publishState()
}

func (o *Orchestrator) broadcastScreen(action domain.ScreenShareAction) {
	c := o.call
	if c.relay == nil {
		return
	}
	rec := domain.ScreenShareRecord{
		SenderID:  o.uid,
		SessionID: c.id,
		Action:    action,
		Timestamp: time.Now().UTC(),
	}
	if err := c.relay.PublishScreen(context.Background(), rec); err != nil {
		log.Warn().Err(err).Str("module", "app").Msg("screen broadcast failed")
	}
}

// reconcileAll brings every link's senders in line with the desired role
// set and renegotiates the links whose sender set actually changed.
func (o *Orchestrator) reconcileAll() {
	c := o.call
	c.registry.Each(func(l *link) {
		changed, err := c.mux.Reconcile(l)
		if err != nil {
			log.Error().Err(err).Str("module", "app").Str("peer", string(l.peer)).Msg("reconcile")
		}
		if changed && l.neg.State() == LinkStable {
			if err := l.neg.Offer(); err != nil {
				log.Warn().Err(err).Str("module", "app").Str("peer", string(l.peer)).Msg("renegotiation offer")
			}
		}
	})
}

// onInboundTrack kicks off attribution off the loop; the result is applied
// back under the epoch guard.
func (o *Orchestrator) onInboundTrack(epoch int, peer domain.UserID, t core.InboundTrack) {
	c := o.call
	classify := c.classify
	sid := c.id
	ctx := o.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		role, err := classify.Classify(ctx, sid, peer, t)
		o.post(func() {
			if o.epoch != epoch || o.call == nil {
				return
			}
			o.applyTrack(epoch, peer, t, role, err)
		})
	}()
}

func (o *Orchestrator) applyTrack(epoch int, peer domain.UserID, t core.InboundTrack, role domain.TrackRole, err error) {
	if err != nil {
		metrics.TracksDropped.Inc()
		log.Warn().Err(err).Str("module", "app").Str("peer", string(peer)).Str("track_id", t.ID()).Msg("inbound track dropped")
		return
	}
	metrics.TracksClassified.WithLabelValues(string(role)).Inc()
	ps := o.ensurePart(peer)

	switch role {
	case domain.RoleAudio:
		ps.audioTrack = t.ID()
		o.stopActivity(peer)
		o.call.vads[peer] = startActivityMonitor(peer, t, o.cfg.VADThreshold, o.cfg.VADWindow, o.cfg.VADSilenceGap, o.activityChange(epoch))
	case domain.RoleCamera:
		ps.cameraTrack = t.ID()
		ps.screenTrack = ""
		ps.p.HasVideo = true
	case domain.RoleScreen:
		ps.screenTrack = t.ID()
		ps.cameraTrack = ""
		ps.p.SharingScreen = true
	}

	log.Info().Str("module", "app").Str("peer", string(peer)).Str("role", string(role)).Str("track_id", t.ID()).Msg("inbound track attributed")
	o.emit(Event{Kind: EventTrackAttributed, Participant: peer, Role: role})
	o.publishState()
}

// activityChange is the speech-transition sink shared by every monitor.
// Local transitions are also persisted to the directory.
func (o *Orchestrator) activityChange(epoch int) func(domain.UserID, bool) {
	return func(subject domain.UserID, speaking bool) {
		o.post(func() {
			if o.epoch != epoch || o.call == nil {
				return
			}
			o.setSpeaking(subject, speaking)
		})
	}
}

func (o *Orchestrator) setSpeaking(subject domain.UserID, speaking bool) {
	ps := o.ensurePart(subject)
	if ps.p.Speaking == speaking {
		return
	}
	metrics.SpeakingTransitions.Inc()
	ps.p.Speaking = speaking
	if subject == o.uid {
		o.persistFlag("set_speaking", func(ctx context.Context, dir core.Directory, sid domain.SessionID) error {
			return dir.SetSpeaking(ctx, sid, o.uid, speaking)
		}, nil)
	}
	o.emit(Event{Kind: EventSpeakingChanged, Participant: subject, On: speaking})
	o.publishState()
}

// startLocalActivity mirrors the outgoing voice payloads into a monitor so
// the local speaking flag behaves exactly like a remote one. Muted audio
// is not forwarded, so muting reads as silence.
func (o *Orchestrator) startLocalActivity(epoch int) {
	tapper, ok := o.capture.(core.FrameTapper)
	if !ok {
		return
	}
	reader, stop := tapper.Tap(domain.RoleAudio)
	o.call.stopTap = stop
	o.call.vads[o.uid] = startActivityMonitor(o.uid, reader, o.cfg.VADThreshold, o.cfg.VADWindow, o.cfg.VADSilenceGap, o.activityChange(epoch))
}

func (o *Orchestrator) stopActivity(subject domain.UserID) {
	c := o.call
	if _, ok := c.vads[subject]; !ok {
		return
	}
	delete(c.vads, subject)
	if subject == o.uid && c.stopTap != nil {
		c.stopTap()
		c.stopTap = nil
	}
	// Remote monitors exit on their own once the link closes and the
	// track read fails.
	if ps, ok := c.parts[subject]; ok {
		ps.p.Speaking = false
	}
}

// onTrackEnded reacts to a local feed dying upstream: video roles fall
// back to "off" with the usual renegotiation, a dead voice feed is
// surfaced as a media error and the role cleared.
func (o *Orchestrator) onTrackEnded(role domain.TrackRole) {
	c := o.call
	log.Warn().Str("module", "app").Str("role", string(role)).Msg("local track ended")

	switch role {
	case domain.RoleCamera:
		if c.cameraOn {
			o.disableCamera(true)
		}
	case domain.RoleScreen:
		if c.sharingScreen {
			o.stopScreenShare(true)
		}
	case domain.RoleAudio:
		c.mux.SetLocalRole(domain.RoleAudio, nil)
		o.reconcileAll()
		o.forceMute()
		o.emit(Event{Kind: EventError, Err: domain.ErrMediaAcquisition})
	}
}
