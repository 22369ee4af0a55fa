package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/metrics"
	"github.com/dkeye/peercall/internal/sigcodec"
)

// Join starts a call in the given session. The blocking part of the join
// (media, relay, directory) runs off the loop and retries with capped
// backoff; media acquisition failure aborts without retry.
func (o *Orchestrator) Join(sid domain.SessionID) error {
	return o.do(func() error {
		if o.call != nil {
			return fmt.Errorf("already in session %s", o.call.id)
		}
		o.beginCall(sid)
		return nil
	})
}

// Leave ends the active call.
func (o *Orchestrator) Leave() error {
	return o.do(func() error {
		if o.call == nil {
			return domain.ErrCallInactive
		}
		o.endCall(true, nil)
		return nil
	})
}

func (o *Orchestrator) beginCall(sid domain.SessionID) {
	o.epoch++
	o.muted = true
	o.speakerMuted = false
	o.call = &callSession{
		id:       sid,
		registry: NewRegistry(),
		mux:      NewTrackMultiplexer(),
		health:   NewHealthMonitor(o.cfg.Timing.FirstCheckGrace, o.cfg.Timing.SteadyGrace),
		seen:     sigcodec.NewSeenSet(o.cfg.DedupWindow),
		parts:    make(map[domain.UserID]*participantState),
		vads:     make(map[domain.UserID]*activityMonitor),
	}
	log.Info().Str("module", "app").Str("session", string(sid)).Msg("joining call")
	o.emit(Event{Kind: EventCallStarted})
	o.publishState()

	go o.initialize(o.epoch, sid, 0)
}

// initialize is the blocking join sequence: local audio, relay
// subscription, directory join, roster read. Runs off the loop; the result
// is posted back under the epoch guard.
func (o *Orchestrator) initialize(epoch int, sid domain.SessionID, attempt int) {
	ctx := o.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	fail := func(err error) {
		o.post(func() {
			if o.epoch != epoch || o.call == nil {
				return
			}
			o.failInit(epoch, sid, attempt, err)
		})
	}

	audio, err := o.capture.Acquire(ctx, domain.RoleAudio)
	if err != nil {
		fail(err)
		return
	}

	relay, err := o.dialRelay(ctx, o.cfg.RelayURL, sid, o.uid)
	if err != nil {
		fail(fmt.Errorf("%w: relay: %w", domain.ErrInitialization, err))
		return
	}

	dir, err := o.dialDir(ctx, sid)
	if err != nil {
		relay.Close()
		fail(fmt.Errorf("%w: directory: %w", domain.ErrInitialization, err))
		return
	}

	self := domain.NewParticipant(sid, o.uid, o.name)
	if err := dir.Join(ctx, self); err != nil {
		relay.Close()
		dir.Close()
		fail(fmt.Errorf("%w: join: %w", domain.ErrInitialization, err))
		return
	}

	roster, err := dir.Roster(ctx, sid)
	if err != nil {
		relay.Close()
		dir.Close()
		fail(fmt.Errorf("%w: roster: %w", domain.ErrInitialization, err))
		return
	}

	if !o.post(func() {
		if o.epoch != epoch || o.call == nil {
			relay.Close()
			dir.Close()
			return
		}
		o.attach(epoch, relay, dir, audio, roster)
	}) {
		relay.Close()
		dir.Close()
	}
}

func (o *Orchestrator) failInit(epoch int, sid domain.SessionID, attempt int, err error) {
	if errors.Is(err, domain.ErrMediaAcquisition) {
		log.Error().Err(err).Str("module", "app").Msg("media acquisition failed, aborting join")
		o.endCall(false, err)
		return
	}
	next := attempt + 1
	if next >= o.cfg.Timing.InitAttemptsMax {
		log.Error().Err(err).Str("module", "app").Int("attempts", next).Msg("initialization gave up")
		o.endCall(false, fmt.Errorf("%w: gave up after %d attempts: %w", domain.ErrInitialization, next, err))
		return
	}
	delay := o.initBackoff(attempt)
	log.Warn().Err(err).Str("module", "app").Int("attempt", next).Dur("retry_in", delay).Msg("initialization failed, retrying")
	o.emit(Event{Kind: EventError, Err: err})
	o.after(delay, epoch, func() {
		go o.initialize(epoch, sid, next)
	})
}

func (o *Orchestrator) initBackoff(attempt int) time.Duration {
	d := o.cfg.Timing.InitBackoffBase << attempt
	if limit := o.cfg.Timing.InitBackoffCap; d > limit || d <= 0 {
		d = limit
	}
	return d
}

// attach wires the freshly opened adapters into the call and starts the
// staggered connects toward everyone already in the roster.
func (o *Orchestrator) attach(epoch int, relay core.SignalRelay, dir core.Directory, audio webrtc.TrackLocal, roster []domain.Participant) {
	c := o.call
	c.relay = relay
	c.dir = dir
	c.classify = NewClassifier(dir, o.cfg.Timing.ClassifyRetryDelay, o.cfg.Timing.ClassifyRetryMax)

	// Joined muted: the track exists so senders can attach, but nothing is
	// forwarded until unmute.
	o.capture.SetEnabled(domain.RoleAudio, false)
	c.mux.SetLocalRole(domain.RoleAudio, audio)

	go o.forwardSignals(epoch, relay)
	go o.forwardScreens(epoch, relay)
	go o.forwardRoster(epoch, dir)
	o.startLocalActivity(epoch)

	peers := make([]domain.UserID, 0, len(roster))
	for _, p := range roster {
		ps := o.ensurePart(p.UserID)
		ps.p = p
		if p.UserID != o.uid {
			peers = append(peers, p.UserID)
		}
	}

	c.health.MarkEstablished(time.Now())
	log.Info().Str("module", "app").Str("session", string(c.id)).Int("peers", len(peers)).Msg("attached")
	o.connectQueue(epoch, peers, 0)
}

// connectQueue dials roster peers one at a time with a fixed stagger, then
// flips ready and replays any offers that arrived early.
func (o *Orchestrator) connectQueue(epoch int, peers []domain.UserID, i int) {
	if i >= len(peers) {
		o.call.ready = true
		o.publishState()
		o.flushPending(epoch)
		return
	}
	o.connectPeer(epoch, peers[i])
	o.after(o.cfg.Timing.ConnectStagger, epoch, func() {
		o.connectQueue(epoch, peers, i+1)
	})
}

// connectPeer creates the locally initiated link and sends the first
// offer. No-op when a link already exists.
func (o *Orchestrator) connectPeer(epoch int, peer domain.UserID) {
	c := o.call
	if _, ok := c.registry.Get(peer); ok {
		return
	}
	l, err := o.buildLink(epoch, peer)
	if err != nil {
		log.Error().Err(err).Str("module", "app").Str("peer", string(peer)).Msg("dial failed")
		o.emit(Event{Kind: EventError, Participant: peer, Err: err})
		return
	}
	c.registry.Put(l)
	metrics.ConnectionsCreatedTotal.WithLabelValues("local").Inc()

	if _, err := c.mux.Reconcile(l); err != nil {
		log.Error().Err(err).Str("module", "app").Str("peer", string(peer)).Msg("initial reconcile")
	}
	if err := l.neg.Offer(); err != nil {
		log.Error().Err(err).Str("module", "app").Str("peer", string(peer)).Msg("initial offer")
		o.emit(Event{Kind: EventError, Participant: peer, Err: err})
	}
}

// buildLink dials a media connection for peer and wires its callbacks back
// into the loop under the epoch guard.
func (o *Orchestrator) buildLink(epoch int, peer domain.UserID) (*link, error) {
	c := o.call

	var mc core.MediaConnection
	var err error
	if tagged, ok := o.dialer.(interface {
		DialFor(domain.UserID) (core.MediaConnection, error)
	}); ok {
		mc, err = tagged.DialFor(peer)
	} else {
		mc, err = o.dialer.Dial()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConnectionFailed, err)
	}

	relay := c.relay
	sid := c.id
	publish := func(rec domain.SignalRecord) error {
		metrics.SignalsPublished.WithLabelValues(string(rec.Kind())).Inc()
		return relay.Publish(context.Background(), rec)
	}
	neg := newNegotiator(sid, o.uid, peer, mc, publish)
	l := newLink(peer, mc, neg)

	mc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		encoded, err := sigcodec.EncodeCandidate(ci)
		if err != nil {
			log.Error().Err(err).Str("module", "app").Msg("encode candidate")
			return
		}
		if err := publish(sigcodec.NewCandidateRecord(sid, o.uid, peer, encoded)); err != nil {
			log.Warn().Err(err).Str("module", "app").Str("peer", string(peer)).Msg("candidate publish failed")
		}
	})
	mc.OnICEStateChange(func(s webrtc.ICEConnectionState) {
		o.post(func() {
			if o.epoch != epoch || o.call == nil {
				return
			}
			o.onICEState(epoch, peer, s)
		})
	})
	mc.OnTrack(func(t core.InboundTrack) {
		o.post(func() {
			if o.epoch != epoch || o.call == nil {
				return
			}
			o.onInboundTrack(epoch, peer, t)
		})
	})

	ctx := o.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := mc.Start(ctx); err != nil {
		mc.Close()
		return nil, fmt.Errorf("%w: %w", domain.ErrConnectionFailed, err)
	}
	return l, nil
}

func (o *Orchestrator) onICEState(epoch int, peer domain.UserID, s webrtc.ICEConnectionState) {
	c := o.call
	l, ok := c.registry.Get(peer)
	if !ok {
		return
	}
	l.ice = s

	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		c.health.MarkEstablished(time.Now())
	case webrtc.ICEConnectionStateFailed:
		// Incremental recovery: drop the link and recreate it from scratch
		// after a fixed delay, unless something else already did.
		log.Warn().Str("module", "app").Str("peer", string(peer)).Msg("link failed, scheduling reconnect")
		l.neg.MarkFailed()
		c.registry.Remove(peer)
		o.stopActivity(peer)
		metrics.ReconnectsScheduled.Inc()
		o.after(o.cfg.Timing.ReconnectDelay, epoch, func() {
			if _, exists := o.call.registry.Get(peer); exists {
				return
			}
			if _, inRoster := o.call.parts[peer]; !inRoster {
				return
			}
			log.Info().Str("module", "app").Str("peer", string(peer)).Msg("reconnecting")
			o.connectPeer(epoch, peer)
		})
	case webrtc.ICEConnectionStateDisconnected:
		log.Warn().Str("module", "app").Str("peer", string(peer)).Msg("link disconnected")
	}

	o.observeHealth()
	o.publishState()
}

// observeHealth folds the per-link states into the aggregate and applies
// the transition rule: any flip of "do I have a working connection" forces
// and persists a mute so stale unmuted audio never leaks.
func (o *Orchestrator) observeHealth() {
	c := o.call
	active := c.registry.AnyActive()
	if !c.health.Observe(active, time.Now()) {
		return
	}
	log.Info().Str("module", "app").Bool("active", active).Msg("active link changed")
	o.emit(Event{Kind: EventLinkChanged, On: active})
	o.forceMute()
}

func (o *Orchestrator) forceMute() {
	if o.muted {
		return
	}
	o.muted = true
	o.capture.SetEnabled(domain.RoleAudio, false)
	o.updateSelf(func(p *domain.Participant) { p.Muted = true })
	o.persistFlag("force_mute", func(ctx context.Context, dir core.Directory, sid domain.SessionID) error {
		return dir.SetMuted(ctx, sid, o.uid, true)
	}, nil)
	o.setSpeaking(o.uid, false)
	o.emit(Event{Kind: EventMuteChanged, Participant: o.uid, On: true})
}

// checkHealth is the ticker path: refresh the aggregate and run a full
// refresh when every connection is down past the grace period.
func (o *Orchestrator) checkHealth() {
	c := o.call
	if c == nil || !c.ready {
		return
	}
	o.observeHealth()
	if c.health.ShouldRefresh(c.registry.Count(), time.Now()) {
		o.fullRefresh()
	}
	o.publishState()
}

// fullRefresh tears down every connection and the session adapters, then
// re-runs the join sequence after a settle delay. Pending offers are
// dropped; the rejoin produces fresh ones.
func (o *Orchestrator) fullRefresh() {
	c := o.call
	sid := c.id
	log.Warn().Str("module", "app").Str("session", string(sid)).Msg("no active connections, full refresh")
	metrics.RefreshesTotal.Inc()
	o.emit(Event{Kind: EventRefresh})

	o.teardownSession(c)
	o.epoch++
	epoch := o.epoch
	c.health.MarkEstablished(time.Now())

	o.after(o.cfg.Timing.RefreshSettle, epoch, func() {
		go o.initialize(epoch, sid, 0)
	})
}

// teardownSession closes links and per-session adapters but keeps the
// callSession itself, so a refresh can rebuild in place.
func (o *Orchestrator) teardownSession(c *callSession) {
	c.ready = false
	c.pending = nil
	for uid := range c.vads {
		o.stopActivity(uid)
	}
	if c.stopTap != nil {
		c.stopTap()
		c.stopTap = nil
	}
	c.registry.CloseAll()
	if c.relay != nil {
		c.relay.Close()
		c.relay = nil
	}
	if c.dir != nil {
		c.dir.Close()
		c.dir = nil
	}
	c.parts = make(map[domain.UserID]*participantState)
	o.publishState()
}

// endCall leaves the session for good. leaveDirectory is false when the
// directory already removed us (or never had us).
func (o *Orchestrator) endCall(leaveDirectory bool, cause error) {
	c := o.call
	sid := c.id
	o.epoch++

	relay := c.relay
	dir := c.dir
	c.relay = nil
	c.dir = nil

	o.teardownSession(c)
	o.capture.Release(domain.RoleCamera)
	o.capture.Release(domain.RoleScreen)
	o.capture.Release(domain.RoleAudio)
	o.call = nil
	o.muted = true
	o.speakerMuted = false

	// Directory leave and the last-one-out purge run off the loop against
	// the adapters we just detached.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if dir != nil {
			if leaveDirectory {
				if err := dir.Leave(ctx, sid, o.uid); err != nil {
					log.Error().Err(err).Str("module", "app").Msg("directory leave failed")
				}
				ended, err := dir.EndSessionIfEmpty(ctx, sid)
				if err != nil {
					log.Error().Err(err).Str("module", "app").Msg("end-session check failed")
				} else if ended && relay != nil {
					if err := relay.Purge(ctx, sid); err != nil {
						log.Warn().Err(err).Str("module", "app").Msg("relay purge failed")
					}
				}
			}
			dir.Close()
		}
		if relay != nil {
			relay.Close()
		}
	}()

	log.Info().Str("module", "app").Str("session", string(sid)).Msg("call ended")
	o.emit(Event{Kind: EventCallEnded, Session: sid, Err: cause})
	o.publishState()
}
