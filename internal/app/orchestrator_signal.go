package app

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/metrics"
	"github.com/dkeye/peercall/internal/sigcodec"
)

// forwardSignals pumps relay records onto the loop. The pump dies with the
// relay; a stale epoch ends it early.
func (o *Orchestrator) forwardSignals(epoch int, relay core.SignalRelay) {
	for rec := range relay.Records() {
		rec := rec
		ok := o.post(func() {
			if o.epoch != epoch || o.call == nil {
				return
			}
			o.handleRecord(epoch, rec)
		})
		if !ok {
			return
		}
	}
}

func (o *Orchestrator) forwardScreens(epoch int, relay core.SignalRelay) {
	for ev := range relay.ScreenEvents() {
		ev := ev
		ok := o.post(func() {
			if o.epoch != epoch || o.call == nil {
				return
			}
			o.handleScreen(ev)
		})
		if !ok {
			return
		}
	}
}

func (o *Orchestrator) forwardRoster(epoch int, dir core.Directory) {
	for ev := range dir.Changes() {
		ev := ev
		ok := o.post(func() {
			if o.epoch != epoch || o.call == nil {
				return
			}
			o.handleRoster(ev)
		})
		if !ok {
			return
		}
	}
}

// handleRecord is the single entry point for inbound signaling: staleness
// first, then the redelivery set, then per-kind dispatch.
func (o *Orchestrator) handleRecord(epoch int, rec domain.SignalRecord) {
	c := o.call
	metrics.SignalsReceived.WithLabelValues(string(rec.Kind())).Inc()

	if sigcodec.Stale(rec, time.Now(), o.cfg.Timing.StaleWindow) {
		metrics.SignalsStale.Inc()
		log.Debug().Str("module", "app").Str("kind", string(rec.Kind())).Str("from", string(rec.SenderID)).Msg("stale record dropped")
		return
	}
	if c.seen.Seen(sigcodec.DedupKey(rec)) {
		metrics.SignalsDeduplicated.Inc()
		log.Debug().Str("module", "app").Str("kind", string(rec.Kind())).Str("from", string(rec.SenderID)).Msg("duplicate record dropped")
		return
	}

	switch rec.Kind() {
	case domain.SignalOffer:
		o.handleOffer(epoch, rec.SenderID, rec.Offer)
	case domain.SignalAnswer:
		o.handleAnswer(epoch, rec.SenderID, rec.Answer, 0)
	case domain.SignalCandidate:
		o.handleCandidate(rec.SenderID, rec.Candidate)
	}
}

// handleOffer answers a remote offer. Before local media is ready the
// offer is queued; an offer for a peer we already have a link with means
// the remote rebuilt its side, so ours is torn down and recreated after a
// short settle.
func (o *Orchestrator) handleOffer(epoch int, from domain.UserID, encoded string) {
	c := o.call
	if !c.ready {
		c.pending = append(c.pending, domain.PendingOffer{SenderID: from, Offer: encoded, SessionID: c.id})
		log.Info().Str("module", "app").Str("from", string(from)).Int("queued", len(c.pending)).Msg("offer queued until ready")
		return
	}
	if _, ok := c.registry.Get(from); ok {
		log.Info().Str("module", "app").Str("from", string(from)).Msg("offer for existing link, recreating")
		c.registry.Remove(from)
		o.stopActivity(from)
		o.after(o.cfg.Timing.TeardownSettle, epoch, func() {
			o.answerOffer(epoch, from, encoded)
		})
		return
	}
	o.answerOffer(epoch, from, encoded)
}

func (o *Orchestrator) answerOffer(epoch int, from domain.UserID, encoded string) {
	c := o.call
	if _, ok := c.registry.Get(from); ok {
		// A link appeared while the teardown settled; the newer exchange wins.
		return
	}
	l, err := o.buildLink(epoch, from)
	if err != nil {
		log.Error().Err(err).Str("module", "app").Str("peer", string(from)).Msg("dial for answer failed")
		o.emit(Event{Kind: EventError, Participant: from, Err: err})
		return
	}
	c.registry.Put(l)
	metrics.ConnectionsCreatedTotal.WithLabelValues("remote").Inc()

	if _, err := c.mux.Reconcile(l); err != nil {
		log.Error().Err(err).Str("module", "app").Str("peer", string(from)).Msg("reconcile before answer")
	}
	if err := l.neg.HandleOffer(encoded); err != nil {
		log.Error().Err(err).Str("module", "app").Str("peer", string(from)).Msg("answer failed")
		c.registry.Remove(from)
		o.emit(Event{Kind: EventError, Participant: from, Err: err})
		return
	}
	o.publishState()
}

// handleAnswer applies an answer, retrying a bounded number of times when
// it lands before our offer finished settling locally.
func (o *Orchestrator) handleAnswer(epoch int, from domain.UserID, encoded string, attempt int) {
	c := o.call
	l, ok := c.registry.Get(from)
	if !ok {
		log.Debug().Str("module", "app").Str("from", string(from)).Msg("answer for unknown link dropped")
		return
	}
	retry, err := l.neg.HandleAnswer(encoded)
	if err == nil {
		o.publishState()
		return
	}
	if retry && attempt < o.cfg.Timing.AnswerRetryMax {
		log.Debug().Err(err).Str("module", "app").Str("from", string(from)).Int("attempt", attempt+1).Msg("answer deferred")
		o.after(o.cfg.Timing.AnswerRetryDelay, epoch, func() {
			o.handleAnswer(epoch, from, encoded, attempt+1)
		})
		return
	}
	log.Warn().Err(err).Str("module", "app").Str("from", string(from)).Msg("answer dropped")
}

func (o *Orchestrator) handleCandidate(from domain.UserID, encoded string) {
	c := o.call
	l, ok := c.registry.Get(from)
	if !ok {
		log.Debug().Str("module", "app").Str("from", string(from)).Msg("candidate for unknown link dropped")
		return
	}
	if err := l.neg.HandleCandidate(encoded); err != nil {
		log.Debug().Err(err).Str("module", "app").Str("from", string(from)).Msg("candidate dropped")
	}
}

// flushPending replays offers that arrived before readiness, in arrival
// order.
func (o *Orchestrator) flushPending(epoch int) {
	c := o.call
	if len(c.pending) == 0 {
		return
	}
	queued := c.pending
	c.pending = nil
	log.Info().Str("module", "app").Int("count", len(queued)).Msg("replaying queued offers")
	for _, po := range queued {
		o.handleOffer(epoch, po.SenderID, po.Offer)
	}
}

// handleScreen applies a broadcast start/stop marker to the sender's
// surfaced state. Only known participants count; anyone else would get a
// fabricated roster entry.
func (o *Orchestrator) handleScreen(ev domain.ScreenShareRecord) {
	if ev.SenderID == o.uid {
		return
	}
	ps, ok := o.call.parts[ev.SenderID]
	if !ok {
		log.Debug().Str("module", "app").Str("peer", string(ev.SenderID)).Msg("screen event from non-participant dropped")
		return
	}
	sharing := ev.Action == domain.ScreenShareStart
	ps.p.SharingScreen = sharing
	if sharing {
		ps.p.HasVideo = false
	} else {
		ps.screenTrack = ""
	}
	log.Info().Str("module", "app").Str("peer", string(ev.SenderID)).Str("action", string(ev.Action)).Msg("screen share")
	o.emit(Event{Kind: EventScreenShare, Participant: ev.SenderID, On: sharing})
	o.publishState()
}

// handleRoster folds a directory change into local state. A removal for
// the local user means the directory no longer considers us part of the
// call, so the call ends without another leave write.
func (o *Orchestrator) handleRoster(ev domain.RosterEvent) {
	p := ev.Participant
	if p.SessionID != o.call.id {
		return
	}
	gone := ev.Kind == domain.RosterRemoved || p.Left()

	if p.UserID == o.uid {
		if gone {
			log.Warn().Str("module", "app").Msg("removed from directory, ending call")
			o.endCall(false, domain.ErrCallInactive)
		}
		return
	}

	if gone {
		o.call.registry.Remove(p.UserID)
		o.stopActivity(p.UserID)
		delete(o.call.parts, p.UserID)
		log.Info().Str("module", "app").Str("peer", string(p.UserID)).Msg("participant left")
		o.emit(Event{Kind: EventParticipantLeft, Participant: p.UserID})
		o.publishState()
		return
	}

	ps := o.ensurePart(p.UserID)
	ps.p = p
	if !p.HasVideo {
		ps.cameraTrack = ""
	}
	if !p.SharingScreen {
		ps.screenTrack = ""
	}
	o.emit(Event{Kind: EventParticipantUpdated, Participant: p.UserID})
	o.publishState()
}
