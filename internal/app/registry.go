package app

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/metrics"
)

// roleSender is one outgoing sender plus the track currently bound to it.
type roleSender struct {
	sender core.Sender
	track  webrtc.TrackLocal
}

// link is the per-participant connection entry: the media connection, its
// negotiation state machine, the role→sender map and the last-known ICE
// state. Invariant: at most one sender per role.
type link struct {
	peer    domain.UserID
	mc      core.MediaConnection
	neg     *negotiator
	senders map[domain.TrackRole]*roleSender
	ice     webrtc.ICEConnectionState
}

func newLink(peer domain.UserID, mc core.MediaConnection, neg *negotiator) *link {
	return &link{
		peer:    peer,
		mc:      mc,
		neg:     neg,
		senders: make(map[domain.TrackRole]*roleSender),
	}
}

func (l *link) activeICE() bool {
	return l.ice == webrtc.ICEConnectionStateConnected || l.ice == webrtc.ICEConnectionStateCompleted
}

// Registry is the arena of open connections, keyed by participant id.
// At most one link per participant. It is mutated only from the call loop,
// so it carries no lock.
type Registry struct {
	links map[domain.UserID]*link
}

func NewRegistry() *Registry {
	return &Registry{links: make(map[domain.UserID]*link)}
}

func (r *Registry) Get(peer domain.UserID) (*link, bool) {
	l, ok := r.links[peer]
	return l, ok
}

// Put registers a link, tearing down any previous one for the same peer so
// the one-connection-per-participant invariant holds.
func (r *Registry) Put(l *link) {
	if old, ok := r.links[l.peer]; ok {
		old.neg.MarkClosed()
		old.mc.Close()
		log.Warn().Str("module", "app.registry").Str("peer", string(l.peer)).Msg("replaced existing link")
	}
	r.links[l.peer] = l
	metrics.ActiveConnections.Set(float64(len(r.links)))
	log.Info().Str("module", "app.registry").Str("peer", string(l.peer)).Msg("link added")
}

// Remove tears the link down and drops it from the arena.
func (r *Registry) Remove(peer domain.UserID) {
	l, ok := r.links[peer]
	if !ok {
		return
	}
	l.neg.MarkClosed()
	l.mc.Close()
	delete(r.links, peer)
	metrics.ActiveConnections.Set(float64(len(r.links)))
	log.Info().Str("module", "app.registry").Str("peer", string(peer)).Msg("link removed")
}

func (r *Registry) Each(fn func(*link)) {
	for _, l := range r.links {
		fn(l)
	}
}

func (r *Registry) Count() int { return len(r.links) }

// AnyActive reports whether at least one connection has a working ICE path.
func (r *Registry) AnyActive() bool {
	for _, l := range r.links {
		if l.activeICE() {
			return true
		}
	}
	return false
}

// CloseAll empties the arena, used on leave and full refresh.
func (r *Registry) CloseAll() {
	for peer, l := range r.links {
		l.neg.MarkClosed()
		l.mc.Close()
		delete(r.links, peer)
	}
	metrics.ActiveConnections.Set(0)
	log.Info().Str("module", "app.registry").Msg("all links closed")
}
