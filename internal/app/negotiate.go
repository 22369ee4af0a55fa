package app

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/sigcodec"
)

// LinkState is the negotiation state of one connection.
type LinkState int

const (
	LinkNew LinkState = iota
	LinkOffering
	LinkStable
	LinkRenegotiating
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkOffering:
		return "offering"
	case LinkStable:
		return "stable"
	case LinkRenegotiating:
		return "renegotiating"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// negotiator drives offer/answer for one link. Confined to the call loop.
//
// Transitions: New→Offering (initial offer), Stable→Renegotiating (sender
// set changed), Offering/Renegotiating→Stable (answer applied), New→Stable
// (remote-initiated answer path). An answer arriving in Stable is a
// redelivery and is ignored.
type negotiator struct {
	local   domain.UserID
	peer    domain.UserID
	session domain.SessionID
	mc      core.MediaConnection
	publish func(domain.SignalRecord) error
	state   LinkState
}

func newNegotiator(session domain.SessionID, local, peer domain.UserID, mc core.MediaConnection, publish func(domain.SignalRecord) error) *negotiator {
	return &negotiator{
		local:   local,
		peer:    peer,
		session: session,
		mc:      mc,
		publish: publish,
	}
}

func (n *negotiator) State() LinkState { return n.state }

// Offer creates a local offer and publishes it. At most one outstanding
// local offer per link; a second Offer before the answer is rejected.
func (n *negotiator) Offer() error {
	switch n.state {
	case LinkOffering, LinkRenegotiating:
		return fmt.Errorf("%w: offer already outstanding for %s", domain.ErrNegotiationState, n.peer)
	case LinkFailed, LinkClosed:
		return fmt.Errorf("%w: link %s is %s", domain.ErrNegotiationState, n.peer, n.state)
	}
	if n.mc.SignalingState() != webrtc.SignalingStateStable {
		return fmt.Errorf("%w: signaling not quiescent (%s)", domain.ErrNegotiationState, n.mc.SignalingState())
	}

	desc, err := n.mc.CreateAndSetOffer()
	if err != nil {
		return fmt.Errorf("%w: create offer: %w", domain.ErrNegotiationState, err)
	}
	encoded, err := sigcodec.EncodeDescription(*desc)
	if err != nil {
		return err
	}

	next := LinkOffering
	if n.state == LinkStable {
		next = LinkRenegotiating
	}
	n.state = next
	log.Debug().Str("module", "app.negotiate").Str("peer", string(n.peer)).Str("state", next.String()).Msg("offer sent")
	return n.publish(sigcodec.NewOfferRecord(n.session, n.local, n.peer, encoded))
}

// HandleOffer applies a remote offer and publishes the answer. Used on the
// remote-initiated path where the link was just created for it.
func (n *negotiator) HandleOffer(encoded string) error {
	if n.state == LinkFailed || n.state == LinkClosed {
		return fmt.Errorf("%w: link %s is %s", domain.ErrNegotiationState, n.peer, n.state)
	}
	desc, err := sigcodec.DecodeDescription(encoded)
	if err != nil {
		return err
	}
	answer, err := n.mc.ApplyOfferAndCreateAnswer(desc)
	if err != nil {
		return fmt.Errorf("%w: apply offer: %w", domain.ErrNegotiationState, err)
	}
	out, err := sigcodec.EncodeDescription(*answer)
	if err != nil {
		return err
	}
	n.state = LinkStable
	log.Debug().Str("module", "app.negotiate").Str("peer", string(n.peer)).Msg("answer sent")
	return n.publish(sigcodec.NewAnswerRecord(n.session, n.local, n.peer, out))
}

// HandleAnswer applies a remote answer. A duplicate answer in Stable is a
// no-op. retry=true means the connection is not yet in have-local-offer
// and the same answer may succeed after a short delay.
func (n *negotiator) HandleAnswer(encoded string) (retry bool, err error) {
	if n.state == LinkStable {
		log.Debug().Str("module", "app.negotiate").Str("peer", string(n.peer)).Msg("duplicate answer ignored")
		return false, nil
	}
	if n.state == LinkFailed || n.state == LinkClosed {
		return false, fmt.Errorf("%w: link %s is %s", domain.ErrNegotiationState, n.peer, n.state)
	}
	if n.mc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return true, fmt.Errorf("%w: answer before local offer settled (%s)", domain.ErrNegotiationState, n.mc.SignalingState())
	}
	desc, err := sigcodec.DecodeDescription(encoded)
	if err != nil {
		return false, err
	}
	if err := n.mc.ApplyAnswer(desc); err != nil {
		return false, fmt.Errorf("%w: apply answer: %w", domain.ErrNegotiationState, err)
	}
	n.state = LinkStable
	log.Debug().Str("module", "app.negotiate").Str("peer", string(n.peer)).Msg("stable")
	return false, nil
}

// HandleCandidate applies a remote ICE candidate. Candidates arriving
// before any remote description are dropped, not queued.
func (n *negotiator) HandleCandidate(encoded string) error {
	if n.state == LinkFailed || n.state == LinkClosed {
		return fmt.Errorf("%w: link %s is %s", domain.ErrNegotiationState, n.peer, n.state)
	}
	if !n.mc.HasRemoteDescription() {
		return fmt.Errorf("%w: candidate before remote description", domain.ErrNegotiationState)
	}
	ci, err := sigcodec.DecodeCandidate(encoded)
	if err != nil {
		return err
	}
	if err := n.mc.AddICECandidate(ci); err != nil {
		return fmt.Errorf("%w: add candidate: %w", domain.ErrNegotiationState, err)
	}
	return nil
}

func (n *negotiator) MarkFailed() { n.state = LinkFailed }
func (n *negotiator) MarkClosed() { n.state = LinkClosed }
