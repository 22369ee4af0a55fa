package domain

import "time"

// SignalKind discriminates relay records. Exactly one payload field of a
// SignalRecord is populated, matching the kind.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "ice"
)

// SignalRecord is one append-only relay fact. Offer/Answer/Candidate carry
// the encoded SDP or candidate JSON as produced by sigcodec.
type SignalRecord struct {
	SenderID   UserID     `json:"sender_id"`
	ReceiverID UserID     `json:"receiver_id"`
	SessionID  SessionID  `json:"session_id"`
	Offer      string     `json:"offer,omitempty"`
	Answer     string     `json:"answer,omitempty"`
	Candidate  string     `json:"ice_candidate,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	kindMemo   SignalKind // set lazily by Kind, not serialized
}

// Kind reports which payload field is populated.
func (r *SignalRecord) Kind() SignalKind {
	if r.kindMemo != "" {
		return r.kindMemo
	}
	switch {
	case r.Offer != "":
		r.kindMemo = SignalOffer
	case r.Answer != "":
		r.kindMemo = SignalAnswer
	default:
		r.kindMemo = SignalCandidate
	}
	return r.kindMemo
}

// Payload returns the populated payload regardless of kind. Together with
// sender and session it forms the record's dedup identity.
func (r *SignalRecord) Payload() string {
	switch {
	case r.Offer != "":
		return r.Offer
	case r.Answer != "":
		return r.Answer
	default:
		return r.Candidate
	}
}

// ScreenShareAction is the broadcast start/stop marker for screen shares.
type ScreenShareAction string

const (
	ScreenShareStart ScreenShareAction = "start"
	ScreenShareStop  ScreenShareAction = "stop"
)

// ScreenShareRecord is broadcast to every session subscriber.
type ScreenShareRecord struct {
	SenderID  UserID            `json:"sender_id"`
	SessionID SessionID         `json:"session_id"`
	Action    ScreenShareAction `json:"action"`
	Timestamp time.Time         `json:"timestamp"`
}

// PendingOffer buffers an offer that arrived before local media was ready.
// Replayed in arrival order once readiness is reached.
type PendingOffer struct {
	SenderID  UserID
	Offer     string
	SessionID SessionID
}
