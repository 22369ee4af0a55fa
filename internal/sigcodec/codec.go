// Package sigcodec encodes and decodes the payloads stored in relay
// records: session descriptions and ICE candidates.
package sigcodec

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/peercall/internal/domain"
)

var ErrAmbiguousRecord = errors.New("record must carry exactly one of offer/answer/ice_candidate")

// EncodeDescription serializes an SDP for storage in a relay record.
func EncodeDescription(desc webrtc.SessionDescription) (string, error) {
	b, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("encode description: %w", err)
	}
	return string(b), nil
}

func DecodeDescription(payload string) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(payload), &desc); err != nil {
		return desc, fmt.Errorf("decode description: %w", err)
	}
	if desc.SDP == "" {
		return desc, errors.New("decode description: empty sdp")
	}
	return desc, nil
}

func EncodeCandidate(ci webrtc.ICECandidateInit) (string, error) {
	b, err := json.Marshal(ci)
	if err != nil {
		return "", fmt.Errorf("encode candidate: %w", err)
	}
	return string(b), nil
}

func DecodeCandidate(payload string) (webrtc.ICECandidateInit, error) {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(payload), &ci); err != nil {
		return ci, fmt.Errorf("decode candidate: %w", err)
	}
	return ci, nil
}

// Validate checks the one-of payload invariant on a wire record.
func Validate(rec domain.SignalRecord) error {
	n := 0
	for _, p := range []string{rec.Offer, rec.Answer, rec.Candidate} {
		if p != "" {
			n++
		}
	}
	if n != 1 {
		return ErrAmbiguousRecord
	}
	return nil
}

// DedupKey is the record identity used by the recently-seen set: a
// redelivered record maps to the same key.
func DedupKey(rec domain.SignalRecord) string {
	return string(rec.SenderID) + "|" + string(rec.SessionID) + "|" + rec.Payload()
}

// Stale reports whether the record fell out of the staleness window.
func Stale(rec domain.SignalRecord, now time.Time, window time.Duration) bool {
	if rec.Timestamp.IsZero() {
		return false
	}
	return now.Sub(rec.Timestamp) > window
}

// NewOfferRecord / NewAnswerRecord / NewCandidateRecord stamp records the
// way the relay stores them.

func NewOfferRecord(sid domain.SessionID, from, to domain.UserID, encoded string) domain.SignalRecord {
	return domain.SignalRecord{
		SenderID: from, ReceiverID: to, SessionID: sid,
		Offer: encoded, Timestamp: time.Now().UTC(),
	}
}

func NewAnswerRecord(sid domain.SessionID, from, to domain.UserID, encoded string) domain.SignalRecord {
	return domain.SignalRecord{
		SenderID: from, ReceiverID: to, SessionID: sid,
		Answer: encoded, Timestamp: time.Now().UTC(),
	}
}

func NewCandidateRecord(sid domain.SessionID, from, to domain.UserID, encoded string) domain.SignalRecord {
	return domain.SignalRecord{
		SenderID: from, ReceiverID: to, SessionID: sid,
		Candidate: encoded, Timestamp: time.Now().UTC(),
	}
}
