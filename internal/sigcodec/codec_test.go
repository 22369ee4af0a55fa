package sigcodec

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/peercall/internal/domain"
)

func TestDescriptionRoundTrip(t *testing.T) {
	in := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"}
	encoded, err := EncodeDescription(in)
	require.NoError(t, err)

	out, err := DecodeDescription(encoded)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeDescriptionRejectsEmptySDP(t *testing.T) {
	_, err := DecodeDescription(`{"type":"offer","sdp":""}`)
	require.Error(t, err)
	_, err = DecodeDescription("not json")
	require.Error(t, err)
}

func TestValidateOneOfInvariant(t *testing.T) {
	rec := NewOfferRecord("s1", "a", "b", "payload")
	require.NoError(t, Validate(rec))

	rec.Answer = "also set"
	require.ErrorIs(t, Validate(rec), ErrAmbiguousRecord)

	require.ErrorIs(t, Validate(domain.SignalRecord{SenderID: "a"}), ErrAmbiguousRecord)
}

func TestDedupKeyIdentifiesRedelivery(t *testing.T) {
	a := NewOfferRecord("s1", "a", "b", "payload")
	b := a
	b.Timestamp = b.Timestamp.Add(time.Second) // redelivery gets a new stamp

	require.Equal(t, DedupKey(a), DedupKey(b))

	c := NewOfferRecord("s1", "a", "b", "different payload")
	require.NotEqual(t, DedupKey(a), DedupKey(c))
}

func TestStaleWindow(t *testing.T) {
	now := time.Now()
	rec := NewOfferRecord("s1", "a", "b", "p")

	rec.Timestamp = now.Add(-5 * time.Second)
	require.False(t, Stale(rec, now, 10*time.Second))

	rec.Timestamp = now.Add(-11 * time.Second)
	require.True(t, Stale(rec, now, 10*time.Second))

	// Unstamped records are never aged out.
	rec.Timestamp = time.Time{}
	require.False(t, Stale(rec, now, 10*time.Second))
}

func TestKindFollowsPayload(t *testing.T) {
	offer := NewOfferRecord("s1", "a", "b", "p")
	require.Equal(t, domain.SignalOffer, offer.Kind())

	answer := NewAnswerRecord("s1", "a", "b", "p")
	require.Equal(t, domain.SignalAnswer, answer.Kind())

	cand := NewCandidateRecord("s1", "a", "b", "p")
	require.Equal(t, domain.SignalCandidate, cand.Kind())
}

func TestSeenSetEvictsOldestFirst(t *testing.T) {
	s := NewSeenSet(3)

	require.False(t, s.Seen("a"))
	require.False(t, s.Seen("b"))
	require.False(t, s.Seen("c"))
	require.True(t, s.Seen("a"))

	// "d" evicts "a", the oldest entry.
	require.False(t, s.Seen("d"))
	require.False(t, s.Seen("a"))
	require.True(t, s.Seen("c"))
	require.Equal(t, 3, s.Len())
}
