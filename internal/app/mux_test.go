package app

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/peercall/internal/domain"
)

func testTrack(t *testing.T, role domain.TrackRole) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticRTP(fakeCodecs[role], string(role), "test-"+string(role))
	require.NoError(t, err)
	return track
}

func newTestLink(peer domain.UserID) (*link, *fakeConn) {
	fc := newFakeConn()
	neg := newNegotiator("s1", "local", peer, fc, func(domain.SignalRecord) error { return nil })
	return newLink(peer, fc, neg), fc
}

func TestReconcileAddsOneSenderPerRole(t *testing.T) {
	m := NewTrackMultiplexer()
	l, fc := newTestLink("peer-a")

	m.SetLocalRole(domain.RoleAudio, testTrack(t, domain.RoleAudio))
	changed, err := m.Reconcile(l)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 1, fc.senderCount())

	// Same desired set again: nothing to do.
	changed, err = m.Reconcile(l)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, 1, fc.senderCount())
}

func TestReconcileReplacesTrackInPlace(t *testing.T) {
	m := NewTrackMultiplexer()
	l, fc := newTestLink("peer-a")

	m.SetLocalRole(domain.RoleCamera, testTrack(t, domain.RoleCamera))
	changed, err := m.Reconcile(l)
	require.NoError(t, err)
	require.True(t, changed)

	sender := l.senders[domain.RoleCamera].sender.(*fakeSender)

	// A new track for an already-attached role goes through ReplaceTrack
	// and must not report a sender-set change.
	m.SetLocalRole(domain.RoleCamera, testTrack(t, domain.RoleCamera))
	changed, err = m.Reconcile(l)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, 1, fc.senderCount())
	require.Equal(t, 1, sender.replacedCount())
}

func TestReconcileRemovesClearedRole(t *testing.T) {
	m := NewTrackMultiplexer()
	l, fc := newTestLink("peer-a")

	m.SetLocalRole(domain.RoleAudio, testTrack(t, domain.RoleAudio))
	m.SetLocalRole(domain.RoleScreen, testTrack(t, domain.RoleScreen))
	_, err := m.Reconcile(l)
	require.NoError(t, err)
	require.Equal(t, 2, fc.senderCount())

	m.SetLocalRole(domain.RoleScreen, nil)
	changed, err := m.Reconcile(l)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 1, fc.senderCount())
	require.NotContains(t, l.senders, domain.RoleScreen)
}

func TestReadyNeedsAudio(t *testing.T) {
	m := NewTrackMultiplexer()
	require.False(t, m.Ready())
	m.SetLocalRole(domain.RoleCamera, nil)
	require.False(t, m.Ready())
	m.SetLocalRole(domain.RoleAudio, testTrack(t, domain.RoleAudio))
	require.True(t, m.Ready())
}
