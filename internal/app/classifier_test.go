package app

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

func TestAudioAlwaysVoiceRole(t *testing.T) {
	c := NewClassifier(newFakeDirectory(), time.Millisecond, 0)
	track := newFakeInbound("mic", "anything", webrtc.RTPCodecTypeAudio)

	role, err := c.Classify(context.Background(), "s1", "peer-a", track)
	require.NoError(t, err)
	require.Equal(t, domain.RoleAudio, role)
}

func TestStreamTagBeatsDirectory(t *testing.T) {
	dir := newFakeDirectory()
	// Directory says camera, but the stream tag says screen; the tag is
	// authoritative because the sender set it on the track itself.
	dir.flags["peer-a"] = core.MediaFlags{HasVideo: true}
	c := NewClassifier(dir, time.Millisecond, 0)

	track := newFakeInbound("t1", "peercall-screen", webrtc.RTPCodecTypeVideo)
	role, err := c.Classify(context.Background(), "s1", "peer-a", track)
	require.NoError(t, err)
	require.Equal(t, domain.RoleScreen, role)
}

func TestDirectoryFlagsResolveVideo(t *testing.T) {
	dir := newFakeDirectory()
	dir.flags["peer-a"] = core.MediaFlags{HasVideo: true}
	c := NewClassifier(dir, time.Millisecond, 0)

	track := newFakeInbound("t1", "stream-xyz", webrtc.RTPCodecTypeVideo)
	role, err := c.Classify(context.Background(), "s1", "peer-a", track)
	require.NoError(t, err)
	require.Equal(t, domain.RoleCamera, role)
}

func TestScreenFlagWinsOverVideo(t *testing.T) {
	dir := newFakeDirectory()
	dir.flags["peer-a"] = core.MediaFlags{HasVideo: true, SharingScreen: true}
	c := NewClassifier(dir, time.Millisecond, 0)

	track := newFakeInbound("t1", "stream-xyz", webrtc.RTPCodecTypeVideo)
	role, err := c.Classify(context.Background(), "s1", "peer-a", track)
	require.NoError(t, err)
	require.Equal(t, domain.RoleScreen, role)
}

func TestLookupRetriedUntilFlagsAppear(t *testing.T) {
	dir := newFakeDirectory()
	c := NewClassifier(dir, 5*time.Millisecond, 5)

	// Flags land after the track, as happens when the directory write
	// races the media path.
	go func() {
		time.Sleep(8 * time.Millisecond)
		dir.mu.Lock()
		dir.flags["peer-a"] = core.MediaFlags{SharingScreen: true}
		dir.mu.Unlock()
	}()

	track := newFakeInbound("t1", "stream-xyz", webrtc.RTPCodecTypeVideo)
	role, err := c.Classify(context.Background(), "s1", "peer-a", track)
	require.NoError(t, err)
	require.Equal(t, domain.RoleScreen, role)
}

func TestUnattributableAfterRetries(t *testing.T) {
	dir := newFakeDirectory()
	// Flags exist but claim no video at all; the track must never be
	// guessed into a role.
	dir.flags["peer-a"] = core.MediaFlags{}
	c := NewClassifier(dir, time.Millisecond, 2)

	track := newFakeInbound("t1", "stream-xyz", webrtc.RTPCodecTypeVideo)
	_, err := c.Classify(context.Background(), "s1", "peer-a", track)
	require.ErrorIs(t, err, ErrUnattributable)
}

func TestClassifyHonorsContext(t *testing.T) {
	dir := newFakeDirectory()
	c := NewClassifier(dir, time.Hour, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	track := newFakeInbound("t1", "stream-xyz", webrtc.RTPCodecTypeVideo)
	_, err := c.Classify(ctx, "s1", "peer-a", track)
	require.ErrorIs(t, err, context.Canceled)
}
