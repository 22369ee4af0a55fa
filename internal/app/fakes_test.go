package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

func testConfig() *config.Config {
	return &config.Config{
		Mode:     "debug",
		RelayURL: "ws://fake/signal",
		Timing: config.Timing{
			ReconnectDelay:      10 * time.Millisecond,
			AnswerRetryDelay:    5 * time.Millisecond,
			AnswerRetryMax:      5,
			TeardownSettle:      5 * time.Millisecond,
			RefreshSettle:       5 * time.Millisecond,
			ConnectStagger:      time.Millisecond,
			HealthCheckInterval: time.Hour,
			FirstCheckGrace:     time.Millisecond,
			SteadyGrace:         50 * time.Millisecond,
			StaleWindow:         10 * time.Second,
			ClassifyRetryDelay:  5 * time.Millisecond,
			ClassifyRetryMax:    2,
			InitBackoffBase:     5 * time.Millisecond,
			InitBackoffCap:      20 * time.Millisecond,
			InitAttemptsMax:     3,
		},
		DedupWindow:   100,
		VADThreshold:  20,
		VADWindow:     4,
		VADSilenceGap: 50 * time.Millisecond,
	}
}

// --- media connection -------------------------------------------------

type fakeSender struct {
	mu       sync.Mutex
	track    webrtc.TrackLocal
	replaced int
}

func (s *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	s.replaced++
	return nil
}

func (s *fakeSender) replacedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

type fakeConn struct {
	mu               sync.Mutex
	sig              webrtc.SignalingState
	remoteSet        bool
	closed           bool
	senders          []*fakeSender
	offersCreated    int
	answersApplied   int
	candidatesAdded  int
	failCreateOffer  bool
	onICE            func(webrtc.ICECandidateInit)
	onTrack          func(core.InboundTrack)
	onICEState       func(webrtc.ICEConnectionState)
}

func newFakeConn() *fakeConn {
	return &fakeConn{sig: webrtc.SignalingStateStable}
}

func (c *fakeConn) Start(context.Context) error { return nil }

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failCreateOffer {
		return nil, errors.New("create offer refused")
	}
	c.offersCreated++
	c.sig = webrtc.SignalingStateHaveLocalOffer
	return &webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("v=0 offer %d", c.offersCreated),
	}, nil
}

func (c *fakeConn) ApplyAnswer(webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answersApplied++
	c.remoteSet = true
	c.sig = webrtc.SignalingStateStable
	return nil
}

func (c *fakeConn) ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteSet = true
	c.sig = webrtc.SignalingStateStable
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (c *fakeConn) AddICECandidate(webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidatesAdded++
	return nil
}

func (c *fakeConn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSet
}

func (c *fakeConn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sig
}

func (c *fakeConn) ICEState() webrtc.ICEConnectionState { return webrtc.ICEConnectionStateNew }

func (c *fakeConn) AddTrack(t webrtc.TrackLocal) (core.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &fakeSender{track: t}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *fakeConn) RemoveSender(s core.Sender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, have := range c.senders {
		if have == s {
			c.senders = append(c.senders[:i], c.senders[i+1:]...)
			return nil
		}
	}
	return errors.New("unknown sender")
}

func (c *fakeConn) senderCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.senders)
}

func (c *fakeConn) offerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offersCreated
}

func (c *fakeConn) answerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answersApplied
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *fakeConn) OnTrack(fn func(core.InboundTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *fakeConn) OnICEStateChange(fn func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICEState = fn
}

func (c *fakeConn) fireICEState(s webrtc.ICEConnectionState) {
	c.mu.Lock()
	fn := c.onICEState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *fakeConn) fireTrack(t core.InboundTrack) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial() (core.MediaConnection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fc := newFakeConn()
	d.conns = append(d.conns, fc)
	return fc, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// --- capture ----------------------------------------------------------

type fakeCapture struct {
	mu       sync.Mutex
	acquired map[domain.TrackRole]webrtc.TrackLocal
	enabled  map[domain.TrackRole]bool
	fail     map[domain.TrackRole]error
	taps     map[domain.TrackRole]*fakeInbound
	onEnded  func(domain.TrackRole)
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{
		acquired: make(map[domain.TrackRole]webrtc.TrackLocal),
		enabled:  make(map[domain.TrackRole]bool),
		fail:     make(map[domain.TrackRole]error),
		taps:     make(map[domain.TrackRole]*fakeInbound),
	}
}

var fakeCodecs = map[domain.TrackRole]webrtc.RTPCodecCapability{
	domain.RoleAudio:  {MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
	domain.RoleCamera: {MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
	domain.RoleScreen: {MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
}

func (f *fakeCapture) Acquire(_ context.Context, role domain.TrackRole) (webrtc.TrackLocal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[role]; err != nil {
		return nil, err
	}
	if t, ok := f.acquired[role]; ok {
		return t, nil
	}
	t, err := webrtc.NewTrackLocalStaticRTP(fakeCodecs[role], string(role), "test-"+string(role))
	if err != nil {
		return nil, err
	}
	f.acquired[role] = t
	return t, nil
}

func (f *fakeCapture) Release(role domain.TrackRole) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.acquired, role)
}

func (f *fakeCapture) SetEnabled(role domain.TrackRole, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[role] = enabled
}

func (f *fakeCapture) isEnabled(role domain.TrackRole) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled[role]
}

func (f *fakeCapture) OnEnded(fn func(domain.TrackRole)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEnded = fn
}

func (f *fakeCapture) fireEnded(role domain.TrackRole) {
	f.mu.Lock()
	fn := f.onEnded
	f.mu.Unlock()
	if fn != nil {
		fn(role)
	}
}

func (f *fakeCapture) Tap(role domain.TrackRole) (core.PacketReader, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := newFakeInbound("tap-"+string(role), "local", 0)
	f.taps[role] = src
	var once sync.Once
	return src, func() { once.Do(func() { close(src.frames) }) }
}

// tapFeed pushes outgoing frames into the role's tap the way the real
// capture pump would. Forwarding is gated on the role being enabled.
func (f *fakeCapture) tapFeed(role domain.TrackRole, size, count int) {
	f.mu.Lock()
	src := f.taps[role]
	enabled := f.enabled[role]
	f.mu.Unlock()
	if src == nil || !enabled {
		return
	}
	for i := 0; i < count; i++ {
		src.frames <- make([]byte, size)
	}
}

func (f *fakeCapture) Close() {}

// --- relay ------------------------------------------------------------

type fakeRelay struct {
	mu        sync.Mutex
	published []domain.SignalRecord
	screens   []domain.ScreenShareRecord
	purged    []domain.SessionID
	records   chan domain.SignalRecord
	screenCh  chan domain.ScreenShareRecord
	closeOnce sync.Once
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		records:  make(chan domain.SignalRecord, 64),
		screenCh: make(chan domain.ScreenShareRecord, 16),
	}
}

func (r *fakeRelay) Publish(_ context.Context, rec domain.SignalRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, rec)
	return nil
}

func (r *fakeRelay) PublishScreen(_ context.Context, rec domain.ScreenShareRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.screens = append(r.screens, rec)
	return nil
}

func (r *fakeRelay) Purge(_ context.Context, sid domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purged = append(r.purged, sid)
	return nil
}

func (r *fakeRelay) Records() <-chan domain.SignalRecord           { return r.records }
func (r *fakeRelay) ScreenEvents() <-chan domain.ScreenShareRecord { return r.screenCh }

func (r *fakeRelay) Close() {
	r.closeOnce.Do(func() {
		close(r.records)
		close(r.screenCh)
	})
}

func (r *fakeRelay) publishedOfKind(kind domain.SignalKind) []domain.SignalRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SignalRecord
	for i := range r.published {
		rec := r.published[i]
		if rec.Kind() == kind {
			out = append(out, rec)
		}
	}
	return out
}

func (r *fakeRelay) purgeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.purged)
}

func (r *fakeRelay) screenBroadcasts() []domain.ScreenShareRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ScreenShareRecord, len(r.screens))
	copy(out, r.screens)
	return out
}

// --- directory --------------------------------------------------------

type fakeDirectory struct {
	mu        sync.Mutex
	roster    map[domain.UserID]domain.Participant
	flags     map[domain.UserID]core.MediaFlags
	changes   chan domain.RosterEvent
	leaves    int
	endChecks int
	muteLog   []bool
	videoLog  []bool
	screenLog []bool
	speakLog  []bool
	failMute  error
	closeOnce sync.Once
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		roster:  make(map[domain.UserID]domain.Participant),
		flags:   make(map[domain.UserID]core.MediaFlags),
		changes: make(chan domain.RosterEvent, 16),
	}
}

func (d *fakeDirectory) seed(p domain.Participant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roster[p.UserID] = p
}

func (d *fakeDirectory) Join(_ context.Context, p domain.Participant) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roster[p.UserID] = p
	return nil
}

func (d *fakeDirectory) Leave(_ context.Context, _ domain.SessionID, uid domain.UserID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.roster, uid)
	d.leaves++
	return nil
}

func (d *fakeDirectory) SetMuted(_ context.Context, _ domain.SessionID, _ domain.UserID, muted bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failMute != nil {
		return d.failMute
	}
	d.muteLog = append(d.muteLog, muted)
	return nil
}

func (d *fakeDirectory) SetSpeaking(_ context.Context, _ domain.SessionID, _ domain.UserID, speaking bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speakLog = append(d.speakLog, speaking)
	return nil
}

func (d *fakeDirectory) SetVideo(_ context.Context, _ domain.SessionID, _ domain.UserID, hasVideo bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.videoLog = append(d.videoLog, hasVideo)
	return nil
}

func (d *fakeDirectory) SetScreen(_ context.Context, _ domain.SessionID, _ domain.UserID, sharing bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.screenLog = append(d.screenLog, sharing)
	return nil
}

func (d *fakeDirectory) Roster(context.Context, domain.SessionID) ([]domain.Participant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.Participant, 0, len(d.roster))
	for _, p := range d.roster {
		out = append(out, p)
	}
	return out, nil
}

func (d *fakeDirectory) Flags(_ context.Context, _ domain.SessionID, uid domain.UserID) (core.MediaFlags, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.flags[uid]
	if !ok {
		return core.MediaFlags{}, errors.New("not found")
	}
	return f, nil
}

func (d *fakeDirectory) EndSessionIfEmpty(context.Context, domain.SessionID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endChecks++
	return len(d.roster) == 0, nil
}

func (d *fakeDirectory) Changes() <-chan domain.RosterEvent { return d.changes }

func (d *fakeDirectory) Close() {
	d.closeOnce.Do(func() { close(d.changes) })
}

func (d *fakeDirectory) leaveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leaves
}

func (d *fakeDirectory) muteWrites() []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]bool, len(d.muteLog))
	copy(out, d.muteLog)
	return out
}

func (d *fakeDirectory) speakWrites() []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]bool, len(d.speakLog))
	copy(out, d.speakLog)
	return out
}

func (d *fakeDirectory) videoWrites() []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]bool, len(d.videoLog))
	copy(out, d.videoLog)
	return out
}

// --- inbound track ----------------------------------------------------

type fakeInbound struct {
	id       string
	streamID string
	kind     webrtc.RTPCodecType
	frames   chan []byte
}

func newFakeInbound(id, streamID string, kind webrtc.RTPCodecType) *fakeInbound {
	return &fakeInbound{id: id, streamID: streamID, kind: kind, frames: make(chan []byte, 64)}
}

func (t *fakeInbound) ID() string                { return t.id }
func (t *fakeInbound) StreamID() string          { return t.streamID }
func (t *fakeInbound) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fakeInbound) ReadPacket() ([]byte, error) {
	frame, ok := <-t.frames
	if !ok {
		return nil, io.EOF
	}
	return frame, nil
}
