// Package capture sources local media tracks from RTP streams on loopback
// UDP ports, one port per role. Producers (microphone/camera/screen
// encoders, e.g. ffmpeg or gstreamer pipelines) write RTP to the port; the
// listener bridges packets into a pion local track shared by every peer
// connection.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// Fixed role→port layout; the producer side is configured to match.
var rolePorts = map[domain.TrackRole]int{
	domain.RoleAudio:  5004,
	domain.RoleCamera: 5006,
	domain.RoleScreen: 5008,
}

var roleCodecs = map[domain.TrackRole]webrtc.RTPCodecCapability{
	domain.RoleAudio:  {MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
	domain.RoleCamera: {MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
	domain.RoleScreen: {MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
}

type liveTrack struct {
	track  *webrtc.TrackLocalStaticRTP
	conn   *net.UDPConn
	cancel context.CancelFunc
}

type Listener struct {
	addr string

	mu       sync.Mutex
	tracks   map[domain.TrackRole]*liveTrack
	disabled map[domain.TrackRole]bool
	taps     map[domain.TrackRole]chan []byte
	onEnded  func(role domain.TrackRole)
	closed   bool
}

func NewListener(addr string) *Listener {
	return &Listener{
		addr:     addr,
		tracks:   make(map[domain.TrackRole]*liveTrack),
		disabled: make(map[domain.TrackRole]bool),
		taps:     make(map[domain.TrackRole]chan []byte),
	}
}

func (l *Listener) Acquire(ctx context.Context, role domain.TrackRole) (webrtc.TrackLocal, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", domain.ErrMediaAcquisition, role)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, fmt.Errorf("%w: capture closed", domain.ErrMediaAcquisition)
	}
	if lt, ok := l.tracks[role]; ok {
		return lt.track, nil
	}

	udpAddr := &net.UDPAddr{IP: net.ParseIP(l.addr), Port: rolePorts[role]}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		// Port unavailable means the device feed cannot be attached.
		return nil, fmt.Errorf("%w: bind %s: %w", domain.ErrMediaAcquisition, udpAddr, err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(roleCodecs[role], string(role), "peercall-"+string(role))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: new track: %w", domain.ErrMediaAcquisition, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	lt := &liveTrack{track: track, conn: conn, cancel: cancel}
	l.tracks[role] = lt

	go l.pump(ctx, role, lt)
	log.Info().Str("module", "capture").Str("role", string(role)).Int("port", rolePorts[role]).Msg("track acquired")
	return track, nil
}

func (l *Listener) pump(ctx context.Context, role domain.TrackRole, lt *liveTrack) {
	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	for {
		n, _, err := lt.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Error().Err(err).Str("module", "capture").Str("role", string(role)).Msg("read error, track ended")
				l.ended(role)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Debug().Err(err).Str("module", "capture").Str("role", string(role)).Msg("bad rtp packet")
			continue
		}
		if !l.forwarding(role) {
			continue
		}
		if err := lt.track.WriteRTP(pkt); err != nil {
			log.Debug().Err(err).Str("module", "capture").Str("role", string(role)).Msg("write rtp")
		}
		l.tapFrame(role, pkt.Payload)
	}
}

func (l *Listener) forwarding(role domain.TrackRole) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.disabled[role]
}

func (l *Listener) tapFrame(role domain.TrackRole, payload []byte) {
	l.mu.Lock()
	ch := l.taps[role]
	l.mu.Unlock()
	if ch == nil {
		return
	}
	frame := make([]byte, len(payload))
	copy(frame, payload)
	select {
	case ch <- frame:
	default:
		// analysis is best-effort, never stall the media pump
	}
}

// SetEnabled gates forwarding for a role. Disabled roles still drain the
// socket so the producer never blocks.
func (l *Listener) SetEnabled(role domain.TrackRole, enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disabled[role] = !enabled
}

// Tap mirrors forwarded payloads of a role. Only one tap per role; a new
// tap replaces the previous one.
func (l *Listener) Tap(role domain.TrackRole) (core.PacketReader, func()) {
	ch := make(chan []byte, 64)
	l.mu.Lock()
	if old, ok := l.taps[role]; ok {
		close(old)
	}
	l.taps[role] = ch
	l.mu.Unlock()

	stop := func() {
		l.mu.Lock()
		if l.taps[role] == ch {
			delete(l.taps, role)
			close(ch)
		}
		l.mu.Unlock()
	}
	return &tapReader{ch: ch}, stop
}

type tapReader struct {
	ch <-chan []byte
}

func (r *tapReader) ReadPacket() ([]byte, error) {
	frame, ok := <-r.ch
	if !ok {
		return nil, io.EOF
	}
	return frame, nil
}

// ended removes the role and notifies, mirroring a device feed stopping
// upstream.
func (l *Listener) ended(role domain.TrackRole) {
	l.mu.Lock()
	lt, ok := l.tracks[role]
	if ok {
		delete(l.tracks, role)
	}
	cb := l.onEnded
	l.mu.Unlock()

	if !ok {
		return
	}
	lt.cancel()
	_ = lt.conn.Close()
	if cb != nil {
		cb(role)
	}
}

func (l *Listener) Release(role domain.TrackRole) {
	l.mu.Lock()
	lt, ok := l.tracks[role]
	if ok {
		delete(l.tracks, role)
	}
	l.mu.Unlock()

	if !ok {
		return
	}
	lt.cancel()
	_ = lt.conn.Close()
	log.Info().Str("module", "capture").Str("role", string(role)).Msg("track released")
}

func (l *Listener) OnEnded(fn func(role domain.TrackRole)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onEnded = fn
}

func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	tracks := l.tracks
	l.tracks = make(map[domain.TrackRole]*liveTrack)
	taps := l.taps
	l.taps = make(map[domain.TrackRole]chan []byte)
	l.mu.Unlock()

	for _, ch := range taps {
		close(ch)
	}
	for _, lt := range tracks {
		lt.cancel()
		_ = lt.conn.Close()
	}
}
