// Package app is the call core: one orchestrator goroutine owns all call
// state and consumes commands, relay records, roster changes and timer
// continuations from a single task queue. Adapters run their own pumps and
// post closures into the queue; every deferred continuation re-checks the
// session epoch so completions from a torn-down call are discarded.
package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/metrics"
	"github.com/dkeye/peercall/internal/sigcodec"
)

const (
	taskBacklog    = 128
	eventBacklog   = 64
	persistTimeout = 5 * time.Second
)

// RelayDialer opens the signaling subscription for one session.
type RelayDialer func(ctx context.Context, rawURL string, sid domain.SessionID, uid domain.UserID) (core.SignalRelay, error)

// DirectoryDialer opens the participant directory for one session.
type DirectoryDialer func(ctx context.Context, sid domain.SessionID) (core.Directory, error)

// callSession is the per-call state, created on join and dropped on leave.
type callSession struct {
	id       domain.SessionID
	relay    core.SignalRelay
	dir      core.Directory
	registry *Registry
	mux      *TrackMultiplexer
	health   *HealthMonitor
	classify *Classifier
	seen     *sigcodec.SeenSet
	pending  []domain.PendingOffer
	parts    map[domain.UserID]*participantState
	vads     map[domain.UserID]*activityMonitor
	stopTap  func()

	ready         bool
	cameraOn      bool
	sharingScreen bool
}

// participantState is a roster record plus the local inbound-track refs.
type participantState struct {
	p           domain.Participant
	audioTrack  string
	cameraTrack string
	screenTrack string
}

type Orchestrator struct {
	cfg  *config.Config
	uid  domain.UserID
	name string

	dialer    core.MediaDialer
	capture   core.CaptureDevice
	dialRelay RelayDialer
	dialDir   DirectoryDialer

	tasks  chan func()
	events chan Event
	done   chan struct{}

	// loop-confined
	runCtx       context.Context
	epoch        int
	call         *callSession
	muted        bool
	speakerMuted bool

	stateMu sync.RWMutex
	view    CallState
	roster  []ParticipantView
}

func New(cfg *config.Config, uid domain.UserID, name string, dialer core.MediaDialer, capture core.CaptureDevice, dialRelay RelayDialer, dialDir DirectoryDialer) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		uid:       uid,
		name:      name,
		dialer:    dialer,
		capture:   capture,
		dialRelay: dialRelay,
		dialDir:   dialDir,
		tasks:     make(chan func(), taskBacklog),
		events:    make(chan Event, eventBacklog),
		done:      make(chan struct{}),
		muted:     true,
	}
	capture.OnEnded(func(role domain.TrackRole) {
		o.post(func() {
			if o.call == nil {
				return
			}
			o.onTrackEnded(role)
		})
	})
	return o
}

func (o *Orchestrator) UserID() domain.UserID { return o.uid }

// Run is the event loop. It returns after ctx is cancelled and the active
// call, if any, has been torn down.
func (o *Orchestrator) Run(ctx context.Context) {
	o.runCtx = ctx
	log.Info().Str("module", "app").Str("user", string(o.uid)).Msg("orchestrator running")

	ticker := time.NewTicker(o.cfg.Timing.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if o.call != nil {
				o.endCall(true, nil)
			}
			close(o.done)
			log.Info().Str("module", "app").Msg("orchestrator stopped")
			return
		case fn := <-o.tasks:
			fn()
		case <-ticker.C:
			o.checkHealth()
		}
	}
}

// post enqueues fn on the loop. Returns false once the loop has exited.
func (o *Orchestrator) post(fn func()) bool {
	select {
	case o.tasks <- fn:
		return true
	case <-o.done:
		return false
	}
}

// after schedules fn on the loop, discarded if the session epoch moved or
// the call ended in the meantime.
func (o *Orchestrator) after(d time.Duration, epoch int, fn func()) {
	time.AfterFunc(d, func() {
		o.post(func() {
			if o.epoch != epoch || o.call == nil {
				return
			}
			fn()
		})
	})
}

// do runs fn on the loop and waits for its result.
func (o *Orchestrator) do(fn func() error) error {
	errc := make(chan error, 1)
	if !o.post(func() { errc <- fn() }) {
		return domain.ErrCallInactive
	}
	select {
	case err := <-errc:
		return err
	case <-o.done:
		return domain.ErrCallInactive
	}
}

func (o *Orchestrator) emit(ev Event) {
	if o.call != nil {
		ev.Session = o.call.id
	}
	select {
	case o.events <- ev:
	default:
		log.Warn().Str("module", "app").Str("kind", string(ev.Kind)).Msg("events backlog full, dropping")
	}
}

func (o *Orchestrator) Events() <-chan Event { return o.events }

func (o *Orchestrator) State() CallState {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.view
}

func (o *Orchestrator) Participants() []ParticipantView {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	out := make([]ParticipantView, len(o.roster))
	copy(out, o.roster)
	return out
}

// publishState refreshes the snapshots handed out to other goroutines.
func (o *Orchestrator) publishState() {
	view := CallState{Muted: o.muted, SpeakerMuted: o.speakerMuted}
	var roster []ParticipantView

	if c := o.call; c != nil {
		view.Active = true
		view.SessionID = c.id
		view.HasActiveLink = c.registry.AnyActive()
		view.CameraOn = c.cameraOn
		view.SharingScreen = c.sharingScreen

		roster = make([]ParticipantView, 0, len(c.parts))
		for _, ps := range c.parts {
			roster = append(roster, ParticipantView{
				Participant:   ps.p,
				AudioTrackID:  ps.audioTrack,
				CameraTrackID: ps.cameraTrack,
				ScreenTrackID: ps.screenTrack,
			})
		}
		sort.Slice(roster, func(i, j int) bool { return roster[i].UserID < roster[j].UserID })
	}
	metrics.HasActiveLink.Set(boolGauge(view.HasActiveLink))

	o.stateMu.Lock()
	o.view = view
	o.roster = roster
	o.stateMu.Unlock()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (o *Orchestrator) ensurePart(uid domain.UserID) *participantState {
	c := o.call
	if ps, ok := c.parts[uid]; ok {
		return ps
	}
	ps := &participantState{p: domain.Participant{UserID: uid, SessionID: c.id}}
	c.parts[uid] = ps
	return ps
}

func (o *Orchestrator) updateSelf(mut func(*domain.Participant)) {
	ps := o.ensurePart(o.uid)
	mut(&ps.p)
}

// persistFlag snapshots the directory handle on the loop and runs the
// write off it; a torn-down session simply skips the write.
func (o *Orchestrator) persistFlag(what string, write func(context.Context, core.Directory, domain.SessionID) error, onErr func(error)) {
	c := o.call
	dir, sid := c.dir, c.id
	if dir == nil {
		return
	}
	o.persistAsync(what, func(ctx context.Context) error {
		return write(ctx, dir, sid)
	}, onErr)
}

// persistAsync runs a directory write off the loop; onErr, if set, is
// posted back with the epoch guard for rollback.
func (o *Orchestrator) persistAsync(what string, write func(context.Context) error, onErr func(error)) {
	epoch := o.epoch
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := write(ctx); err != nil {
			log.Error().Err(err).Str("module", "app").Str("op", what).Msg("directory write failed")
			if onErr != nil {
				o.post(func() {
					if o.epoch != epoch || o.call == nil {
						return
					}
					onErr(err)
				})
			}
		}
	}()
}
