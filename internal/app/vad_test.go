package app

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/peercall/internal/domain"
)

type transitionLog struct {
	mu  sync.Mutex
	log []bool
}

func (l *transitionLog) record(_ domain.UserID, speaking bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log = append(l.log, speaking)
}

func (l *transitionLog) snapshot() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]bool, len(l.log))
	copy(out, l.log)
	return out
}

func feed(t *testing.T, src *fakeInbound, size, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		src.frames <- make([]byte, size)
	}
}

func TestSpeechTransitionsAreEdgeTriggered(t *testing.T) {
	src := newFakeInbound("mic", "s", 0)
	sink := &transitionLog{}
	m := startActivityMonitor("peer-a", src, 20, 4, time.Minute, sink.record)

	// Loud frames push the window average over the threshold once; the
	// following loud frames must not re-report.
	feed(t, src, 100, 8)
	require.Eventually(t, func() bool {
		log := sink.snapshot()
		return len(log) == 1 && log[0]
	}, time.Second, 5*time.Millisecond)

	// Silence drains the window back under the threshold: one transition.
	feed(t, src, 1, 8)
	require.Eventually(t, func() bool {
		log := sink.snapshot()
		return len(log) == 2 && !log[1]
	}, time.Second, 5*time.Millisecond)

	close(src.frames)
	<-m.Done()
}

func TestQuietSourceNeverReports(t *testing.T) {
	src := newFakeInbound("mic", "s", 0)
	sink := &transitionLog{}
	m := startActivityMonitor("peer-a", src, 20, 4, time.Minute, sink.record)

	feed(t, src, 3, 16)
	close(src.frames)
	<-m.Done()
	require.Empty(t, sink.snapshot())
}

func TestSilenceGapDropsSpeaking(t *testing.T) {
	src := newFakeInbound("mic", "s", 0)
	sink := &transitionLog{}
	m := startActivityMonitor("peer-a", src, 20, 4, 30*time.Millisecond, sink.record)

	feed(t, src, 100, 8)
	require.Eventually(t, func() bool {
		log := sink.snapshot()
		return len(log) == 1 && log[0]
	}, time.Second, 5*time.Millisecond)

	// No more frames: the source stays open but goes quiet. The gap timer
	// must report silence without a single silent packet arriving.
	require.Eventually(t, func() bool {
		log := sink.snapshot()
		return len(log) == 2 && !log[1]
	}, time.Second, 5*time.Millisecond)

	// The window restarted clean, so new loud frames re-trigger speech.
	feed(t, src, 100, 8)
	require.Eventually(t, func() bool {
		log := sink.snapshot()
		return len(log) == 3 && log[2]
	}, time.Second, 5*time.Millisecond)

	close(src.frames)
	<-m.Done()
}

func TestSourceCloseWhileSpeakingReportsSilence(t *testing.T) {
	src := newFakeInbound("mic", "s", 0)
	sink := &transitionLog{}
	m := startActivityMonitor("peer-a", src, 20, 4, time.Minute, sink.record)

	feed(t, src, 100, 8)
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	close(src.frames)
	<-m.Done()
	log := sink.snapshot()
	require.Equal(t, []bool{true, false}, log)
}
