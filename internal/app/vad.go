package app

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// activityMonitor detects speech on one audio source. Opus uses DTX, so
// silence frames are a few bytes while voiced frames are tens of bytes;
// the rolling average payload size over the analysis window is a workable
// level estimate without decoding. Transitions are edge-triggered.
//
// The goroutine exits when the source errors out; stopping a monitor means
// closing its source (the link or the capture tap).
type activityMonitor struct {
	subject domain.UserID
	done    chan struct{}
}

func startActivityMonitor(subject domain.UserID, src core.PacketReader, threshold float64, window int, gap time.Duration, onChange func(domain.UserID, bool)) *activityMonitor {
	if window <= 0 {
		window = 50
	}
	if gap <= 0 {
		gap = time.Second
	}
	m := &activityMonitor{subject: subject, done: make(chan struct{})}
	go m.run(src, threshold, window, gap, onChange)
	return m
}

func (m *activityMonitor) run(src core.PacketReader, threshold float64, window int, gap time.Duration, onChange func(domain.UserID, bool)) {
	defer close(m.done)

	// The source read blocks, so sizes flow through a channel and the
	// analysis loop can notice the source going quiet without it closing.
	frames := make(chan int)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			payload, err := src.ReadPacket()
			if err != nil {
				return
			}
			frames <- len(payload)
		}
	}()

	sizes := make([]float64, 0, window)
	idx := 0
	sum := 0.0
	speaking := false

	for {
		select {
		case n := <-frames:
			v := float64(n)
			if len(sizes) < window {
				sizes = append(sizes, v)
				sum += v
			} else {
				sum += v - sizes[idx]
				sizes[idx] = v
				idx = (idx + 1) % window
			}
			now := sum/float64(len(sizes)) >= threshold
			if now != speaking {
				speaking = now
				onChange(m.subject, speaking)
			}

		case <-time.After(gap):
			// A full gap without a single packet reads as silence (a muted
			// or gated source stops sending entirely). The window restarts
			// clean on the next frame.
			if speaking {
				speaking = false
				onChange(m.subject, false)
			}
			sizes = sizes[:0]
			idx = 0
			sum = 0

		case <-readDone:
			if speaking {
				onChange(m.subject, false)
			}
			log.Debug().Str("module", "app.vad").Str("subject", string(m.subject)).Msg("source closed")
			return
		}
	}
}

// Done closes once the monitor goroutine has exited.
func (m *activityMonitor) Done() <-chan struct{} { return m.done }
