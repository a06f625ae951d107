// Package progress publishes upload progress as a stream of events. The
// producer never blocks on a slow consumer: when the buffer is full the
// oldest pending event is dropped in favour of the newest one.
package progress

import (
	"sync"

	"github.com/i5heu/ouroboros-media/pkg/errs"
)

// Event is one progress update.
type Event struct {
	Stage   errs.Stage
	Percent float64
	Message string
}

// Stage bands on the 0-100 scale.
var stageBands = map[errs.Stage][2]float64{
	errs.StageTranscoding: {0, 10},
	errs.StageEncrypting:  {10, 40},
	errs.StageUploading:   {40, 90},
	errs.StageRegistering: {90, 100},
}

const bufferSize = 64

// Reporter fans progress events out to a channel. A nil *Reporter is a
// valid no-op reporter.
type Reporter struct {
	mu     sync.Mutex
	ch     chan Event
	last   float64
	closed bool
}

// NewReporter creates a reporter with a buffered event channel.
func NewReporter() *Reporter {
	return &Reporter{ch: make(chan Event, bufferSize)}
}

// Events returns the channel consumers read from. It is closed by Close.
func (r *Reporter) Events() <-chan Event {
	return r.ch
}

// Report publishes fraction (0..1) of stage. The overall percentage never
// goes backwards.
func (r *Reporter) Report(stage errs.Stage, fraction float64, message string) {
	if r == nil {
		return
	}
	band, ok := stageBands[stage]
	if !ok {
		return
	}
	fraction = min(max(fraction, 0), 1)
	percent := band[0] + (band[1]-band[0])*fraction

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if percent < r.last {
		percent = r.last
	}
	r.last = percent

	ev := Event{Stage: stage, Percent: percent, Message: message}
	for {
		select {
		case r.ch <- ev:
			return
		default:
		}
		// Full: drop the oldest pending event and try again.
		select {
		case <-r.ch:
		default:
		}
	}
}

// Counter returns a function that reports done/total of stage each time it
// is called. It is safe for concurrent use.
func (r *Reporter) Counter(stage errs.Stage, total int, message string) func() {
	var (
		mu   sync.Mutex
		done int
	)
	return func() {
		if r == nil || total <= 0 {
			return
		}
		mu.Lock()
		done++
		n := done
		mu.Unlock()
		r.Report(stage, float64(n)/float64(total), message)
	}
}

// Close closes the event channel. Reports after Close are dropped.
func (r *Reporter) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
}
