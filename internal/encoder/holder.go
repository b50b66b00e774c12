package encoder

import (
	"sync"

	"github.com/jmylchreest/reencodarr/internal/models"
	"github.com/jmylchreest/reencodarr/internal/procrunner"
)

// Metadata describes the encode a holder is carrying, enough for a fresh
// controller to recover after a crash.
type Metadata struct {
	Video      *models.Video
	Vmaf       *models.Vmaf
	OutputPath string
}

// replayBuffer bounds how many recent lines a late subscriber receives.
const replayBuffer = 200

// subscriberCapacity sizes the subscriber channel. It exceeds replayBuffer
// so a full replay always fits.
const subscriberCapacity = 512

// runnerHandle abstracts the process runner for testing.
type runnerHandle interface {
	Events() <-chan procrunner.Event
	Kill()
	CommandLine() string
	PID() int
}

// Holder owns the OS process handle and line buffer for one encode. It
// outlives the controller: if the controller crashes mid-encode, a new
// controller re-subscribes and replays the buffered output. Holders are
// never restarted; a dead holder means the encode is over.
type Holder struct {
	runner runnerHandle
	meta   Metadata

	mu     sync.Mutex
	lines  []procrunner.Event
	exit   *procrunner.Event
	sub    chan procrunner.Event
	closed bool
}

// NewHolder wraps a started runner and begins pumping its output.
func NewHolder(runner runnerHandle, meta Metadata) *Holder {
	h := &Holder{runner: runner, meta: meta}
	go h.pump()
	return h
}

// Metadata returns the encode description for controller recovery.
func (h *Holder) Metadata() Metadata {
	return h.meta
}

// OSPid returns the child's process ID for health monitors.
func (h *Holder) OSPid() int {
	return h.runner.PID()
}

// CommandLine returns the child's full command line.
func (h *Holder) CommandLine() string {
	return h.runner.CommandLine()
}

// Alive reports whether the encode is still running.
func (h *Holder) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

// ExitCode returns the process exit status once the encode has finished.
func (h *Holder) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exit == nil {
		return 0, false
	}
	return h.exit.ExitCode, true
}

// Kill signals the process group and ends the encode.
func (h *Holder) Kill() {
	h.runner.Kill()
}

// Subscribe replays the buffered lines to a new channel and forwards future
// events to it. Only the latest subscriber receives live events; an earlier
// subscription is abandoned (its controller is gone).
func (h *Holder) Subscribe() <-chan procrunner.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan procrunner.Event, subscriberCapacity)
	for _, ev := range h.lines {
		ch <- ev
	}
	if h.exit != nil {
		ch <- *h.exit
		close(ch)
		return ch
	}
	h.sub = ch
	return ch
}

// pump drains the runner, retaining a bounded replay buffer and forwarding
// to the current subscriber.
func (h *Holder) pump() {
	for ev := range h.runner.Events() {
		h.mu.Lock()
		if ev.Kind == procrunner.KindExit {
			h.exit = &ev
			h.closed = true
		} else {
			h.lines = append(h.lines, ev)
			if len(h.lines) > replayBuffer {
				h.lines = h.lines[len(h.lines)-replayBuffer:]
			}
		}
		sub := h.sub
		h.mu.Unlock()

		if sub == nil {
			continue
		}
		if ev.Kind == procrunner.KindExit {
			// The exit is recorded on the holder before delivery, so a
			// subscriber that only sees its channel close reads the code via
			// ExitCode. An abandoned subscriber with a full buffer must not
			// park the pump.
			select {
			case sub <- ev:
			default:
			}
			close(sub)
			h.mu.Lock()
			if h.sub == sub {
				h.sub = nil
			}
			h.mu.Unlock()
			continue
		}
		select {
		case sub <- ev:
		default:
			// Slow subscriber: progress lines are droppable.
		}
	}

	// Runner stream ended without an exit event (should not happen); make
	// sure a subscriber is not left waiting.
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		if h.sub != nil {
			close(h.sub)
			h.sub = nil
		}
	}
}

// TailLines returns the retained output lines for failure context.
func (h *Holder) TailLines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.lines))
	for _, ev := range h.lines {
		out = append(out, ev.Text)
	}
	return out
}
