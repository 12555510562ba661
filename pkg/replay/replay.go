// Package replay walks a capture journal after the fact.
package replay

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/maruel/natural"

	"github.com/willibrandon/chronopoint/pkg/recorder"
)

// ErrAtStart is returned when stepping back from the first event
var ErrAtStart = errors.New("already at the beginning")

// Replayer moves through journal events and prints each event it passes
type Replayer struct {
	events     []recorder.Event
	currentIdx int
	out        io.Writer
}

// NewReplayer creates a replayer printing to out
func NewReplayer(out io.Writer) *Replayer {
	return &Replayer{currentIdx: -1, out: out}
}

// LoadEvents loads the given events and rewinds
func (r *Replayer) LoadEvents(events []recorder.Event) {
	r.events = events
	r.currentIdx = -1
}

// ReplayForward prints every event after the current position
func (r *Replayer) ReplayForward() int {
	n, _ := r.ReplayUntil(nil)
	return n
}

// ReplayUntil prints events until stop matches one. The matching event is
// printed and becomes the current position. It returns the number of events
// printed and whether stop matched.
func (r *Replayer) ReplayUntil(stop func(recorder.Event) bool) (int, bool) {
	n := 0
	for i := r.currentIdx + 1; i < len(r.events); i++ {
		e := r.events[i]
		fmt.Fprintln(r.out, e)
		r.currentIdx = i
		n++
		if stop != nil && stop(e) {
			return n, true
		}
	}
	return n, false
}

// Seek moves to idx without printing
func (r *Replayer) Seek(idx int) error {
	if idx < 0 || idx >= len(r.events) {
		return fmt.Errorf("event index %d out of range [0, %d)", idx, len(r.events))
	}
	r.currentIdx = idx
	return nil
}

// StepBackward moves one event back and returns it
func (r *Replayer) StepBackward() (recorder.Event, error) {
	if r.currentIdx <= 0 {
		return recorder.Event{}, ErrAtStart
	}
	r.currentIdx--
	return r.events[r.currentIdx], nil
}

// CurrentIndex returns the current event index, -1 before the first event
func (r *Replayer) CurrentIndex() int {
	return r.currentIdx
}

// Events returns all loaded events
func (r *Replayer) Events() []recorder.Event {
	return r.events
}

// ParseEventType parses an event type name such as "capture" or "jobfailed"
func ParseEventType(s string) (recorder.EventType, error) {
	for t := recorder.CaptureEvent; t <= recorder.ExitEvent; t++ {
		if strings.EqualFold(t.String(), s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

// Report summarizes a journal
type Report struct {
	Counts map[recorder.EventType]int
	// Snapshots lists every captured snapshot in natural order
	Snapshots []string
	// Failed lists snapshots with at least one failed background job
	Failed []string
	// Pending lists snapshots with a job launched but never finished, which
	// happens when capture was killed before draining
	Pending []string
}

// Summarize builds a Report from journal events
func Summarize(events []recorder.Event) Report {
	rep := Report{Counts: make(map[recorder.EventType]int)}
	launched := make(map[string]int)
	failed := make(map[string]bool)
	for _, e := range events {
		rep.Counts[e.Type]++
		switch e.Type {
		case recorder.CaptureEvent:
			rep.Snapshots = append(rep.Snapshots, e.Checkpoint)
		case recorder.JobLaunchEvent:
			launched[e.Checkpoint]++
		case recorder.JobDoneEvent:
			launched[e.Checkpoint]--
		case recorder.JobFailedEvent:
			launched[e.Checkpoint]--
			failed[e.Checkpoint] = true
		}
	}
	for name := range failed {
		rep.Failed = append(rep.Failed, name)
	}
	for name, n := range launched {
		if n > 0 {
			rep.Pending = append(rep.Pending, name)
		}
	}
	for _, names := range [][]string{rep.Snapshots, rep.Failed, rep.Pending} {
		sort.Slice(names, func(i, j int) bool {
			return natural.Less(names[i], names[j])
		})
	}
	return rep
}
