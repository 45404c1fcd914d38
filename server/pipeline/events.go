package pipeline

import (
	"time"

	"github.com/centinelacam/centinela/pkg/gen"
)

type EventKind int

const (
	// EventSequenceStarted fires once, when a sequence enters Active for
	// the first time. Alarm, voice and incident creation have already run.
	EventSequenceStarted EventKind = iota
	// EventSequenceUpdated fires on every further positive verdict
	EventSequenceUpdated
	// EventSequenceCooling fires when the cooldown elapses and the machine
	// starts buffering the tail
	EventSequenceCooling
	// EventSequenceEnded fires when the post-roll has been captured and the
	// sequence is final. The recorder keys off this one.
	EventSequenceEnded
)

func (k EventKind) String() string {
	switch k {
	case EventSequenceStarted:
		return "started"
	case EventSequenceUpdated:
		return "updated"
	case EventSequenceCooling:
		return "cooling"
	case EventSequenceEnded:
		return "ended"
	}
	return "unknown"
}

// Event is the pipeline's outward face. Camera sessions translate events
// into signaling messages, the recorder turns Ended events into encode jobs,
// and the incident coordinator fans them out to subscribers.
type Event struct {
	Kind           EventKind
	CameraID       int64
	Location       string
	SequenceID     int64
	IncidentID     int64 // negative when incident persistence failed (synthetic local id)
	Probability    float32
	Persons        int
	StartTime      time.Time
	EndTime        time.Time
	FramesAnalyzed int // frames the classifier consumed during this sequence
}

// AddWatcher registers a channel that will receive every event this
// pipeline emits. The channel should have a capacity of around 100.
func (p *Pipeline) AddWatcher(ch chan *Event) {
	p.watchersLock.Lock()
	defer p.watchersLock.Unlock()
	p.watchers = append(p.watchers, ch)
}

func (p *Pipeline) RemoveWatcher(ch chan *Event) {
	p.watchersLock.Lock()
	defer p.watchersLock.Unlock()
	p.watchers = gen.DeleteFirst(p.watchers, ch)
}

// sendToWatchers must never block the processing path, so if a watcher's
// channel is over 90% full we drop the event for that watcher.
func (p *Pipeline) sendToWatchers(ev *Event) {
	p.watchersLock.Lock()
	defer p.watchersLock.Unlock()
	for _, ch := range p.watchers {
		if len(ch) >= cap(ch)*9/10 {
			p.Log.Warnf("Pipeline watcher is falling behind. I am going to drop a %v event", ev.Kind)
			continue
		}
		ch <- ev
	}
}
