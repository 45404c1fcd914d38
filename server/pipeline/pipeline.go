// Package pipeline is the per-session orchestrator: it runs the person
// detector on every frame it is handed, feeds the classifier's sliding
// window, drives the violence state machine, and routes frames into the
// context and violence buffers.
package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/centinelacam/centinela/pkg/frames"
	"github.com/centinelacam/centinela/pkg/log"
	"github.com/centinelacam/centinela/pkg/nn"
	"github.com/centinelacam/centinela/pkg/perfstats"
	"github.com/centinelacam/centinela/server/buffers"
	"github.com/centinelacam/centinela/server/metrics"
)

type State int

const (
	StateIdle State = iota
	StateActive
	StateCooling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCooling:
		return "cooling"
	}
	return "unknown"
}

// nextSequenceID is process-wide so that sequence IDs are unique across
// sessions, even though each session owns its own state machine.
var nextSequenceID atomic.Int64

// Coordinator is the slice of the incident coordinator the pipeline needs.
// All three side effects fire exactly once per sequence.
type Coordinator interface {
	// CreateIncident persists a new incident and returns its id.
	// On failure the pipeline carries on with a synthetic local id.
	CreateIncident(cameraID int64, probability float32, persons int, startTime time.Time, location string) (int64, error)
	ActivateAlarm()
	EmitVoiceAlert(location string, probability float32, persons int, force bool)
}

// Options are the knobs the state machine runs on
type Options struct {
	ViolenceThreshold float32
	Cooldown          time.Duration // negative-only span that moves Active -> Cooling
	PostRoll          time.Duration // further quiet span that moves Cooling -> Idle
	MinPersons        int           // persisted incidents report at least this many persons
}

func DefaultOptions() Options {
	return Options{
		ViolenceThreshold: nn.DefaultViolenceThreshold,
		Cooldown:          2 * time.Second,
		PostRoll:          6 * time.Second,
		MinPersons:        2,
	}
}

// sequence is the live state of one violence sequence
type sequence struct {
	id             int64
	incidentID     int64
	start          time.Time
	lastViolence   time.Time
	end            time.Time
	peakProb       float32
	lastVerdict    *nn.Verdict
	persons        int
	framesAnalyzed int
}

// Pipeline drives detection for one camera session. Not safe for concurrent
// ProcessFrame calls; the session's processing task is the only caller.
type Pipeline struct {
	Log log.Log

	cameraID    int64
	location    string
	opts        Options
	detector    *nn.SafeDetector
	classifier  *nn.SafeClassifier
	violence    *buffers.ViolenceBuffer
	context     *buffers.ContextBuffer
	coordinator Coordinator
	metrics     *metrics.Metrics

	window []*frames.Frame // classifier sliding window; cleared after each run

	state State
	seq   sequence

	watchersLock sync.Mutex
	watchers     []chan *Event
}

// Outcome is what the camera session gets back for each processed frame,
// so it can stream an annotated copy and surface state to the operator.
type Outcome struct {
	Detections []nn.Detection
	Verdict    *nn.Verdict // nil when no classifier run completed on this frame
	State      State
	SequenceID int64
}

func NewPipeline(logger log.Log, cameraID int64, location string, opts Options, detector *nn.SafeDetector, classifier *nn.SafeClassifier, violenceBuf *buffers.ViolenceBuffer, contextBuf *buffers.ContextBuffer, coordinator Coordinator, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		Log:         log.NewPrefixLogger(logger, "pipeline"),
		cameraID:    cameraID,
		location:    location,
		opts:        opts,
		detector:    detector,
		classifier:  classifier,
		violence:    violenceBuf,
		context:     contextBuf,
		coordinator: coordinator,
		metrics:     m,
	}
}

func (p *Pipeline) State() State {
	return p.state
}

// InViolence is true while the machine is Active or Cooling. The session
// uses this for its queue policy and frame sampling rate.
func (p *Pipeline) InViolence() bool {
	return p.state != StateIdle
}

// ProcessFrame pushes one captured frame through detection, classification
// and the state machine.
func (p *Pipeline) ProcessFrame(frame *frames.Frame) *Outcome {
	p.metrics.FramesProcessed.Add(1)

	detections, ok := p.detector.Detect(frame)
	p.metrics.DetectorRuns.Add(1)
	if !ok {
		p.metrics.DetectorErrors.Add(1)
	}

	var verdict *nn.Verdict
	if len(detections) > 0 {
		// The classifier is expensive; empty scenes never reach it
		p.window = append(p.window, frame)
		if len(p.window) == p.classifier.WindowSize() {
			start := time.Now()
			v := p.classifier.Classify(p.window)
			perfstats.UpdateMovingAverage(&p.metrics.InferenceMsAvg, time.Since(start).Milliseconds())
			p.metrics.ClassifierRuns.Add(1)
			p.metrics.PreprocessCacheLen.Store(int64(p.classifier.CacheLen()))
			if v.Diagnostic != "" {
				p.metrics.ClassifierErrors.Add(1)
			}
			if v.Detected {
				p.metrics.PositiveVerdicts.Add(1)
			}
			verdict = &v
			p.window = p.window[:0]
		}
	}

	p.evaluate(frame.WallTime, verdict, len(detections))

	annotated := &buffers.AnnotatedFrame{
		Frame:      frame,
		Detections: detections,
		Verdict:    verdict,
		SequenceID: p.currentSequenceID(),
		IsViolence: verdict != nil && verdict.Detected,
	}
	p.context.Add(annotated)
	p.metrics.ContextBufferLen.Store(int64(p.context.Len()))

	// A frame joins the violence buffer when its own verdict is positive,
	// or when it lands inside an active sequence (the tail context belongs
	// to that sequence's evidence too).
	if annotated.IsViolence || p.state == StateActive {
		ov := verdict
		if ov == nil {
			ov = p.seq.lastVerdict
		}
		p.violence.Admit(frame, detections, ov, p.seq.id)
		p.metrics.ViolenceBufferLen.Store(int64(p.violence.Len()))
	}

	return &Outcome{
		Detections: detections,
		Verdict:    verdict,
		State:      p.state,
		SequenceID: p.currentSequenceID(),
	}
}

func (p *Pipeline) currentSequenceID() int64 {
	if p.state == StateIdle {
		return 0
	}
	return p.seq.id
}

// evaluate advances the state machine. now is the frame's capture time, so
// replayed footage and tests drive the machine deterministically.
func (p *Pipeline) evaluate(now time.Time, verdict *nn.Verdict, persons int) {
	positive := verdict != nil && verdict.Detected

	switch p.state {
	case StateIdle:
		if positive {
			p.startSequence(verdict, persons)
		}
	case StateActive:
		if positive {
			p.extendSequence(verdict)
		} else if now.Sub(p.seq.lastViolence) > p.opts.Cooldown {
			p.state = StateCooling
			p.Log.Infof("Sequence %v cooling (last violence %.1fs ago)", p.seq.id, now.Sub(p.seq.lastViolence).Seconds())
			p.emit(EventSequenceCooling)
		}
	case StateCooling:
		if positive {
			// Same sequence resumes; none of the side effects re-fire
			p.state = StateActive
			p.extendSequence(verdict)
			p.Log.Infof("Sequence %v resumed from cooling", p.seq.id)
		} else if now.Sub(p.seq.lastViolence) > p.opts.PostRoll {
			p.endSequence()
		}
	}
}

func (p *Pipeline) startSequence(verdict *nn.Verdict, persons int) {
	if persons < p.opts.MinPersons {
		// One person on camera almost always means another just off it;
		// the operator workflow downstream assumes at least two.
		persons = p.opts.MinPersons
	}
	p.state = StateActive
	p.seq = sequence{
		id:             nextSequenceID.Add(1),
		start:          verdict.WindowEnd,
		lastViolence:   verdict.WindowEnd,
		end:            verdict.WindowEnd,
		peakProb:       verdict.Probability,
		lastVerdict:    verdict,
		persons:        persons,
		framesAnalyzed: verdict.FramesAnalyzed,
	}
	p.metrics.SequencesStarted.Add(1)
	p.Log.Infof("Violence detected on camera %v (sequence %v, probability %.2f, %v persons)", p.cameraID, p.seq.id, verdict.Probability, persons)

	incidentID, err := p.coordinator.CreateIncident(p.cameraID, verdict.Probability, persons, p.seq.start, p.location)
	if err != nil {
		// The event must still be handled; carry a synthetic local id so
		// the recorder and notifications have something to reference.
		p.Log.Criticalf("Failed to persist incident for sequence %v: %v", p.seq.id, err)
		incidentID = -p.seq.id
	}
	p.seq.incidentID = incidentID

	p.coordinator.ActivateAlarm()
	p.coordinator.EmitVoiceAlert(p.location, verdict.Probability, persons, false)
	p.emit(EventSequenceStarted)
}

func (p *Pipeline) extendSequence(verdict *nn.Verdict) {
	p.seq.lastViolence = verdict.WindowEnd
	p.seq.end = verdict.WindowEnd
	p.seq.lastVerdict = verdict
	p.seq.framesAnalyzed += verdict.FramesAnalyzed
	if verdict.Probability > p.seq.peakProb {
		p.seq.peakProb = verdict.Probability
	}
	p.emit(EventSequenceUpdated)
}

func (p *Pipeline) endSequence() {
	p.Log.Infof("Sequence %v ended (span %.1fs, peak probability %.2f)", p.seq.id, p.seq.end.Sub(p.seq.start).Seconds(), p.seq.peakProb)
	p.state = StateIdle
	p.metrics.SequencesEnded.Add(1)
	p.emit(EventSequenceEnded)
	p.seq = sequence{}
	p.window = p.window[:0]
}

// Close finalizes an in-flight sequence so its evidence is not lost when
// the session disconnects mid-violence.
func (p *Pipeline) Close() {
	if p.state != StateIdle {
		p.Log.Warnf("Closing pipeline with sequence %v still open", p.seq.id)
		p.endSequence()
	}
}

func (p *Pipeline) emit(kind EventKind) {
	p.sendToWatchers(&Event{
		Kind:           kind,
		CameraID:       p.cameraID,
		Location:       p.location,
		SequenceID:     p.seq.id,
		IncidentID:     p.seq.incidentID,
		Probability:    p.seq.peakProb,
		Persons:        p.seq.persons,
		StartTime:      p.seq.start,
		EndTime:        p.seq.end,
		FramesAnalyzed: p.seq.framesAnalyzed,
	})
}
