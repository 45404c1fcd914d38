package session

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/centinelacam/centinela/pkg/frames"
	"github.com/centinelacam/centinela/pkg/log"
	"github.com/centinelacam/centinela/pkg/nn"
	"github.com/centinelacam/centinela/server/buffers"
	"github.com/centinelacam/centinela/server/metrics"
	"github.com/centinelacam/centinela/server/pipeline"
	"github.com/centinelacam/centinela/server/recorder"
	"github.com/gorilla/websocket"
)

const (
	streamQueueSize  = 8
	processQueueSize = 64

	// After this many consecutive capture failures the session is marked
	// degraded. We keep retrying; a flaky camera is not a reason to tear
	// the whole session down.
	degradedThreshold = 5
	maxCaptureBackoff = 2 * time.Second
)

// Session owns one camera's entire lifecycle: websocket signaling, the
// capture thread, the detection pipeline, and the annotated WebRTC stream
// back to the operator.
type Session struct {
	Log log.Log

	id       int64
	cameraID int64
	location string

	opts Options

	ws          *websocket.Conn
	wsWriteLock sync.Mutex

	peer     *peer
	encoder  *streamEncoder
	peerLock sync.Mutex

	pipeline *pipeline.Pipeline
	violence *buffers.ViolenceBuffer
	context  *buffers.ContextBuffer
	recorder *recorder.Recorder
	metrics  *metrics.Metrics

	newSource func() (FrameSource, error)

	streamQ  *frameQueue
	processQ *frameQueue

	detectionEnabled atomic.Bool
	inViolence       atomic.Bool
	degraded         atomic.Bool

	frameID   atomic.Int64
	startTime time.Time

	// Latest processing outcome, used to annotate the outbound stream.
	annotLock   sync.Mutex
	annotDets   []nn.Detection
	annotProb   float32
	annotActive bool

	// Most recent annotated frame, for the snapshot API
	latestLock sync.Mutex
	latest     *frames.Frame

	events chan *pipeline.Event

	// capture/process/stream goroutines, started by start_stream
	workersLock    sync.Mutex
	workersRunning bool
	workersStop    chan bool
	workersDone    sync.WaitGroup

	shutdown  chan bool
	eventDone chan bool
	closeOnce sync.Once
}

// Options carries the per-session tuning knobs. The manager fills it from
// the server config.
type Options struct {
	CaptureWidth     int
	CaptureHeight    int
	CaptureFPSIdle   int
	CaptureFPSActive int
	StreamFPS        int

	ProcessEveryNIdle   int
	ProcessEveryNActive int
}

func newSession(logger log.Log, id, cameraID int64, location string, opts Options, ws *websocket.Conn, pipe *pipeline.Pipeline, violenceBuf *buffers.ViolenceBuffer, contextBuf *buffers.ContextBuffer, rec *recorder.Recorder, m *metrics.Metrics, newSource func() (FrameSource, error)) *Session {
	s := &Session{
		Log:       log.NewPrefixLogger(logger, "Session "+ws.RemoteAddr().String()),
		id:        id,
		cameraID:  cameraID,
		location:  location,
		opts:      opts,
		ws:        ws,
		pipeline:  pipe,
		violence:  violenceBuf,
		context:   contextBuf,
		recorder:  rec,
		metrics:   m,
		newSource: newSource,
		streamQ:   newFrameQueue(streamQueueSize),
		processQ:  newFrameQueue(processQueueSize),
		events:    make(chan *pipeline.Event, 100),
		startTime: time.Now(),
		shutdown:  make(chan bool),
		eventDone: make(chan bool),
	}
	s.detectionEnabled.Store(true)
	pipe.AddWatcher(s.events)
	pipe.AddWatcher(rec.EventChan())
	go s.eventLoop()
	return s
}

// Run drives the websocket read loop until the client disconnects or the
// session is closed. Blocks.
func (s *Session) Run() {
	defer s.Close()
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.Log.Warnf("Websocket read failed: %v", err)
			}
			return
		}
		var msg signalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Protocol violation: drop the message, keep the connection
			s.Log.Warnf("Dropping malformed signaling message: %v", err)
			continue
		}
		s.handleMessage(&msg)
	}
}

func (s *Session) handleMessage(msg *signalMessage) {
	switch msg.Kind {
	case KindOffer:
		if msg.DetectionEnabled != nil {
			s.detectionEnabled.Store(*msg.DetectionEnabled)
		}
		s.handleOffer(msg.SDP)
	case KindICECandidate:
		s.peerLock.Lock()
		p := s.peer
		s.peerLock.Unlock()
		if p == nil {
			s.Log.Warnf("ICE candidate before offer, dropping")
			return
		}
		if err := p.AddICECandidate(msg.Candidate); err != nil {
			s.Log.Warnf("Failed to add ICE candidate: %v", err)
		}
	case KindStartStream:
		s.startWorkers()
	case KindStopStream:
		s.stopWorkers()
	case KindToggleDetection:
		if msg.Enabled != nil {
			s.detectionEnabled.Store(*msg.Enabled)
			s.Log.Infof("Detection toggled: %v", *msg.Enabled)
		}
	case KindPing:
		s.send(&signalMessage{Kind: KindPong})
	case KindPong:
		// liveness ack, nothing to do
	default:
		s.Log.Warnf("Dropping signaling message of unknown kind %q", msg.Kind)
	}
}

func (s *Session) handleOffer(sdp string) {
	s.peerLock.Lock()
	defer s.peerLock.Unlock()
	if s.peer != nil {
		s.peer.Close()
		s.peer = nil
	}
	p, err := newPeer(s.Log, nil)
	if err != nil {
		s.Log.Errorf("Failed to create peer connection: %v", err)
		return
	}
	answer, err := p.HandleOffer(sdp)
	if err != nil {
		s.Log.Errorf("Failed to negotiate: %v", err)
		p.Close()
		return
	}
	if s.encoder == nil {
		enc, err := newStreamEncoder(s.Log, s.opts.CaptureWidth, s.opts.CaptureHeight, s.opts.StreamFPS, p.WriteSample)
		if err != nil {
			s.Log.Errorf("Failed to start stream encoder: %v", err)
			p.Close()
			return
		}
		s.encoder = enc
	} else {
		s.encoder.setSink(p.WriteSample)
	}
	s.peer = p
	s.send(&signalMessage{Kind: KindAnswer, SDP: answer})
}

// startWorkers spins up the capture thread and the processing and streaming
// tasks. Idempotent.
func (s *Session) startWorkers() {
	s.workersLock.Lock()
	defer s.workersLock.Unlock()
	if s.workersRunning {
		return
	}
	source, err := s.newSource()
	if err != nil {
		s.Log.Errorf("Failed to open frame source: %v", err)
		return
	}
	s.workersStop = make(chan bool)
	s.workersRunning = true
	s.workersDone.Add(3)
	go s.captureLoop(source, s.workersStop)
	go s.processLoop(s.workersStop)
	go s.streamLoop(s.workersStop)
	s.Log.Infof("Streaming started for camera %v", s.cameraID)
}

func (s *Session) stopWorkers() {
	s.workersLock.Lock()
	defer s.workersLock.Unlock()
	if !s.workersRunning {
		return
	}
	close(s.workersStop)
	s.workersDone.Wait()
	s.workersRunning = false
	s.streamQ.Drain()
	s.processQ.Drain()
	s.Log.Infof("Streaming stopped for camera %v", s.cameraID)
}

// captureLoop is the session's dedicated capture thread. It never blocks on
// downstream consumers: both queues displace entries instead.
func (s *Session) captureLoop(source FrameSource, stop chan bool) {
	defer s.workersDone.Done()
	defer source.Close()
	failures := 0
	for {
		select {
		case <-stop:
			return
		default:
		}
		frameStart := time.Now()
		img, err := source.ReadFrame()
		if err != nil {
			failures++
			if failures == degradedThreshold {
				s.degraded.Store(true)
				s.Log.Warnf("Capture is failing repeatedly (%v), marking session degraded", err)
			}
			backoff := time.Duration(failures) * 100 * time.Millisecond
			if backoff > maxCaptureBackoff {
				backoff = maxCaptureBackoff
			}
			select {
			case <-stop:
				return
			case <-time.After(backoff):
			}
			continue
		}
		if failures > 0 {
			failures = 0
			s.degraded.Store(false)
		}
		frame := &frames.Frame{
			ID:       s.frameID.Add(1),
			CameraID: s.cameraID,
			WallTime: frameStart,
			Mono:     frameStart.Sub(s.startTime),
			Image:    img,
		}
		s.metrics.FramesCaptured.Add(1)

		// Streaming queue: newest wins. Processing queue: during an active
		// violence sequence we refuse new frames rather than displace the
		// queued (potentially violent) ones; while calm, freshest wins.
		s.streamQ.Push(frame, true)
		if s.detectionEnabled.Load() {
			s.processQ.Push(frame, !s.inViolence.Load())
		}

		fps := s.opts.CaptureFPSIdle
		if s.inViolence.Load() {
			fps = s.opts.CaptureFPSActive
		}
		elapsed := time.Since(frameStart)
		if wait := time.Second/time.Duration(fps) - elapsed; wait > 0 {
			select {
			case <-stop:
				return
			case <-time.After(wait):
			}
		}
	}
}

// processLoop pulls frames off the processing queue and runs them through
// the pipeline. This is the only goroutine that touches the pipeline.
func (s *Session) processLoop(stop chan bool) {
	defer s.workersDone.Done()
	counter := 0
	for {
		select {
		case <-stop:
			return
		default:
		}
		frame := s.processQ.Pop()
		if frame == nil {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
			}
			continue
		}
		counter++
		everyN := s.opts.ProcessEveryNIdle
		if s.inViolence.Load() {
			everyN = s.opts.ProcessEveryNActive
		}
		if everyN > 1 && counter%everyN != 0 {
			s.metrics.FramesSkipped.Add(1)
			continue
		}
		outcome := s.pipeline.ProcessFrame(frame)
		s.metrics.FramesProcessed.Add(1)
		s.inViolence.Store(outcome.State != pipeline.StateIdle)
		s.setAnnotation(outcome)
	}
}

func (s *Session) setAnnotation(outcome *pipeline.Outcome) {
	s.annotLock.Lock()
	defer s.annotLock.Unlock()
	s.annotDets = outcome.Detections
	s.annotActive = outcome.State == pipeline.StateActive
	if outcome.Verdict != nil {
		s.annotProb = outcome.Verdict.Probability
	} else if outcome.State == pipeline.StateIdle {
		s.annotProb = 0
	}
}

func (s *Session) annotation() (dets []nn.Detection, active bool, prob float32) {
	s.annotLock.Lock()
	defer s.annotLock.Unlock()
	return s.annotDets, s.annotActive, s.annotProb
}

// streamLoop emits annotated frames on the WebRTC track at the fixed
// streaming rate.
func (s *Session) streamLoop(stop chan bool) {
	defer s.workersDone.Done()
	ticker := time.NewTicker(time.Second / time.Duration(s.opts.StreamFPS))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		frame := s.streamQ.PopNewest()
		if frame == nil {
			continue
		}
		s.metrics.StreamDropped.Store(uint64(s.streamQ.Dropped()))
		dets, active, prob := s.annotation()
		out := frame
		if active {
			out = buffers.DrawViolenceOverlay(frame, dets, prob)
		} else if len(dets) > 0 {
			out = buffers.DrawDetectionBoxes(frame, dets)
		}
		s.setLatest(out)
		s.peerLock.Lock()
		enc := s.encoder
		connected := s.peer != nil && s.peer.Connected()
		s.peerLock.Unlock()
		if enc == nil || !connected {
			continue
		}
		if err := enc.WriteFrame(out.Image); err != nil {
			s.Log.Warnf("Stream encode failed: %v", err)
			continue
		}
		s.metrics.FramesStreamed.Add(1)
	}
}

// eventLoop translates pipeline events into signaling messages for the
// operator client.
func (s *Session) eventLoop() {
	defer close(s.eventDone)
	for {
		select {
		case <-s.shutdown:
			// Flush whatever the pipeline emitted while closing, so the
			// client still sees the final violence_ended.
			for {
				select {
				case ev := <-s.events:
					s.forwardEvent(ev)
				default:
					return
				}
			}
		case ev := <-s.events:
			s.forwardEvent(ev)
		}
	}
}

func (s *Session) forwardEvent(ev *pipeline.Event) {
	switch ev.Kind {
	case pipeline.EventSequenceStarted:
		s.send(&signalMessage{
			Kind:           KindViolenceDetected,
			Probability:    ev.Probability,
			Message:        buffers.OverlayText,
			Persons:        ev.Persons,
			Location:       ev.Location,
			Timestamp:      ev.StartTime.Format(time.RFC3339),
			CameraID:       ev.CameraID,
			FramesAnalyzed: ev.FramesAnalyzed,
		})
	case pipeline.EventSequenceCooling:
		s.send(&signalMessage{
			Kind:            KindSequenceAnalyzing,
			Probability:     ev.Probability,
			FramesProcessed: ev.FramesAnalyzed,
		})
	case pipeline.EventSequenceEnded:
		s.send(&signalMessage{
			Kind:      KindViolenceEnded,
			Timestamp: ev.EndTime.Format(time.RFC3339),
		})
	}
}

func (s *Session) send(msg *signalMessage) {
	s.wsWriteLock.Lock()
	defer s.wsWriteLock.Unlock()
	if err := s.ws.WriteJSON(msg); err != nil {
		s.Log.Warnf("Failed to send %v message: %v", msg.Kind, err)
	}
}

// Degraded reports whether capture is currently failing.
func (s *Session) Degraded() bool {
	return s.degraded.Load()
}

func (s *Session) setLatest(frame *frames.Frame) {
	s.latestLock.Lock()
	s.latest = frame
	s.latestLock.Unlock()
}

// SnapshotJPEG returns the most recent annotated frame as a JPEG, or nil if
// no frame has been streamed yet.
func (s *Session) SnapshotJPEG() []byte {
	s.latestLock.Lock()
	frame := s.latest
	s.latestLock.Unlock()
	if frame == nil {
		return nil
	}
	jpg, err := cimg.Compress(frame.Image, cimg.MakeCompressParams(cimg.Sampling420, 85, 0))
	if err != nil {
		s.Log.Warnf("Snapshot compression failed: %v", err)
		return nil
	}
	return jpg
}

// Close tears the session down in order: capture and tasks first, then the
// pipeline (which finalizes any in-flight sequence, so the recorder still
// gets its job), then media and transport. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.stopWorkers()
		s.pipeline.Close()
		s.pipeline.RemoveWatcher(s.recorder.EventChan())
		close(s.shutdown)
		<-s.eventDone
		s.pipeline.RemoveWatcher(s.events)
		s.peerLock.Lock()
		if s.encoder != nil {
			s.encoder.Close()
			s.encoder = nil
		}
		if s.peer != nil {
			s.peer.Close()
			s.peer = nil
		}
		s.peerLock.Unlock()
		s.ws.Close()
		s.Log.Infof("Session closed")
	})
}
