// Package recorder turns finished violence sequences into evidence clips.
// It owns a bounded job queue drained by a single worker, so encoding never
// blocks the detection path.
package recorder

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/centinelacam/centinela/pkg/log"
	"github.com/centinelacam/centinela/server/buffers"
	"github.com/centinelacam/centinela/server/metrics"
	"github.com/centinelacam/centinela/server/pipeline"
)

// Reasons recorded on the incident when no clip could be attached
const (
	ReasonEncodeFailed  = "encode_failed"
	ReasonVideoTooLarge = "video_too_large"
	ReasonNoFrames      = "no_frames"
	ReasonQueueOverflow = "queue_overflow"
)

// VideoMetadata describes an encoded evidence clip
type VideoMetadata struct {
	SizeBytes  int64         `json:"sizeBytes"`
	Duration   time.Duration `json:"duration"`
	FrameCount int           `json:"frameCount"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	FPS        int           `json:"fps"`
}

// IncidentSink is the slice of the incident coordinator the recorder needs.
// Attach failures are the sink's problem to log; the recorder never retries.
type IncidentSink interface {
	AttachVideo(incidentID int64, path string, meta *VideoMetadata) error
	MarkVideoUnavailable(incidentID int64, reason string) error
}

// Job identifies one finished sequence to encode
type Job struct {
	SequenceID int64
	IncidentID int64
	CameraID   int64
	Start      time.Time
	End        time.Time
}

// Options tune clip assembly
type Options struct {
	PreRoll      time.Duration // context before the first violent frame
	PostRoll     time.Duration // context after the last violent frame
	MinClip      time.Duration // clips shorter than this get the expansion pass
	FPS          int           // constant output frame rate
	MaxVideoSize int64         // encoded clips larger than this are discarded
	VideoDir     string
	QueueSize    int
}

func DefaultOptions(videoDir string) Options {
	return Options{
		PreRoll:      6 * time.Second,
		PostRoll:     8 * time.Second,
		MinClip:      5 * time.Second,
		FPS:          12,
		MaxVideoSize: 50 * 1024 * 1024,
		VideoDir:     videoDir,
		QueueSize:    16,
	}
}

type Recorder struct {
	Log log.Log

	opts     Options
	violence *buffers.ViolenceBuffer
	context  *buffers.ContextBuffer
	sink     IncidentSink
	metrics  *metrics.Metrics

	queue      chan Job
	events     chan *pipeline.Event
	shutdown   chan bool
	workerDone chan bool
	eventsDone chan bool

	// encode is swapped out by tests that must not depend on ffmpeg
	encode func(seq []*buffers.AnnotatedFrame, fps int, outputPath string) (int64, error)
}

func NewRecorder(logger log.Log, opts Options, violenceBuf *buffers.ViolenceBuffer, contextBuf *buffers.ContextBuffer, sink IncidentSink, m *metrics.Metrics) *Recorder {
	if opts.QueueSize < 1 {
		opts.QueueSize = 16
	}
	return &Recorder{
		Log:        log.NewPrefixLogger(logger, "recorder"),
		opts:       opts,
		violence:   violenceBuf,
		context:    contextBuf,
		sink:       sink,
		metrics:    m,
		queue:      make(chan Job, opts.QueueSize),
		events:     make(chan *pipeline.Event, 100),
		shutdown:   make(chan bool),
		workerDone: make(chan bool),
		eventsDone: make(chan bool),
		encode:     encodeClip,
	}
}

// EventChan is what gets registered as a pipeline watcher. The recorder
// only reacts to SequenceEnded; by then the post-roll is in the context
// buffer and the sequence's start/end are final.
func (r *Recorder) EventChan() chan *pipeline.Event {
	return r.events
}

func (r *Recorder) Start() {
	go r.eventLoop()
	go r.worker()
}

func (r *Recorder) eventLoop() {
	defer close(r.eventsDone)
	for {
		select {
		case ev := <-r.events:
			if ev.Kind == pipeline.EventSequenceEnded {
				r.Enqueue(Job{
					SequenceID: ev.SequenceID,
					IncidentID: ev.IncidentID,
					CameraID:   ev.CameraID,
					Start:      ev.StartTime,
					End:        ev.EndTime,
				})
			}
		case <-r.shutdown:
			return
		}
	}
}

// Enqueue adds a job, displacing the oldest pending job when the queue is
// full. The violent event itself is never lost, because the incident was
// persisted when the sequence started; only the dropped job's video is.
func (r *Recorder) Enqueue(job Job) {
	for {
		select {
		case r.queue <- job:
			return
		default:
		}
		select {
		case old := <-r.queue:
			r.Log.Warnf("Recording queue is full. Dropping job for sequence %v; incident %v keeps metadata only", old.SequenceID, old.IncidentID)
			r.metrics.RecorderDropped.Add(1)
			if old.IncidentID > 0 {
				r.markUnavailable(old.IncidentID, ReasonQueueOverflow)
			}
		default:
		}
	}
}

func (r *Recorder) worker() {
	defer close(r.workerDone)
	for {
		select {
		case job := <-r.queue:
			r.process(job)
		case <-r.shutdown:
			// Drain what is already queued, then exit
			for {
				select {
				case job := <-r.queue:
					r.process(job)
				default:
					return
				}
			}
		}
	}
}

// Stop shuts the recorder down, giving the worker up to timeout to finish
// pending encodes.
func (r *Recorder) Stop(timeout time.Duration) {
	select {
	case <-r.shutdown:
		// already stopped
		return
	default:
	}
	close(r.shutdown)
	deadline := time.After(timeout)
	for _, done := range []chan bool{r.eventsDone, r.workerDone} {
		select {
		case <-done:
		case <-deadline:
			r.Log.Warnf("Recorder did not drain within %v", timeout)
			return
		}
	}
}

func (r *Recorder) process(job Job) {
	start := time.Now()

	violence := r.violence.Sequence(job.SequenceID)
	context := r.context.Range(job.Start.Add(-r.opts.PreRoll), job.End.Add(r.opts.PostRoll))
	merged := merge(violence, context)
	if len(merged) == 0 {
		r.Log.Errorf("Sequence %v has no frames to encode", job.SequenceID)
		r.metrics.ClipsFailed.Add(1)
		r.markUnavailable(job.IncidentID, ReasonNoFrames)
		return
	}

	target := int(math.Ceil(r.opts.MinClip.Seconds() * float64(r.opts.FPS)))
	merged, expanded := expand(merged, target)
	if expanded > 0 {
		r.Log.Infof("Expanded sequence %v by %v duplicate frames to reach the minimum clip length", job.SequenceID, expanded)
	}

	if err := os.MkdirAll(r.opts.VideoDir, 0770); err != nil {
		r.Log.Errorf("Failed to create video directory: %v", err)
		r.metrics.ClipsFailed.Add(1)
		r.markUnavailable(job.IncidentID, ReasonEncodeFailed)
		return
	}
	outputPath := filepath.Join(r.opts.VideoDir, clipFilename(job))
	size, err := r.encode(merged, r.opts.FPS, outputPath)
	if err != nil {
		r.Log.Errorf("Failed to encode sequence %v: %v", job.SequenceID, err)
		r.metrics.ClipsFailed.Add(1)
		r.markUnavailable(job.IncidentID, ReasonEncodeFailed)
		return
	}
	if size > r.opts.MaxVideoSize {
		r.Log.Warnf("Clip for sequence %v is %v bytes, over the %v cap. Discarding", job.SequenceID, size, r.opts.MaxVideoSize)
		r.metrics.ClipsOversize.Add(1)
		os.Remove(outputPath)
		r.markUnavailable(job.IncidentID, ReasonVideoTooLarge)
		return
	}

	meta := &VideoMetadata{
		SizeBytes:  size,
		Duration:   time.Duration(len(merged)) * time.Second / time.Duration(r.opts.FPS),
		FrameCount: len(merged),
		Width:      merged[0].Frame.Image.Width,
		Height:     merged[0].Frame.Image.Height,
		FPS:        r.opts.FPS,
	}
	r.metrics.ClipsRecorded.Add(1)
	r.Log.Infof("Encoded sequence %v: %v frames, %.1fs, %v bytes, in %.2fs", job.SequenceID, meta.FrameCount, meta.Duration.Seconds(), size, time.Since(start).Seconds())

	if job.IncidentID <= 0 {
		// Incident persistence failed at sequence start; the clip stays on
		// disk under the synthetic id for manual recovery.
		r.Log.Warnf("Sequence %v has no persisted incident. Clip kept at %v", job.SequenceID, outputPath)
		return
	}
	if err := r.sink.AttachVideo(job.IncidentID, outputPath, meta); err != nil {
		r.Log.Warnf("Failed to attach clip to incident %v: %v", job.IncidentID, err)
	}
}

func (r *Recorder) markUnavailable(incidentID int64, reason string) {
	if incidentID <= 0 {
		return
	}
	if err := r.sink.MarkVideoUnavailable(incidentID, reason); err != nil {
		r.Log.Warnf("Failed to flag incident %v video-unavailable: %v", incidentID, err)
	}
}

func clipFilename(job Job) string {
	return fmt.Sprintf("incident_%v_seq_%v.mp4", job.IncidentID, job.SequenceID)
}
