// Package metrics exposes pipeline counters over Prometheus.
// The hot path only touches atomics; Prometheus reads them lazily through
// GaugeFunc collectors when /metrics is scraped.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application counters
type Metrics struct {
	// Capture + pipeline
	FramesCaptured  atomic.Uint64
	FramesProcessed atomic.Uint64
	FramesSkipped   atomic.Uint64 // skipped by the process-every-N policy
	FramesStreamed  atomic.Uint64
	StreamDropped   atomic.Uint64 // streaming queue overflows

	// Inference
	DetectorRuns       atomic.Uint64
	DetectorErrors     atomic.Uint64
	ClassifierRuns     atomic.Uint64
	ClassifierErrors   atomic.Uint64
	PositiveVerdicts   atomic.Uint64
	InferenceMsAvg     atomic.Int64 // moving average, milliseconds
	PreprocessCacheLen atomic.Int64

	// Sequences and evidence
	SequencesStarted atomic.Uint64
	SequencesEnded   atomic.Uint64
	ClipsRecorded    atomic.Uint64
	ClipsFailed      atomic.Uint64
	ClipsOversize    atomic.Uint64
	RecorderDropped  atomic.Uint64 // recording jobs dropped due to queue overflow

	// Buffers
	ViolenceBufferLen atomic.Int64
	ContextBufferLen  atomic.Int64

	// Incidents and alerting
	IncidentsCreated atomic.Uint64
	AlarmActivations atomic.Uint64
	AlarmErrors      atomic.Uint64
	VoiceAlerts      atomic.Uint64
	VoiceSuppressed  atomic.Uint64 // suppressed by the voice cooldown

	// Sessions
	ActiveSessions atomic.Int64
	TotalSessions  atomic.Uint64

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.register()
	return m
}

func (m *Metrics) register() {
	gaugeU64 := func(name, help string, v *atomic.Uint64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help},
			func() float64 { return float64(v.Load()) },
		))
	}
	gaugeI64 := func(name, help string, v *atomic.Int64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help},
			func() float64 { return float64(v.Load()) },
		))
	}

	gaugeU64("centinela_frames_captured_total", "Frames captured from all camera sessions", &m.FramesCaptured)
	gaugeU64("centinela_frames_processed_total", "Frames that went through the detection pipeline", &m.FramesProcessed)
	gaugeU64("centinela_frames_skipped_total", "Frames skipped by the frame sampling policy", &m.FramesSkipped)
	gaugeU64("centinela_frames_streamed_total", "Annotated frames sent back over WebRTC", &m.FramesStreamed)
	gaugeU64("centinela_stream_dropped_total", "Frames dropped from the streaming queue", &m.StreamDropped)

	gaugeU64("centinela_detector_runs_total", "Person detector invocations", &m.DetectorRuns)
	gaugeU64("centinela_detector_errors_total", "Person detector failures", &m.DetectorErrors)
	gaugeU64("centinela_classifier_runs_total", "Violence classifier invocations", &m.ClassifierRuns)
	gaugeU64("centinela_classifier_errors_total", "Violence classifier failures", &m.ClassifierErrors)
	gaugeU64("centinela_positive_verdicts_total", "Classifier verdicts above the violence threshold", &m.PositiveVerdicts)
	gaugeI64("centinela_inference_ms_avg", "Moving average of classifier window inference time", &m.InferenceMsAvg)
	gaugeI64("centinela_preprocess_cache_len", "Entries in the classifier preprocess cache", &m.PreprocessCacheLen)

	gaugeU64("centinela_sequences_started_total", "Violence sequences started", &m.SequencesStarted)
	gaugeU64("centinela_sequences_ended_total", "Violence sequences ended", &m.SequencesEnded)
	gaugeU64("centinela_clips_recorded_total", "Evidence clips written to disk", &m.ClipsRecorded)
	gaugeU64("centinela_clips_failed_total", "Evidence clip encodes that failed", &m.ClipsFailed)
	gaugeU64("centinela_clips_oversize_total", "Evidence clips discarded for exceeding the size cap", &m.ClipsOversize)
	gaugeU64("centinela_recorder_dropped_total", "Recording jobs dropped due to queue overflow", &m.RecorderDropped)

	gaugeI64("centinela_violence_buffer_len", "Frames currently in the violence evidence buffer", &m.ViolenceBufferLen)
	gaugeI64("centinela_context_buffer_len", "Frames currently in the context buffer", &m.ContextBufferLen)

	gaugeU64("centinela_incidents_created_total", "Incident records created", &m.IncidentsCreated)
	gaugeU64("centinela_alarm_activations_total", "LAN alarm activations", &m.AlarmActivations)
	gaugeU64("centinela_alarm_errors_total", "LAN alarm communication failures", &m.AlarmErrors)
	gaugeU64("centinela_voice_alerts_total", "Voice alerts played", &m.VoiceAlerts)
	gaugeU64("centinela_voice_suppressed_total", "Voice alerts suppressed by the cooldown", &m.VoiceSuppressed)

	gaugeI64("centinela_active_sessions", "Camera sessions currently connected", &m.ActiveSessions)
	gaugeU64("centinela_sessions_total", "Camera sessions connected since startup", &m.TotalSessions)
}

// Handler returns the Prometheus scrape handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
