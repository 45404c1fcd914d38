package session

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/centinelacam/centinela/pkg/log"
	"github.com/centinelacam/centinela/pkg/nn"
	"github.com/centinelacam/centinela/server/buffers"
	"github.com/centinelacam/centinela/server/config"
	"github.com/centinelacam/centinela/server/incident"
	"github.com/centinelacam/centinela/server/metrics"
	"github.com/centinelacam/centinela/server/pipeline"
	"github.com/centinelacam/centinela/server/recorder"
	"github.com/gorilla/websocket"
)

const recorderDrainTimeout = 5 * time.Second

var errManagerClosed = errors.New("session manager is shutting down")

// Manager accepts websocket connections and spins a Session up for each.
// The NN models are shared across sessions (their inference mutexes
// serialize access); everything else is per-session.
type Manager struct {
	Log log.Log

	cfg         *config.Config
	detector    *nn.SafeDetector
	classifier  *nn.SafeClassifier
	coordinator *incident.Coordinator
	metrics     *metrics.Metrics

	upgrader websocket.Upgrader

	// NewSource builds a session's frame source. Replaceable for tests and
	// for the synthetic development mode.
	NewSource func() (FrameSource, error)

	nextID       atomic.Int64
	sessionsLock sync.Mutex
	sessions     map[int64]*Session
	closed       bool
}

func NewManager(logger log.Log, cfg *config.Config, detector *nn.SafeDetector, classifier *nn.SafeClassifier, coordinator *incident.Coordinator, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		Log:         log.NewPrefixLogger(logger, "Sessions"),
		cfg:         cfg,
		detector:    detector,
		classifier:  classifier,
		coordinator: coordinator,
		metrics:     m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[int64]*Session),
	}
	mgr.NewSource = func() (FrameSource, error) {
		if cfg.CaptureDevice == "" {
			mgr.Log.Warnf("No capture device configured, using synthetic frames")
			return NewSyntheticSource(cfg.CaptureWidth, cfg.CaptureHeight, cfg.CaptureFPSIdle), nil
		}
		return OpenCaptureSource(cfg.CaptureDevice, cfg.CaptureWidth, cfg.CaptureHeight)
	}
	return mgr
}

// HandleWebSocket upgrades the connection and runs a session on it until
// the client disconnects.
func (m *Manager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.Log.Warnf("Websocket upgrade failed: %v", err)
		return
	}
	cameraID := int64(1)
	if v := r.URL.Query().Get("camera_id"); v != "" {
		if id, ok := parseID(v); ok {
			cameraID = id
		}
	}
	s, err := m.open(cameraID, ws)
	if err != nil {
		m.Log.Errorf("Failed to open session: %v", err)
		ws.Close()
		return
	}
	m.metrics.ActiveSessions.Add(1)
	m.metrics.TotalSessions.Add(1)
	s.Run()
	m.remove(s.id)
	m.metrics.ActiveSessions.Add(-1)
}

func (m *Manager) open(cameraID int64, ws *websocket.Conn) (*Session, error) {
	m.sessionsLock.Lock()
	defer m.sessionsLock.Unlock()
	if m.closed {
		return nil, errManagerClosed
	}
	cfg := m.cfg
	location := m.coordinator.Store().GetCamera(cameraID).Location

	peakFPS := cfg.CaptureFPSActive
	violenceBuf := buffers.NewViolenceBuffer(buffers.DefaultViolenceCapacity, cfg.DuplicationFactor)
	contextBuf := buffers.NewContextBuffer(cfg.ContextWindow, peakFPS)

	pipeOpts := pipeline.Options{
		ViolenceThreshold: cfg.ViolenceThreshold,
		Cooldown:          cfg.Cooldown,
		PostRoll:          cfg.StatePostRoll,
		MinPersons:        cfg.MinPersonsForAlert,
	}
	pipe := pipeline.NewPipeline(m.Log, cameraID, location, pipeOpts, m.detector, m.classifier, violenceBuf, contextBuf, m.coordinator, m.metrics)

	recOpts := recorder.DefaultOptions(cfg.VideoDir)
	recOpts.PreRoll = cfg.ClipPreRoll
	recOpts.PostRoll = cfg.ClipPostRoll
	recOpts.MinClip = cfg.MinClipLength
	recOpts.FPS = cfg.OutputFPS
	recOpts.MaxVideoSize = cfg.MaxVideoSize
	rec := recorder.NewRecorder(m.Log, recOpts, violenceBuf, contextBuf, m.coordinator, m.metrics)
	rec.Start()

	pipe.AddWatcher(m.coordinator.EventChan())

	opts := Options{
		CaptureWidth:        cfg.CaptureWidth,
		CaptureHeight:       cfg.CaptureHeight,
		CaptureFPSIdle:      cfg.CaptureFPSIdle,
		CaptureFPSActive:    cfg.CaptureFPSActive,
		StreamFPS:           cfg.StreamFPS,
		ProcessEveryNIdle:   cfg.ProcessEveryNIdle,
		ProcessEveryNActive: cfg.ProcessEveryNActive,
	}
	id := m.nextID.Add(1)
	s := newSession(m.Log, id, cameraID, location, opts, ws, pipe, violenceBuf, contextBuf, rec, m.metrics, m.NewSource)
	m.sessions[id] = s
	m.Log.Infof("Session %v opened for camera %v (%v)", id, cameraID, location)
	return s, nil
}

func (m *Manager) remove(id int64) {
	m.sessionsLock.Lock()
	s := m.sessions[id]
	delete(m.sessions, id)
	m.sessionsLock.Unlock()
	if s != nil {
		s.Close()
		s.pipeline.RemoveWatcher(m.coordinator.EventChan())
		s.recorder.Stop(recorderDrainTimeout)
	}
}

func parseID(v string) (int64, bool) {
	id, err := strconv.ParseInt(v, 10, 64)
	return id, err == nil && id > 0
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.sessionsLock.Lock()
	defer m.sessionsLock.Unlock()
	return len(m.sessions)
}

// DegradedCount returns the number of sessions whose capture is failing.
func (m *Manager) DegradedCount() int {
	m.sessionsLock.Lock()
	defer m.sessionsLock.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.Degraded() {
			n++
		}
	}
	return n
}

// SnapshotJPEG returns the latest annotated frame for a camera, or nil when
// no session is streaming it.
func (m *Manager) SnapshotJPEG(cameraID int64) []byte {
	m.sessionsLock.Lock()
	var match *Session
	for _, s := range m.sessions {
		if s.cameraID == cameraID {
			match = s
			break
		}
	}
	m.sessionsLock.Unlock()
	if match == nil {
		return nil
	}
	return match.SnapshotJPEG()
}

// CloseAll tears every session down. Part of the global shutdown sequence;
// runs before the coordinator and the store are stopped.
func (m *Manager) CloseAll() {
	m.sessionsLock.Lock()
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[int64]*Session)
	m.sessionsLock.Unlock()
	for _, s := range all {
		s.Close()
		s.pipeline.RemoveWatcher(m.coordinator.EventChan())
		s.recorder.Stop(recorderDrainTimeout)
	}
}
