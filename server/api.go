package server

import (
	"net/http"
	"time"

	"github.com/centinelacam/centinela/pkg/www"
	"github.com/centinelacam/centinela/server/incident"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

const maxRequestBody = 1024 * 1024

func (s *Server) setupRoutes() http.Handler {
	router := httprouter.New()

	www.Handle(s.Log, router, "GET", "/api/health", s.httpHealth)
	www.Handle(s.Log, router, "GET", "/api/stats", s.httpStats)
	www.Handle(s.Log, router, "GET", "/api/incidents", s.httpListIncidents)
	www.Handle(s.Log, router, "GET", "/api/incidents/:id", s.httpGetIncident)
	www.Handle(s.Log, router, "GET", "/api/incidents/:id/video", s.httpGetIncidentVideo)
	www.Handle(s.Log, router, "GET", "/api/incidents/:id/notifications", s.httpGetNotifications)
	www.Handle(s.Log, router, "GET", "/api/cameras/:id", s.httpGetCamera)
	www.Handle(s.Log, router, "POST", "/api/cameras", s.httpUpsertCamera)
	www.Handle(s.Log, router, "GET", "/api/camera/:id/snapshot", s.httpCameraSnapshot)

	router.Handler("GET", "/metrics", s.Metrics.Handler())
	router.HandlerFunc("GET", "/api/ws", s.sessions.HandleWebSocket)

	limiter := httprate.LimitByIP(300, time.Minute)
	return requestID(limiter(router))
}

// requestID tags every response, so operator reports can be matched to logs.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status           string `json:"status"`
	UptimeSeconds    int64  `json:"uptimeSeconds"`
	Sessions         int    `json:"sessions"`
	DegradedSessions int    `json:"degradedSessions"`
}

func (s *Server) httpHealth(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	www.CacheNever(w)
	www.SendJSON(w, &healthResponse{
		Status:           "ok",
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		Sessions:         s.sessions.Count(),
		DegradedSessions: s.sessions.DegradedCount(),
	})
}

type statsResponse struct {
	FramesCaptured   uint64 `json:"framesCaptured"`
	FramesProcessed  uint64 `json:"framesProcessed"`
	FramesSkipped    uint64 `json:"framesSkipped"`
	FramesStreamed   uint64 `json:"framesStreamed"`
	DetectorRuns     uint64 `json:"detectorRuns"`
	ClassifierRuns   uint64 `json:"classifierRuns"`
	PositiveVerdicts uint64 `json:"positiveVerdicts"`
	InferenceMsAvg   int64  `json:"inferenceMsAvg"`
	SequencesStarted uint64 `json:"sequencesStarted"`
	SequencesEnded   uint64 `json:"sequencesEnded"`
	ClipsRecorded    uint64 `json:"clipsRecorded"`
	ClipsFailed      uint64 `json:"clipsFailed"`
	IncidentsCreated uint64 `json:"incidentsCreated"`
	AlarmActivations uint64 `json:"alarmActivations"`
	VoiceAlerts      uint64 `json:"voiceAlerts"`
	ActiveSessions   int64  `json:"activeSessions"`
}

func (s *Server) httpStats(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	m := s.Metrics
	www.CacheNever(w)
	www.SendJSON(w, &statsResponse{
		FramesCaptured:   m.FramesCaptured.Load(),
		FramesProcessed:  m.FramesProcessed.Load(),
		FramesSkipped:    m.FramesSkipped.Load(),
		FramesStreamed:   m.FramesStreamed.Load(),
		DetectorRuns:     m.DetectorRuns.Load(),
		ClassifierRuns:   m.ClassifierRuns.Load(),
		PositiveVerdicts: m.PositiveVerdicts.Load(),
		InferenceMsAvg:   m.InferenceMsAvg.Load(),
		SequencesStarted: m.SequencesStarted.Load(),
		SequencesEnded:   m.SequencesEnded.Load(),
		ClipsRecorded:    m.ClipsRecorded.Load(),
		ClipsFailed:      m.ClipsFailed.Load(),
		IncidentsCreated: m.IncidentsCreated.Load(),
		AlarmActivations: m.AlarmActivations.Load(),
		VoiceAlerts:      m.VoiceAlerts.Load(),
		ActiveSessions:   m.ActiveSessions.Load(),
	})
}

func (s *Server) httpListIncidents(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	limit := www.QueryInt(r, "limit")
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	incidents, err := s.store.ListIncidents(limit)
	www.Check(err)
	www.CacheNever(w)
	www.SendJSON(w, incidents)
}

func (s *Server) httpGetIncident(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := www.ParseID(p.ByName("id"))
	if id <= 0 {
		www.PanicBadRequestf("Invalid incident id")
	}
	inc, err := s.store.GetIncident(id)
	if err != nil {
		www.PanicNotFound()
	}
	www.SendJSON(w, inc)
}

func (s *Server) httpGetIncidentVideo(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := www.ParseID(p.ByName("id"))
	if id <= 0 {
		www.PanicBadRequestf("Invalid incident id")
	}
	video, err := s.store.GetIncidentVideo(id)
	if err != nil || len(video) == 0 {
		www.PanicNotFound()
	}
	www.SendFileDownload(w, "incident.mp4", "video/mp4", video)
}

func (s *Server) httpGetNotifications(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := www.ParseID(p.ByName("id"))
	if id <= 0 {
		www.PanicBadRequestf("Invalid incident id")
	}
	notifications, err := s.store.ListNotifications(id)
	www.Check(err)
	www.SendJSON(w, notifications)
}

func (s *Server) httpGetCamera(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := www.ParseID(p.ByName("id"))
	if id <= 0 {
		www.PanicBadRequestf("Invalid camera id")
	}
	www.SendJSON(w, s.store.GetCamera(id))
}

func (s *Server) httpCameraSnapshot(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := www.ParseID(p.ByName("id"))
	if id <= 0 {
		www.PanicBadRequestf("Invalid camera id")
	}
	jpg := s.sessions.SnapshotJPEG(id)
	if jpg == nil {
		www.PanicNotFound()
	}
	www.CacheNever(w)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(jpg)
}

func (s *Server) httpUpsertCamera(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	cam := incident.Camera{}
	www.ReadJSON(w, r, &cam, maxRequestBody)
	if cam.Name == "" {
		www.PanicBadRequestf("Camera name is required")
	}
	www.Check(s.store.UpsertCamera(&cam))
	www.SendJSONID(w, cam.ID)
}
