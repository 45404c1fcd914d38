// Package server wires the whole system together: models, store, alarm and
// voice services, the incident coordinator, camera sessions, and the HTTP API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/centinelacam/centinela/pkg/cvdnn"
	"github.com/centinelacam/centinela/pkg/log"
	"github.com/centinelacam/centinela/pkg/nn"
	"github.com/centinelacam/centinela/server/config"
	"github.com/centinelacam/centinela/server/incident"
	"github.com/centinelacam/centinela/server/metrics"
	"github.com/centinelacam/centinela/server/session"
)

type Server struct {
	Log     log.Log
	Config  *config.Config
	Metrics *metrics.Metrics

	detector    *nn.SafeDetector
	classifier  *nn.SafeClassifier
	coordinator *incident.Coordinator
	sessions    *session.Manager

	httpServer *http.Server
	startedAt  time.Time

	// Closables, in teardown order
	rawDetector   *cvdnn.Detector
	rawClassifier *cvdnn.Classifier
	store         *incident.Store
}

// NewServer loads the models, opens the store, and builds every shared
// service. Returns an error if any model or the database fails to open.
func NewServer(logger log.Log, cfg *config.Config) (*Server, error) {
	m := metrics.New()

	store, err := incident.OpenStore(logger, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to open incident store: %w", err)
	}

	det, err := cvdnn.NewDetector(logger, cfg.DetectorWeights, cfg.DetectorNetConfig)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load person detector: %w", err)
	}
	cls, err := cvdnn.NewClassifier(logger, cfg.ClassifierModel)
	if err != nil {
		det.Close()
		store.Close()
		return nil, fmt.Errorf("failed to load violence classifier: %w", err)
	}
	pre := nn.NewPreprocessor(det.Config(), cls.Config())

	alarm := incident.NewAlarmDevice(logger, cfg.AlarmHost, cfg.AlarmDeviceID, cfg.AlarmKey)
	voice := incident.NewVoiceAlerter(logger, cfg.TTSBaseURL, cfg.VoiceLanguage, cfg.VoiceCooldown)
	coordinator := incident.NewCoordinator(logger, store, alarm, voice, cfg.AlarmDuration, m)
	coordinator.Start()

	s := &Server{
		Log:           logger,
		Config:        cfg,
		Metrics:       m,
		detector:      nn.NewSafeDetector(logger, det, cfg.PersonThreshold),
		classifier:    nn.NewSafeClassifier(logger, cls, pre, cfg.ViolenceThreshold),
		coordinator:   coordinator,
		startedAt:     time.Now(),
		rawDetector:   det,
		rawClassifier: cls,
		store:         store,
	}
	s.sessions = session.NewManager(logger, cfg, s.detector, s.classifier, coordinator, m)
	return s, nil
}

// ListenHTTP runs the API until Shutdown is called. Blocks.
func (s *Server) ListenHTTP() error {
	addr := fmt.Sprintf(":%v", s.Config.HTTPPort)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.setupRoutes(),
	}
	s.Log.Infof("Listening on %v", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown tears everything down in dependency order: sessions first (which
// finalizes in-flight sequences and drains each recorder), then the
// coordinator's timers, then the store.
func (s *Server) Shutdown() {
	s.Log.Infof("Shutting down")
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.httpServer.Shutdown(ctx)
		cancel()
	}
	s.sessions.CloseAll()
	s.coordinator.Stop()
	s.rawDetector.Close()
	s.rawClassifier.Close()
	s.store.Close()
	s.Log.Infof("Shutdown complete")
	s.Log.Close()
}
