package incident

import (
	"fmt"
	"os"
	"time"

	"github.com/centinelacam/centinela/pkg/dbh"
	"github.com/centinelacam/centinela/pkg/log"
	"github.com/centinelacam/centinela/server/recorder"
	"gorm.io/gorm"
)

// Store is the persistence layer for incidents, cameras and notifications.
// Every write is its own transaction.
type Store struct {
	log log.Log
	db  *gorm.DB
}

func OpenStore(logger log.Log, dbc dbh.DBConfig) (*Store, error) {
	db, err := dbh.OpenDB(logger, dbc, Migrations(logger), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open incident store: %w", err)
	}
	return &Store{
		log: log.NewPrefixLogger(logger, "incidents"),
		db:  db,
	}, nil
}

// Close disposes the underlying connection pool
func (s *Store) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// CreateIncident persists a new incident and returns it with its id set.
// The persons floor is enforced here as well as in the pipeline, so no
// write path can produce an incident with fewer than 2 persons.
func (s *Store) CreateIncident(cameraID int64, probability float32, persons int, startTime time.Time, location string) (*Incident, error) {
	if persons < 2 {
		persons = 2
	}
	inc := &Incident{
		CameraID:    cameraID,
		Type:        TypeViolence,
		Severity:    SeverityForProbability(probability),
		Probability: probability,
		Persons:     persons,
		Location:    location,
		StartTime:   dbh.MakeIntTime(startTime),
		CreatedAt:   dbh.MakeIntTime(time.Now()),
	}
	if err := s.db.Create(inc).Error; err != nil {
		return nil, err
	}
	return inc, nil
}

// AttachVideo stores the encoded clip and its metadata on the incident in
// a single transaction. The caller has already enforced the size cap, and
// the bytes are read straight from the encoder's output file rather than
// held alongside the frame data.
func (s *Store) AttachVideo(incidentID int64, path string, meta *recorder.VideoMetadata) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read clip %v: %w", path, err)
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Incident{}).Where("id = ?", incidentID).Updates(map[string]any{
			"video":      payload,
			"video_path": path,
			"video_meta": dbh.MakeJSONField(*meta),
			"end_time":   dbh.MakeIntTime(time.Now()),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("incident %v not found", incidentID)
		}
		return nil
	})
}

// MarkVideoUnavailable flags an incident whose clip could not be attached.
// The incident stays fully usable without it.
func (s *Store) MarkVideoUnavailable(incidentID int64, reason string) error {
	updates := map[string]any{
		"video_reason": reason,
	}
	if reason == recorder.ReasonVideoTooLarge {
		updates["video_too_large"] = true
	}
	res := s.db.Model(&Incident{}).Where("id = ?", incidentID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("incident %v not found", incidentID)
	}
	return nil
}

// SetEndTime closes out the incident's time span when its sequence ends
func (s *Store) SetEndTime(incidentID int64, end time.Time) error {
	return s.db.Model(&Incident{}).Where("id = ?", incidentID).Update("end_time", dbh.MakeIntTime(end)).Error
}

// GetIncident loads one incident without its video payload
func (s *Store) GetIncident(id int64) (*Incident, error) {
	inc := &Incident{}
	if err := s.db.Omit("video").First(inc, id).Error; err != nil {
		return nil, err
	}
	return inc, nil
}

// GetIncidentVideo loads just the clip bytes
func (s *Store) GetIncidentVideo(id int64) ([]byte, error) {
	inc := &Incident{}
	if err := s.db.Select("id", "video").First(inc, id).Error; err != nil {
		return nil, err
	}
	return inc.Video, nil
}

// ListIncidents returns the newest incidents, video payload omitted
func (s *Store) ListIncidents(limit int) ([]Incident, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	incidents := []Incident{}
	err := s.db.Omit("video").Order("start_time DESC").Limit(limit).Find(&incidents).Error
	return incidents, err
}

// GetCamera returns the camera record, or a stand-in when the registry has
// no entry (sessions can connect with ids we have never seen).
func (s *Store) GetCamera(id int64) *Camera {
	cam := &Camera{}
	if err := s.db.First(cam, id).Error; err != nil {
		return &Camera{
			BaseModel: BaseModel{ID: id},
			Name:      fmt.Sprintf("camera-%v", id),
			Location:  "Zona sin registrar",
			Enabled:   true,
		}
	}
	return cam
}

// UpsertCamera registers or updates a camera
func (s *Store) UpsertCamera(cam *Camera) error {
	return s.db.Save(cam).Error
}

// AddNotification records one fanned-out event
func (s *Store) AddNotification(incidentID, cameraID int64, kind, payload string) error {
	return s.db.Create(&Notification{
		IncidentID: incidentID,
		CameraID:   cameraID,
		Kind:       kind,
		Payload:    payload,
		CreatedAt:  dbh.MakeIntTime(time.Now()),
	}).Error
}

// ListNotifications returns the trail for one incident, oldest first
func (s *Store) ListNotifications(incidentID int64) ([]Notification, error) {
	out := []Notification{}
	err := s.db.Where("incident_id = ?", incidentID).Order("id").Find(&out).Error
	return out, err
}
