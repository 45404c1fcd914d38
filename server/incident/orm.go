package incident

import (
	"github.com/centinelacam/centinela/pkg/dbh"
	"github.com/centinelacam/centinela/server/recorder"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// Incident types
const (
	TypeViolence = "violence"
)

// Severity buckets, derived from the classifier probability
const (
	SeverityCritical = "critical" // probability >= 0.8
	SeverityHigh     = "high"     // probability >= 0.6
	SeverityMedium   = "medium"
)

// SeverityForProbability maps a violence probability to a severity bucket
func SeverityForProbability(probability float32) string {
	switch {
	case probability >= 0.8:
		return SeverityCritical
	case probability >= 0.6:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

type Incident struct {
	BaseModel
	CameraID    int64       `json:"cameraID"`
	Type        string      `json:"type"`
	Severity    string      `json:"severity"`
	Probability float32     `json:"probability"`
	Persons     int         `json:"persons"`
	Location    string      `json:"location"`
	StartTime   dbh.IntTime `json:"startTime"`
	EndTime     dbh.IntTime `json:"endTime"`
	CreatedAt   dbh.IntTime `json:"createdAt"`

	// Video evidence. The payload lives in the video column; everything an
	// API consumer needs without the bytes is in the metadata.
	Video         []byte                                 `json:"-"`
	VideoPath     string                                 `json:"videoPath"`
	VideoMeta     *dbh.JSONField[recorder.VideoMetadata] `json:"videoMeta"`
	VideoTooLarge bool                                   `json:"videoTooLarge"`
	VideoReason   string                                 `json:"videoReason"` // why no video is attached, empty when one is
}

type Camera struct {
	BaseModel
	Name     string `json:"name"`
	Location string `json:"location"`
	Enabled  bool   `json:"enabled"`
}

// Notification is the persisted trail of every event we fanned out
type Notification struct {
	BaseModel
	IncidentID int64       `json:"incidentID"`
	CameraID   int64       `json:"cameraID"`
	Kind       string      `json:"kind"`
	Payload    string      `json:"payload"` // JSON-encoded event
	CreatedAt  dbh.IntTime `json:"createdAt"`
}

// User is read-only for us; another service owns account management
type User struct {
	BaseModel
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}
