package session

import "encoding/json"

// Signaling message kinds, client -> server
const (
	KindOffer           = "offer"
	KindAnswer          = "answer"
	KindICECandidate    = "ice_candidate"
	KindStartStream     = "start_stream"
	KindStopStream      = "stop_stream"
	KindToggleDetection = "toggle_detection"
	KindPing            = "ping"
	KindPong            = "pong"
)

// Signaling message kinds, server -> client
const (
	KindViolenceDetected  = "violence_detected"
	KindSequenceAnalyzing = "sequence_analyzing"
	KindViolenceEnded     = "violence_ended"
)

// signalMessage is the full-duplex JSON envelope on the websocket.
// Fields are a union across kinds; omitempty keeps each message minimal.
type signalMessage struct {
	Kind string `json:"kind"`

	// offer / answer / ice_candidate
	SDP              string          `json:"sdp,omitempty"`
	Candidate        json.RawMessage `json:"candidate,omitempty"`
	DetectionEnabled *bool           `json:"detection_enabled,omitempty"`

	// start_stream / stop_stream
	CameraID int64 `json:"camera_id,omitempty"`

	// toggle_detection
	Enabled *bool `json:"enabled,omitempty"`

	// violence_detected / sequence_analyzing / violence_ended
	Probability     float32 `json:"probability,omitempty"`
	Message         string  `json:"message,omitempty"`
	Persons         int     `json:"persons,omitempty"`
	Location        string  `json:"location,omitempty"`
	Timestamp       string  `json:"timestamp,omitempty"`
	FramesAnalyzed  int     `json:"frames_analyzed,omitempty"`
	FramesProcessed int     `json:"frames_processed,omitempty"`
}
