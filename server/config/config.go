// Package config loads all runtime tuning knobs from the environment,
// with an optional .env file for development setups.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/centinelacam/centinela/pkg/dbh"
	"github.com/centinelacam/centinela/pkg/log"
	"github.com/centinelacam/centinela/pkg/nn"
	"github.com/joho/godotenv"
)

// Config is the complete server configuration. Zero values never appear
// here; Load fills every field with either the environment value or the
// documented default.
type Config struct {
	HTTPPort int
	LogLevel log.Level

	DB dbh.DBConfig

	// Models
	DetectorWeights   string // path to detector weights
	DetectorNetConfig string // detector network definition (empty for ONNX)
	ClassifierModel   string // path to classifier ONNX model

	// Detection
	PersonThreshold     float32 // minimum person confidence
	ViolenceThreshold   float32 // minimum violence probability for a positive verdict
	MinPersonsForAlert  int     // incidents report at least this many persons
	ProcessEveryNIdle   int     // analyze every Nth frame while calm
	ProcessEveryNActive int     // analyze every Nth frame during violence

	// Timing
	Cooldown      time.Duration // gap that ends a violence sequence
	StatePostRoll time.Duration // how long the Cooling state lingers after the last positive
	ClipPreRoll   time.Duration // context seconds before first violence in the clip
	ClipPostRoll  time.Duration // context seconds after last violence in the clip
	MinClipLength time.Duration // clips shorter than this get expanded

	// Video output
	OutputFPS    int
	MaxVideoSize int64  // bytes; larger encodes are discarded
	VideoDir     string // where evidence clips land

	// Frame duplication
	DuplicationFactor int // copies of each violence frame admitted to the evidence buffer

	// Capture / streaming
	CaptureDevice    string // index or URL; empty means synthetic frames
	CaptureWidth     int
	CaptureHeight    int
	CaptureFPSIdle   int           // capture rate while no violence is active
	CaptureFPSActive int           // capture rate during a violence sequence
	StreamFPS        int           // outbound annotated stream rate
	ContextWindow    time.Duration // seconds of context frames kept per session

	// Alarm device
	AlarmHost     string // empty disables the LAN alarm
	AlarmKey      string
	AlarmDeviceID string
	AlarmDuration time.Duration

	// Voice alerts
	TTSBaseURL    string // empty disables voice alerts
	VoiceCooldown time.Duration
	VoiceLanguage string
}

// Load reads the environment (plus .env when present) and validates the
// result. An invalid explicit setting is an error, not a silent default.
func Load(logger log.Log) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		logger.Infof("Loaded settings from .env")
	}

	cfg := &Config{
		HTTPPort: envInt("CENTINELA_PORT", 8080),
		LogLevel: log.LevelInfo,
		DB: dbh.DBConfig{
			Driver:   envStr("DB_DRIVER", dbh.DriverSqlite),
			Host:     envStr("DB_HOST", ""),
			Port:     envInt("DB_PORT", 0),
			Database: envStr("DB_NAME", "centinela.sqlite"),
			Username: envStr("DB_USER", ""),
			Password: envStr("DB_PASSWORD", ""),
		},
		DetectorWeights:     envStr("DETECTOR_WEIGHTS", "models/yolov4-tiny.weights"),
		DetectorNetConfig:   envStr("DETECTOR_CONFIG", "models/yolov4-tiny.cfg"),
		ClassifierModel:     envStr("CLASSIFIER_MODEL", "models/violence.onnx"),
		PersonThreshold:     envFloat("PERSON_THRESHOLD", nn.DefaultPersonThreshold),
		ViolenceThreshold:   envFloat("VIOLENCE_THRESHOLD", nn.DefaultViolenceThreshold),
		MinPersonsForAlert:  envInt("MIN_PERSONS_FOR_ALERT", 2),
		ProcessEveryNIdle:   envInt("PROCESS_EVERY_N_IDLE", 3),
		ProcessEveryNActive: envInt("PROCESS_EVERY_N_ACTIVE", 1),
		Cooldown:            envSeconds("VIOLENCE_COOLDOWN_SEC", 2),
		StatePostRoll:       envSeconds("STATE_POST_ROLL_SEC", 6),
		ClipPreRoll:         envSeconds("CLIP_PRE_ROLL_SEC", 6),
		ClipPostRoll:        envSeconds("CLIP_POST_ROLL_SEC", 8),
		MinClipLength:       envSeconds("MIN_CLIP_LENGTH_SEC", 5),
		OutputFPS:           envInt("OUTPUT_FPS", 12),
		MaxVideoSize:        envInt64("MAX_VIDEO_BYTES", 50*1024*1024),
		VideoDir:            envStr("VIDEO_DIR", "evidence"),
		DuplicationFactor:   envInt("DUPLICATION_FACTOR", 10),
		CaptureDevice:       envStr("CAPTURE_DEVICE", ""),
		CaptureWidth:        envInt("CAPTURE_WIDTH", 640),
		CaptureHeight:       envInt("CAPTURE_HEIGHT", 480),
		CaptureFPSIdle:      envInt("CAPTURE_FPS_IDLE", 15),
		CaptureFPSActive:    envInt("CAPTURE_FPS_ACTIVE", 30),
		StreamFPS:           envInt("STREAM_FPS", 15),
		ContextWindow:       envSeconds("CONTEXT_WINDOW_SEC", 30),
		AlarmHost:           envStr("ALARM_HOST", ""),
		AlarmKey:            envStr("ALARM_KEY", ""),
		AlarmDeviceID:       envStr("ALARM_DEVICE_ID", ""),
		AlarmDuration:       envSeconds("ALARM_DURATION_SEC", 10),
		TTSBaseURL:          envStr("TTS_BASE_URL", ""),
		VoiceCooldown:       envSeconds("VOICE_COOLDOWN_SEC", 15),
		VoiceLanguage:       envStr("VOICE_LANGUAGE", "es"),
	}

	if levelStr := os.Getenv("LOG_LEVEL"); levelStr != "" {
		cfg.LogLevel = log.ParseLevel(levelStr)
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.PersonThreshold <= 0 || c.PersonThreshold > 1 {
		return fmt.Errorf("PERSON_THRESHOLD must be in (0,1], got %v", c.PersonThreshold)
	}
	if c.ViolenceThreshold <= 0 || c.ViolenceThreshold > 1 {
		return fmt.Errorf("VIOLENCE_THRESHOLD must be in (0,1], got %v", c.ViolenceThreshold)
	}
	if c.ProcessEveryNIdle < 1 || c.ProcessEveryNActive < 1 {
		return fmt.Errorf("process-every-N must be at least 1")
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("VIOLENCE_COOLDOWN_SEC must be positive")
	}
	if c.StatePostRoll < c.Cooldown {
		return fmt.Errorf("STATE_POST_ROLL_SEC (%v) must be at least the cooldown (%v)", c.StatePostRoll, c.Cooldown)
	}
	if c.OutputFPS < 1 {
		return fmt.Errorf("OUTPUT_FPS must be at least 1")
	}
	if c.MaxVideoSize < 1024*1024 {
		return fmt.Errorf("MAX_VIDEO_BYTES is too small to hold any useful clip")
	}
	if c.DuplicationFactor < 1 {
		return fmt.Errorf("DUPLICATION_FACTOR must be at least 1")
	}
	if c.CaptureFPSIdle < 1 || c.CaptureFPSActive < 1 || c.StreamFPS < 1 {
		return fmt.Errorf("capture and stream rates must be at least 1 fps")
	}
	if c.DB.Driver != dbh.DriverSqlite && c.DB.Driver != dbh.DriverPostgres {
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DB.Driver)
	}
	return nil
}

func envStr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func envInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func envInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func envFloat(key string, defaultValue float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return defaultValue
}

func envSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(envInt(key, defaultSeconds)) * time.Second
}
