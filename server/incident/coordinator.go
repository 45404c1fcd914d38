// Package incident is the coordinator for everything that happens after
// violence is detected: persisting incidents, firing the siren, speaking
// the voice alert, fanning events out to subscribers, and accepting the
// evidence clip from the recorder.
package incident

import (
	"encoding/json"
	"time"

	"github.com/centinelacam/centinela/pkg/log"
	"github.com/centinelacam/centinela/server/metrics"
	"github.com/centinelacam/centinela/server/pipeline"
	"github.com/centinelacam/centinela/server/recorder"
)

type Coordinator struct {
	Log log.Log

	store         *Store
	alarm         *AlarmDevice  // nil when no device is configured
	voice         *VoiceAlerter // nil when voice alerts are disabled
	metrics       *metrics.Metrics
	alarmDuration time.Duration

	subscribers subscriberList

	events   chan *pipeline.Event
	shutdown chan bool
	done     chan bool
}

func NewCoordinator(logger log.Log, store *Store, alarm *AlarmDevice, voice *VoiceAlerter, alarmDuration time.Duration, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		Log:           log.NewPrefixLogger(logger, "coordinator"),
		store:         store,
		alarm:         alarm,
		voice:         voice,
		metrics:       m,
		alarmDuration: alarmDuration,
		events:        make(chan *pipeline.Event, 100),
		shutdown:      make(chan bool),
		done:          make(chan bool),
	}
}

// EventChan gets registered as a watcher on every pipeline, so the
// coordinator sees the same event stream as the recorder.
func (c *Coordinator) EventChan() chan *pipeline.Event {
	return c.events
}

func (c *Coordinator) Start() {
	go c.eventLoop()
}

// Stop halts fan-out and cancels the alarm timer. Idempotent.
func (c *Coordinator) Stop() {
	select {
	case <-c.shutdown:
		return
	default:
	}
	close(c.shutdown)
	<-c.done
	if c.alarm != nil {
		c.alarm.Stop()
	}
}

func (c *Coordinator) eventLoop() {
	defer close(c.done)
	for {
		select {
		case ev := <-c.events:
			c.handleEvent(ev)
		case <-c.shutdown:
			return
		}
	}
}

func (c *Coordinator) handleEvent(ev *pipeline.Event) {
	if ev.Kind == pipeline.EventSequenceEnded && ev.IncidentID > 0 {
		if err := c.store.SetEndTime(ev.IncidentID, ev.EndTime); err != nil {
			c.Log.Warnf("Failed to set end time on incident %v: %v", ev.IncidentID, err)
		}
	}

	// Persist the notification trail; the Updated flood is not worth a row
	// per verdict, so only lifecycle transitions are recorded.
	if ev.Kind != pipeline.EventSequenceUpdated && ev.IncidentID > 0 {
		payload, _ := json.Marshal(ev)
		if err := c.store.AddNotification(ev.IncidentID, ev.CameraID, ev.Kind.String(), string(payload)); err != nil {
			c.Log.Warnf("Failed to persist notification for incident %v: %v", ev.IncidentID, err)
		}
	}

	for _, failed := range c.subscribers.notify(ev) {
		c.Log.Warnf("Removing subscriber %v: not draining its channel", failed.id)
		close(failed.C)
	}
}

// Subscribe registers a consumer of coordinator events. Returns nil when
// the subscriber list is full; callers must treat that as a hard error.
func (c *Coordinator) Subscribe(filter func(*pipeline.Event) bool) *Subscriber {
	return c.subscribers.Subscribe(filter)
}

func (c *Coordinator) Unsubscribe(sub *Subscriber) {
	c.subscribers.Unsubscribe(sub)
}

// CreateIncident implements pipeline.Coordinator
func (c *Coordinator) CreateIncident(cameraID int64, probability float32, persons int, startTime time.Time, location string) (int64, error) {
	inc, err := c.store.CreateIncident(cameraID, probability, persons, startTime, location)
	if err != nil {
		return 0, err
	}
	c.metrics.IncidentsCreated.Add(1)
	c.Log.Infof("Created incident %v (camera %v, severity %v, probability %.2f, %v persons)", inc.ID, cameraID, inc.Severity, probability, inc.Persons)
	return inc.ID, nil
}

// ActivateAlarm implements pipeline.Coordinator. The duration is the
// coordinator's, and re-activation while armed is a no-op inside the device.
func (c *Coordinator) ActivateAlarm() {
	if c.alarm == nil {
		return
	}
	c.metrics.AlarmActivations.Add(1)
	c.alarm.Activate(c.alarmDuration)
}

// EmitVoiceAlert implements pipeline.Coordinator
func (c *Coordinator) EmitVoiceAlert(location string, probability float32, persons int, force bool) {
	if c.voice == nil {
		return
	}
	if c.voice.Alert(location, probability, persons, force) {
		c.metrics.VoiceAlerts.Add(1)
	} else {
		c.metrics.VoiceSuppressed.Add(1)
	}
}

// AttachVideo implements recorder.IncidentSink
func (c *Coordinator) AttachVideo(incidentID int64, path string, meta *recorder.VideoMetadata) error {
	return c.store.AttachVideo(incidentID, path, meta)
}

// MarkVideoUnavailable implements recorder.IncidentSink
func (c *Coordinator) MarkVideoUnavailable(incidentID int64, reason string) error {
	return c.store.MarkVideoUnavailable(incidentID, reason)
}

// Store exposes the persistence layer to the HTTP API
func (c *Coordinator) Store() *Store {
	return c.store
}
