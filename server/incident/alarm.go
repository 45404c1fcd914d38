package incident

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/centinelacam/centinela/pkg/log"
)

// alarmPort is the control port of the LAN siren
const alarmPort = 6668

// alarmState is the device's lifecycle as we track it
type alarmState int

const (
	alarmIdle alarmState = iota
	alarmArmed
)

// AlarmDevice drives a smart siren on the local network. The device speaks
// a single boolean datapoint: on or off. All device errors are logged and
// swallowed; a broken siren must never break detection.
//
// The device is a singleton and its state machine is mutex-protected. The
// deactivation timer is owned here, not by callers, so a second activation
// while armed is a no-op rather than a timer reset.
type AlarmDevice struct {
	Log log.Log

	host     string
	deviceID string
	localKey string

	lock  sync.Mutex
	state alarmState
	timer *time.Timer
}

// alarmCommand is the wire message for the device's DPS endpoint
type alarmCommand struct {
	DeviceID string          `json:"devId"`
	Key      string          `json:"key"`
	DPS      map[string]bool `json:"dps"`
	T        int64           `json:"t"`
}

// NewAlarmDevice returns nil when host is empty, which disables the alarm
func NewAlarmDevice(logger log.Log, host, deviceID, localKey string) *AlarmDevice {
	if host == "" {
		return nil
	}
	return &AlarmDevice{
		Log:      log.NewPrefixLogger(logger, "alarm"),
		host:     host,
		deviceID: deviceID,
		localKey: localKey,
	}
}

// Activate fires the siren for the given duration. A no-op while armed.
func (a *AlarmDevice) Activate(duration time.Duration) {
	a.lock.Lock()
	if a.state == alarmArmed {
		a.lock.Unlock()
		a.Log.Debugf("Alarm already armed, ignoring activation")
		return
	}
	a.state = alarmArmed
	a.timer = time.AfterFunc(duration, a.deactivate)
	a.lock.Unlock()

	a.Log.Infof("Activating alarm for %.0fs", duration.Seconds())
	if err := a.send(true); err != nil {
		a.Log.Errorf("Failed to activate alarm: %v", err)
	}
}

func (a *AlarmDevice) deactivate() {
	a.lock.Lock()
	if a.state != alarmArmed {
		a.lock.Unlock()
		return
	}
	a.state = alarmIdle
	a.lock.Unlock()

	a.Log.Infof("Deactivating alarm")
	if err := a.send(false); err != nil {
		a.Log.Errorf("Failed to deactivate alarm: %v", err)
	}
}

// Stop cancels the pending deactivation timer and switches the siren off.
// Idempotent; called during shutdown.
func (a *AlarmDevice) Stop() {
	a.lock.Lock()
	wasArmed := a.state == alarmArmed
	a.state = alarmIdle
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.lock.Unlock()
	if wasArmed {
		if err := a.send(false); err != nil {
			a.Log.Errorf("Failed to switch alarm off during shutdown: %v", err)
		}
	}
}

// send opens a short-lived connection and writes one DPS command
func (a *AlarmDevice) send(on bool) error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%v:%v", a.host, alarmPort), 3*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	msg, err := json.Marshal(alarmCommand{
		DeviceID: a.deviceID,
		Key:      a.localKey,
		DPS:      map[string]bool{"1": on},
		T:        time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	if _, err := conn.Write(msg); err != nil {
		return err
	}
	// The device acks with a single JSON line; we only care that it answered
	ack := make([]byte, 256)
	if _, err := conn.Read(ack); err != nil {
		return fmt.Errorf("no ack from device: %w", err)
	}
	return nil
}
