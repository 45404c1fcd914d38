package incident

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/centinelacam/centinela/pkg/dbh"
	"github.com/centinelacam/centinela/pkg/log"
	"github.com/centinelacam/centinela/server/metrics"
	"github.com/centinelacam/centinela/server/pipeline"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	store, err := OpenStore(log.NewTestingLog(t), dbh.MakeSqliteConfig(filepath.Join(t.TempDir(), "incidents.sqlite")))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	c := NewCoordinator(log.NewTestingLog(t), store, nil, nil, 10*time.Second, metrics.New())
	c.Start()
	t.Cleanup(c.Stop)
	return c
}

func TestCoordinatorCreateIncident(t *testing.T) {
	c := newTestCoordinator(t)
	id, err := c.CreateIncident(1, 0.91, 1, time.Now(), "Entrada")
	require.NoError(t, err)
	require.Positive(t, id)

	inc, err := c.Store().GetIncident(id)
	require.NoError(t, err)
	require.Equal(t, SeverityCritical, inc.Severity)
	require.Equal(t, 2, inc.Persons)
	require.Equal(t, uint64(1), c.metrics.IncidentsCreated.Load())
}

func TestSubscriberFanout(t *testing.T) {
	c := newTestCoordinator(t)
	all := c.Subscribe(nil)
	require.NotNil(t, all)
	onlyCam2 := c.Subscribe(func(ev *pipeline.Event) bool { return ev.CameraID == 2 })
	require.NotNil(t, onlyCam2)

	c.EventChan() <- &pipeline.Event{Kind: pipeline.EventSequenceStarted, CameraID: 1, SequenceID: 5}

	ev := <-all.C
	require.Equal(t, int64(5), ev.SequenceID)
	select {
	case <-onlyCam2.C:
		t.Fatal("filtered subscriber should not have received the event")
	case <-time.After(50 * time.Millisecond):
	}

	c.Unsubscribe(all)
	c.Unsubscribe(onlyCam2)
	require.Equal(t, 0, c.subscribers.count())
}

func TestSlowSubscriberRemoved(t *testing.T) {
	c := newTestCoordinator(t)
	slow := c.Subscribe(nil)
	require.NotNil(t, slow)

	// Never drain; the channel fills and the subscriber is dropped
	for i := 0; i < subscriberChanSize+5; i++ {
		c.EventChan() <- &pipeline.Event{Kind: pipeline.EventSequenceCooling, CameraID: 1, SequenceID: int64(i)}
	}
	require.Eventually(t, func() bool { return c.subscribers.count() == 0 }, 2*time.Second, 10*time.Millisecond)

	// The channel was closed on removal, so a reader unblocks
	for range slow.C {
	}
}

func TestSequenceEndedSetsEndTime(t *testing.T) {
	c := newTestCoordinator(t)
	id, err := c.CreateIncident(1, 0.85, 2, time.Now().Add(-time.Minute), "Patio")
	require.NoError(t, err)

	end := time.Now()
	c.EventChan() <- &pipeline.Event{Kind: pipeline.EventSequenceEnded, CameraID: 1, SequenceID: 1, IncidentID: id, EndTime: end}

	require.Eventually(t, func() bool {
		inc, err := c.Store().GetIncident(id)
		return err == nil && !inc.EndTime.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	trail, err := c.Store().ListNotifications(id)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	require.Equal(t, "ended", trail[0].Kind)
}

func TestVoiceCooldown(t *testing.T) {
	spoken := atomic.Int32{}
	v := NewVoiceAlerter(log.NewTestingLog(t), "http://localhost:1", "es", 15*time.Second)
	v.speakFn = func(text string) { spoken.Add(1) }

	require.True(t, v.Alert("Entrada", 0.9, 2, false))
	require.False(t, v.Alert("Entrada", 0.9, 2, false))
	// force bypasses the cooldown
	require.True(t, v.Alert("Entrada", 0.9, 2, true))
	require.Eventually(t, func() bool { return spoken.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestAlertText(t *testing.T) {
	text := alertText("Pasillo norte", 0.82, 3)
	require.Contains(t, text, "Violencia detectada")
	require.Contains(t, text, "Pasillo norte")
	require.Contains(t, text, "3 personas")
	require.Contains(t, text, "82 por ciento")
}

func TestAlarmDeviceDisabled(t *testing.T) {
	require.Nil(t, NewAlarmDevice(log.NewTestingLog(t), "", "dev1", "key"))
}

// Double activation while armed must not reset the timer or resend
func TestAlarmDoubleActivation(t *testing.T) {
	a := NewAlarmDevice(log.NewTestingLog(t), "127.0.0.1", "dev1", "key")
	require.NotNil(t, a)
	// The device is unreachable in tests; activation still arms the state
	// machine and the send failure is only logged.
	a.Activate(time.Hour)
	require.Equal(t, alarmArmed, a.state)
	timer := a.timer
	a.Activate(time.Hour)
	require.Same(t, timer, a.timer)
	a.Stop()
	require.Equal(t, alarmIdle, a.state)
	a.Stop()
}
