package incident

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/centinelacam/centinela/pkg/dbh"
	"github.com/centinelacam/centinela/pkg/log"
	"github.com/centinelacam/centinela/server/recorder"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(log.NewTestingLog(t), dbh.MakeSqliteConfig(filepath.Join(t.TempDir(), "incidents.sqlite")))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestSeverityMapping(t *testing.T) {
	require.Equal(t, SeverityCritical, SeverityForProbability(0.95))
	require.Equal(t, SeverityCritical, SeverityForProbability(0.8))
	require.Equal(t, SeverityHigh, SeverityForProbability(0.79))
	require.Equal(t, SeverityHigh, SeverityForProbability(0.6))
	require.Equal(t, SeverityMedium, SeverityForProbability(0.59))
	require.Equal(t, SeverityMedium, SeverityForProbability(0))
}

func TestCreateIncident(t *testing.T) {
	store := openTestStore(t)
	start := time.Now()
	inc, err := store.CreateIncident(3, 0.82, 2, start, "Pasillo norte")
	require.NoError(t, err)
	require.Positive(t, inc.ID)
	require.Equal(t, SeverityCritical, inc.Severity)

	loaded, err := store.GetIncident(inc.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), loaded.CameraID)
	require.Equal(t, TypeViolence, loaded.Type)
	require.Equal(t, 2, loaded.Persons)
	require.Equal(t, "Pasillo norte", loaded.Location)
	require.Equal(t, start.UnixMilli(), int64(loaded.StartTime))
}

// No write path may produce an incident with fewer than two persons
func TestPersonFloorInStore(t *testing.T) {
	store := openTestStore(t)
	inc, err := store.CreateIncident(1, 0.91, 1, time.Now(), "Entrada")
	require.NoError(t, err)
	require.Equal(t, 2, inc.Persons)

	inc, err = store.CreateIncident(1, 0.91, 0, time.Now(), "Entrada")
	require.NoError(t, err)
	require.Equal(t, 2, inc.Persons)

	inc, err = store.CreateIncident(1, 0.91, 4, time.Now(), "Entrada")
	require.NoError(t, err)
	require.Equal(t, 4, inc.Persons)
}

func TestAttachVideo(t *testing.T) {
	store := openTestStore(t)
	inc, err := store.CreateIncident(1, 0.75, 2, time.Now(), "Patio")
	require.NoError(t, err)

	clip := filepath.Join(t.TempDir(), "clip.mp4")
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(clip, payload, 0660))

	meta := &recorder.VideoMetadata{SizeBytes: 4096, Duration: 6 * time.Second, FrameCount: 72, Width: 640, Height: 480, FPS: 12}
	require.NoError(t, store.AttachVideo(inc.ID, clip, meta))

	loaded, err := store.GetIncident(inc.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.VideoMeta)
	require.Equal(t, 72, loaded.VideoMeta.Data.FrameCount)
	require.Equal(t, clip, loaded.VideoPath)
	require.False(t, loaded.VideoTooLarge)

	video, err := store.GetIncidentVideo(inc.ID)
	require.NoError(t, err)
	require.Equal(t, payload, video)
}

func TestAttachVideoMissingIncident(t *testing.T) {
	store := openTestStore(t)
	clip := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(clip, []byte("x"), 0660))
	err := store.AttachVideo(999, clip, &recorder.VideoMetadata{})
	require.Error(t, err)
}

func TestMarkVideoUnavailable(t *testing.T) {
	store := openTestStore(t)
	inc, err := store.CreateIncident(1, 0.85, 2, time.Now(), "Patio")
	require.NoError(t, err)

	require.NoError(t, store.MarkVideoUnavailable(inc.ID, recorder.ReasonVideoTooLarge))
	loaded, err := store.GetIncident(inc.ID)
	require.NoError(t, err)
	require.True(t, loaded.VideoTooLarge)
	require.Equal(t, recorder.ReasonVideoTooLarge, loaded.VideoReason)

	inc2, err := store.CreateIncident(1, 0.85, 2, time.Now(), "Patio")
	require.NoError(t, err)
	require.NoError(t, store.MarkVideoUnavailable(inc2.ID, recorder.ReasonEncodeFailed))
	loaded, err = store.GetIncident(inc2.ID)
	require.NoError(t, err)
	require.False(t, loaded.VideoTooLarge)
	require.Equal(t, recorder.ReasonEncodeFailed, loaded.VideoReason)
}

func TestListIncidents(t *testing.T) {
	store := openTestStore(t)
	base := time.Now()
	for i := 0; i < 5; i++ {
		_, err := store.CreateIncident(1, 0.7, 2, base.Add(time.Duration(i)*time.Minute), "Patio")
		require.NoError(t, err)
	}
	list, err := store.ListIncidents(3)
	require.NoError(t, err)
	require.Len(t, list, 3)
	// Newest first
	require.True(t, list[0].StartTime > list[1].StartTime)
}

func TestCameraFallback(t *testing.T) {
	store := openTestStore(t)
	cam := store.GetCamera(42)
	require.Equal(t, int64(42), cam.ID)
	require.NotEmpty(t, cam.Location)

	require.NoError(t, store.UpsertCamera(&Camera{BaseModel: BaseModel{ID: 42}, Name: "entrada", Location: "Entrada principal", Enabled: true}))
	cam = store.GetCamera(42)
	require.Equal(t, "Entrada principal", cam.Location)
}

func TestNotificationTrail(t *testing.T) {
	store := openTestStore(t)
	inc, err := store.CreateIncident(1, 0.8, 2, time.Now(), "Patio")
	require.NoError(t, err)
	require.NoError(t, store.AddNotification(inc.ID, 1, "started", `{"kind":"started"}`))
	require.NoError(t, store.AddNotification(inc.ID, 1, "ended", `{"kind":"ended"}`))

	trail, err := store.ListNotifications(inc.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	require.Equal(t, "started", trail[0].Kind)
	require.Equal(t, "ended", trail[1].Kind)
}
