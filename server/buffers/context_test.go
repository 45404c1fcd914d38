package buffers

import (
	"testing"
	"time"

	"github.com/centinelacam/centinela/pkg/frames"
	"github.com/stretchr/testify/require"
)

func contextEntry(id int64, ts time.Time) *AnnotatedFrame {
	return &AnnotatedFrame{
		Frame: frames.NewTestFrame(id, 1, ts, time.Duration(id)*66*time.Millisecond, 32, 24, 10, 10, 10),
	}
}

func TestContextWindow(t *testing.T) {
	b := NewContextBuffer(10*time.Second, 15)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for id := int64(0); id < 20; id++ {
		b.Add(contextEntry(id, base.Add(time.Duration(id)*time.Second)))
	}
	// Newest entry is at base+19s, so the window reaches back to base+9s
	got := b.Range(base, base.Add(20*time.Second))
	require.Len(t, got, 11)
	require.Equal(t, int64(9), got[0].Frame.ID)
	require.Equal(t, int64(19), got[len(got)-1].Frame.ID)
}

func TestContextRecent(t *testing.T) {
	b := NewContextBuffer(30*time.Second, 15)
	base := time.Now()
	for id := int64(0); id < 10; id++ {
		b.Add(contextEntry(id, base.Add(time.Duration(id)*time.Second)))
	}
	got := b.Recent(3 * time.Second)
	require.Len(t, got, 4) // newest plus 3 seconds back, inclusive
	require.Equal(t, int64(6), got[0].Frame.ID)
}

func TestContextBounded(t *testing.T) {
	b := NewContextBuffer(2*time.Second, 5) // ring capacity clamps to 64
	base := time.Now()
	for id := int64(0); id < 500; id++ {
		b.Add(contextEntry(id, base.Add(time.Duration(id)*50*time.Millisecond)))
	}
	require.LessOrEqual(t, b.Len(), 64)
}

func TestContextEmpty(t *testing.T) {
	b := NewContextBuffer(DefaultContextWindow, 15)
	require.Empty(t, b.Recent(5*time.Second))
	require.Empty(t, b.Range(time.Now().Add(-time.Hour), time.Now()))
	require.Equal(t, 0, b.Len())
}
