package buffers

import (
	"sync"
	"testing"
	"time"

	"github.com/centinelacam/centinela/pkg/frames"
	"github.com/centinelacam/centinela/pkg/nn"
	"github.com/stretchr/testify/require"
)

func admitFrame(t *testing.T, b *ViolenceBuffer, id int64, ts time.Time, seq int64) int {
	t.Helper()
	frame := frames.NewTestFrame(id, 1, ts, time.Duration(id)*66*time.Millisecond, 64, 48, 80, 80, 80)
	verdict := &nn.Verdict{Probability: 0.85, Detected: true, WindowEnd: ts, FramesAnalyzed: 8}
	detections := []nn.Detection{{Class: "person", Confidence: 0.9, Box: nn.Rect{X: 5, Y: 5, Width: 20, Height: 30}}}
	return b.Admit(frame, detections, verdict, seq)
}

func TestAdmitDuplication(t *testing.T) {
	b := NewViolenceBuffer(100, 10)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	added := admitFrame(t, b, 1, base, 1)
	require.Equal(t, 11, added)
	require.Equal(t, 11, b.Len())

	stats := b.Stats()
	require.Equal(t, int64(1), stats.Originals)
	require.Equal(t, int64(10), stats.Duplicates)
	require.Equal(t, 1, stats.Sequences)

	// Original first, duplicates in micro-offset order
	entries := b.Sequence(1)
	require.Len(t, entries, 11)
	require.Equal(t, int64(0), entries[0].DuplicateOf)
	for i := 1; i < 11; i++ {
		require.Equal(t, int64(1), entries[i].DuplicateOf)
		require.True(t, entries[i].Timestamp().After(entries[i-1].Timestamp()))
	}
}

func TestAdmitIdempotent(t *testing.T) {
	b := NewViolenceBuffer(100, 10)
	base := time.Now()
	require.Equal(t, 11, admitFrame(t, b, 7, base, 1))
	require.Equal(t, 0, admitFrame(t, b, 7, base, 1))
	require.Equal(t, 11, b.Len())
}

func TestAdmitConcurrent(t *testing.T) {
	b := NewViolenceBuffer(1000, 10)
	base := time.Now()
	wg := sync.WaitGroup{}
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := int64(1); id <= 10; id++ {
				admitFrame(t, b, id, base.Add(time.Duration(id)*time.Second), 1)
			}
		}()
	}
	wg.Wait()
	// 10 distinct frame IDs regardless of how the goroutines raced
	stats := b.Stats()
	require.Equal(t, int64(10), stats.Originals)
	require.Equal(t, int64(100), stats.Duplicates)
	require.Equal(t, 110, b.Len())
}

func TestDuplicationAccounting(t *testing.T) {
	// originals*(K+1) entries per sequence, exactly, before any expansion
	b := NewViolenceBuffer(DefaultViolenceCapacity, 8)
	base := time.Now()
	for id := int64(1); id <= 25; id++ {
		admitFrame(t, b, id, base.Add(time.Duration(id)*100*time.Millisecond), 3)
	}
	require.Len(t, b.Sequence(3), 25*(8+1))
}

func TestEvictOldest(t *testing.T) {
	b := NewViolenceBuffer(33, 10) // room for 3 admissions
	base := time.Now()
	for id := int64(1); id <= 5; id++ {
		admitFrame(t, b, id, base.Add(time.Duration(id)*time.Second), 1)
	}
	require.Equal(t, 33, b.Len())
	// Oldest admissions were displaced; the newest 3 survive
	entries := b.Sequence(1)
	require.Equal(t, int64(3), entries[0].Frame.ID)

	// An evicted frame may be admitted again
	require.Equal(t, 11, admitFrame(t, b, 1, base.Add(10*time.Second), 1))
}

func TestRange(t *testing.T) {
	b := NewViolenceBuffer(1000, 2)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for id := int64(0); id < 10; id++ {
		admitFrame(t, b, id+1, base.Add(time.Duration(id)*time.Second), 1)
	}
	got := b.Range(base.Add(2*time.Second), base.Add(4*time.Second))
	require.Len(t, got, 9) // 3 originals and their duplicates
	for _, e := range got {
		require.False(t, e.Timestamp().Before(base.Add(2*time.Second)))
		require.False(t, e.Timestamp().After(base.Add(4*time.Second)))
	}
}

func TestOverlayDrawn(t *testing.T) {
	b := NewViolenceBuffer(100, 1)
	frame := frames.NewTestFrame(1, 1, time.Now(), 0, 64, 48, 80, 80, 80)
	verdict := &nn.Verdict{Probability: 0.9, Detected: true}
	b.Admit(frame, nil, verdict, 1)

	entries := b.Sequence(1)
	require.Len(t, entries, 2)
	// The stored pixels differ from the raw frame (red band burned in),
	// and duplicates share the original's pixel buffer.
	require.NotEqual(t, frame.Image.Pixels[:48], entries[0].Frame.Image.Pixels[:48])
	require.Equal(t, &entries[0].Frame.Image.Pixels[0], &entries[1].Frame.Image.Pixels[0])
	// The source frame was not touched
	require.Equal(t, byte(80), frame.Image.Pixels[0])
}
