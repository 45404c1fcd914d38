package dbh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIntTime(t *testing.T) {
	now := time.Date(2025, 3, 14, 10, 30, 0, 0, time.UTC)
	it := MakeIntTime(now)
	require.False(t, it.IsZero())
	require.Equal(t, now, it.Get())

	zero := MakeIntTime(time.Time{})
	require.True(t, zero.IsZero())
	v, err := zero.Value()
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestJSONField(t *testing.T) {
	type meta struct {
		Codec string `json:"codec"`
		FPS   int    `json:"fps"`
	}
	f := MakeJSONField(meta{Codec: "h264", FPS: 12})
	v, err := f.Value()
	require.NoError(t, err)

	f2 := &JSONField[meta]{}
	require.NoError(t, f2.Scan(v))
	require.Equal(t, f.Data, f2.Data)

	require.NoError(t, f2.Scan(nil))
	require.Equal(t, meta{}, f2.Data)
}
