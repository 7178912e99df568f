package media

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akinalp/medcall/pkg"
)

func TestSyntheticSource_Acquire(t *testing.T) {
	src := NewSyntheticSource(zap.NewNop())

	stream, err := src.Acquire(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	tracks := stream.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tracks[0].Kind())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, tracks[1].Kind())

	id := stream.(*Stream).ID()
	for _, tr := range tracks {
		assert.Equal(t, id, tr.StreamID())
	}

	other, err := src.Acquire(context.Background())
	require.NoError(t, err)
	defer other.Close()
	assert.NotEqual(t, id, other.(*Stream).ID(), "each call gets its own stream")
}

func TestSyntheticSource_AudioOnly(t *testing.T) {
	src := &SyntheticSource{Audio: true}
	stream, err := src.Acquire(context.Background())
	require.NoError(t, err)
	defer stream.Close()
	require.Len(t, stream.Tracks(), 1)
	assert.Equal(t, "audio", stream.Tracks()[0].ID())
}

func TestSyntheticSource_Errors(t *testing.T) {
	_, err := (&SyntheticSource{}).Acquire(context.Background())
	assert.ErrorIs(t, err, pkg.ErrBadRequest)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewSyntheticSource(zap.NewNop()).Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDenied(t *testing.T) {
	stream, err := Denied.Acquire(context.Background())
	assert.Nil(t, stream)
	assert.ErrorIs(t, err, pkg.ErrPermissionDenied)
}

func TestStream_PumpStopsOnClose(t *testing.T) {
	clk := clock.NewMock()
	src := &SyntheticSource{Audio: true, PumpSilence: true, Clock: clk}

	stream, err := src.Acquire(context.Background())
	require.NoError(t, err)

	// An unbound sample track drops writes without error.
	clk.Add(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = stream.Close()
		_ = stream.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close did not stop the pump")
	}
}
