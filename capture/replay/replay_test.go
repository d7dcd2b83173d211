package replay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkd-tools/mkd/capture"
	"github.com/mkd-tools/mkd/script"
)

func writeRecording(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "run.mkd")
	require.NoError(t, script.Save(path, &script.Script{
		Version:  script.FormatVersion,
		Session:  "session-1",
		Platform: "linux",
		Events: []script.Event{
			{ID: "e1", Type: "mouse_move", Offset: 0, X: 10, Y: 20, Confidence: 0.9},
			{ID: "e2", Type: "mouse_click", Offset: 40, X: 10, Y: 20, Button: "left", Confidence: 1},
			{ID: "e3", Type: "key_press", Offset: 90, Key: "a", Confidence: 0.8},
		},
		Stats: script.Stats{TotalEvents: 3, DurationMs: 90},
	}))
	return path
}

func TestReplayEmitsRecordedEventsInOrder(t *testing.T) {
	source, err := Open(writeRecording(t), Options{})
	require.NoError(t, err)
	defer source.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := source.Events(ctx)
	require.NoError(t, err)

	var got []capture.Input
	for event := range events {
		got = append(got, event)
	}

	require.Len(t, got, 3)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, capture.InputMouseMove, got[0].Type)
	assert.Equal(t, 10, got[0].X)
	assert.Equal(t, "left", got[1].Button)
	assert.Equal(t, "a", got[2].Key)
}

func TestReplayTimestampsFollowOffsets(t *testing.T) {
	source, err := Open(writeRecording(t), Options{})
	require.NoError(t, err)
	defer source.Close()

	events, err := source.Events(context.Background())
	require.NoError(t, err)

	first := <-events
	second := <-events
	third := <-events
	<-events

	assert.Equal(t, 40*time.Millisecond, second.Timestamp.Sub(first.Timestamp))
	assert.Equal(t, 50*time.Millisecond, third.Timestamp.Sub(second.Timestamp))
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.mkd"), Options{})
	assert.Error(t, err)
}

func TestCloseStopsPlayback(t *testing.T) {
	recording := &script.Script{
		Version: script.FormatVersion,
		Session: "s",
		Events:  make([]script.Event, 1000),
	}
	for i := range recording.Events {
		recording.Events[i] = script.Event{ID: "e", Type: "mouse_move", Offset: int64(i)}
	}

	source := FromScript(recording, Options{Speed: 1})
	events, err := source.Events(context.Background())
	require.NoError(t, err)

	<-events
	require.NoError(t, source.Close())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("playback did not stop after Close")
		}
	}
}

func TestBuildRequiresReplayFile(t *testing.T) {
	_, err := Build(context.Background(), emptyConfig{})
	assert.ErrorContains(t, err, "replay file")
}

type emptyConfig struct{}

func (emptyConfig) GetCaptureSource() string { return SourceName }
func (emptyConfig) GetReplayFile() string    { return "" }

func TestRegisteredInDefaultRegistry(t *testing.T) {
	assert.True(t, capture.DefaultRegistry.Has(SourceName))
}
