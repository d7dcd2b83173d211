package synthetic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkd-tools/mkd/capture"
)

func collect(t *testing.T, s *Source) []capture.Input {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := s.Events(ctx)
	require.NoError(t, err)

	var got []capture.Input
	for event := range events {
		got = append(got, event)
	}
	return got
}

func TestBoundedStream(t *testing.T) {
	s := New(Options{Count: 25, Seed: 7})
	defer s.Close()

	got := collect(t, s)
	require.Len(t, got, 25)

	for i, event := range got {
		assert.NotEmpty(t, event.ID)
		assert.NotEmpty(t, event.Type)
		assert.False(t, event.Timestamp.IsZero())
		if i > 0 {
			assert.NotEqual(t, got[i-1].ID, event.ID)
		}
	}
}

func TestSameSeedSameStream(t *testing.T) {
	first := collect(t, New(Options{Count: 50, Seed: 42}))
	second := collect(t, New(Options{Count: 50, Seed: 42}))

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].Type, second[i].Type)
		assert.Equal(t, first[i].X, second[i].X)
		assert.Equal(t, first[i].Y, second[i].Y)
		assert.Equal(t, first[i].Key, second[i].Key)
	}
}

func TestCloseStopsStream(t *testing.T) {
	s := New(Options{Seed: 1})

	ctx := context.Background()
	events, err := s.Events(ctx)
	require.NoError(t, err)

	<-events
	require.NoError(t, s.Close())

	// The channel drains and closes shortly after Close.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not stop after Close")
		}
	}
}

func TestContextCancelStopsStream(t *testing.T) {
	s := New(Options{Seed: 1})
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	events, err := s.Events(ctx)
	require.NoError(t, err)

	<-events
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not stop after context cancel")
		}
	}
}

func TestRegisteredInDefaultRegistry(t *testing.T) {
	assert.True(t, capture.DefaultRegistry.Has(SourceName))

	caps := capture.GetCapabilities(SourceName)
	assert.Equal(t, SourceName, caps.Name)
	assert.True(t, caps.Deterministic)
	assert.False(t, caps.Live)
}
