package capture

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct{}

func (stubSource) Events(context.Context) (<-chan Input, error) { return nil, nil }
func (stubSource) Close() error                                 { return nil }

type stubConfig struct {
	source string
}

func (c stubConfig) GetCaptureSource() string { return c.source }
func (c stubConfig) GetReplayFile() string    { return "" }

func TestRegistryBuild(t *testing.T) {
	r := NewRegistry()
	r.Register("stub", func(context.Context, Config) (Source, error) {
		return stubSource{}, nil
	})

	source, err := r.Build(context.Background(), stubConfig{source: "stub"})
	require.NoError(t, err)
	assert.NotNil(t, source)
}

func TestRegistryBuildUnknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.Build(context.Background(), stubConfig{source: "missing"})
	assert.ErrorContains(t, err, "unknown capture source")
}

func TestRegistryBuildNilConfig(t *testing.T) {
	r := NewRegistry()

	_, err := r.Build(context.Background(), nil)
	assert.ErrorContains(t, err, "config is required")
}

func TestRegistryCapabilities(t *testing.T) {
	r := NewRegistry()
	r.RegisterWithCapabilities("stub", func(context.Context, Config) (Source, error) {
		return stubSource{}, nil
	}, Capabilities{Name: "stub", SupportsMouse: true})

	caps := r.GetCapabilities("stub")
	assert.True(t, caps.SupportsMouse)

	// Unknown backends report a zero value with the name filled in.
	unknown := r.GetCapabilities("ghost")
	assert.Equal(t, "ghost", unknown.Name)
	assert.False(t, unknown.SupportsMouse)
}

func TestRegistryNamesAndHas(t *testing.T) {
	r := NewRegistry()
	r.Register("one", func(context.Context, Config) (Source, error) { return stubSource{}, nil })
	r.Register("two", func(context.Context, Config) (Source, error) { return stubSource{}, nil })

	assert.ElementsMatch(t, []string{"one", "two"}, r.Names())
	assert.True(t, r.Has("one"))
	assert.False(t, r.Has("three"))
}
