package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delegate-collector/pkg/collector"
	"github.com/delegate-collector/pkg/errors"
)

func TestNewKnownProviders(t *testing.T) {
	for _, name := range Names() {
		p, err := New(name, Env{})
		require.NoError(t, err, name)
		assert.Equal(t, name, p.Name())
	}

	p, err := New("prometheus", Env{})
	require.NoError(t, err)
	assert.Equal(t, "PROMETHEUS", p.Name())
}

func TestFetcherProviders(t *testing.T) {
	for _, name := range []string{"SUMO", "CLOUD_WATCH"} {
		p, err := New(name, Env{})
		require.NoError(t, err)
		_, ok := p.(collector.Fetcher)
		assert.True(t, ok, name)
	}
	p, err := New("ELK", Env{})
	require.NoError(t, err)
	_, ok := p.(collector.Fetcher)
	assert.False(t, ok)
}

func TestNewInstancesAreIndependent(t *testing.T) {
	a, err := New("APM_VERIFICATION", Env{})
	require.NoError(t, err)
	b, err := New("APM_VERIFICATION", Env{})
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestNewUnknown(t *testing.T) {
	_, err := New("SPLUNK", Env{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeConfig))
	assert.Contains(t, err.Error(), "PROMETHEUS")
}
