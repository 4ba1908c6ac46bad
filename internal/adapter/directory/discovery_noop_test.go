//go:build !mdns

package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopDiscoverer(t *testing.T) {
	d := NewDiscoverer(testLogger())
	agents, err := d.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, agents)
	assert.NoError(t, d.Advertise(context.Background(), "switchboard", 8080, nil))
	assert.False(t, MDNSAvailable)
}
