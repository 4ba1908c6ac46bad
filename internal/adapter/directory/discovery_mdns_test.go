//go:build mdns

package directory

import (
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/domain"
)

func TestEntryToAgent(t *testing.T) {
	entry := zeroconf.NewServiceEntry("coder", mdnsServiceType, mdnsDomain)
	entry.Port = 9090
	entry.Text = []string{
		"id=coder-ang",
		"path=/agent",
		`capabilities=[{"id":"code-generation","name":"Code","weight":10}]`,
	}
	entry.AddrIPv4 = append(entry.AddrIPv4, []byte{192, 168, 1, 10})

	a, ok := entryToAgent(entry)
	require.True(t, ok)
	assert.Equal(t, "coder-ang", a.ID)
	assert.Equal(t, "coder", a.Name)
	assert.Equal(t, "http://192.168.1.10:9090/agent", a.URL)
	assert.Equal(t, domain.HostingContainer, a.Hosting)
	assert.Equal(t, domain.AgentOnline, a.Status)
	require.Len(t, a.Capabilities, 1)
	assert.Equal(t, 10.0, a.Capabilities[0].Weight)
}

func TestEntryToAgentRequiresID(t *testing.T) {
	entry := zeroconf.NewServiceEntry("anon", mdnsServiceType, mdnsDomain)
	entry.AddrIPv4 = append(entry.AddrIPv4, []byte{10, 0, 0, 1})
	_, ok := entryToAgent(entry)
	assert.False(t, ok)
}

func TestParseTXTRecords(t *testing.T) {
	m := parseTXTRecords([]string{"key1=val1", "novalue", "key3=val=with=equals"})
	assert.Equal(t, "val1", m["key1"])
	assert.Equal(t, "val=with=equals", m["key3"])
	assert.NotContains(t, m, "novalue")
}
