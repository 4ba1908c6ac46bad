package domain

import (
	"slices"
	"time"
)

// Hosting describes where a discovered agent executes.
type Hosting string

const (
	HostingInProcess Hosting = "in-process"
	HostingContainer Hosting = "container"
	HostingExternal  Hosting = "external"
)

// Remote reports whether agents with this hosting mode must be reached over
// the network and therefore health-probed.
func (h Hosting) Remote() bool {
	return h == HostingContainer || h == HostingExternal
}

// AgentStatus is the last observed health of a discovered agent.
type AgentStatus string

const (
	AgentOnline   AgentStatus = "online"
	AgentDegraded AgentStatus = "degraded"
	AgentOffline  AgentStatus = "offline"
)

// Capability is a named, weighted unit of work an agent advertises.
// Weight is relative: higher is preferred when ranking candidates.
type Capability struct {
	ID          string   `json:"id"                    yaml:"id"`
	Name        string   `json:"name"                  yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Weight      float64  `json:"weight"                yaml:"weight"`
	Tags        []string `json:"tags,omitempty"        yaml:"tags,omitempty"`
}

// HasTag reports whether tag is one of the capability's tags.
func (c Capability) HasTag(tag string) bool {
	return slices.Contains(c.Tags, tag)
}

// AgentDescriptor is a live, reachable execution target as seen by the
// registry. Identity is ID.
type AgentDescriptor struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Description     string       `json:"description,omitempty"`
	URL             string       `json:"url"`
	Capabilities    []Capability `json:"capabilities"`
	Hosting         Hosting      `json:"hosting"`
	Status          AgentStatus  `json:"status"`
	LastHealthCheck time.Time    `json:"lastHealthCheck,omitzero"`
	LatencyMs       *int64       `json:"latencyMs,omitempty"`
}

// Clone returns a deep copy so callers can never mutate registry state.
func (a AgentDescriptor) Clone() AgentDescriptor {
	out := a
	out.Capabilities = make([]Capability, len(a.Capabilities))
	for i, c := range a.Capabilities {
		c.Tags = slices.Clone(c.Tags)
		out.Capabilities[i] = c
	}
	if a.LatencyMs != nil {
		v := *a.LatencyMs
		out.LatencyMs = &v
	}
	return out
}

// Capability returns the advertised capability whose ID or tags match key.
// An exact ID match wins over a tag match.
func (a AgentDescriptor) Capability(key string) (Capability, bool) {
	for _, c := range a.Capabilities {
		if c.ID == key {
			return c, true
		}
	}
	for _, c := range a.Capabilities {
		if c.HasTag(key) {
			return c, true
		}
	}
	return Capability{}, false
}

// AgentDirectory is the wire shape of a coordinator directory snapshot.
type AgentDirectory struct {
	Agents []AgentDescriptor `json:"agents"`
}
