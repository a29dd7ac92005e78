// Package agentdir maps agent types to addressable worker instances and
// tracks their health.
package agentdir

import (
	"context"
	"sort"
	"sync"

	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/internal/intent"
)

// Health represents the health state of an agent instance.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// Usable reports whether the scheduler may assign work to the instance.
func (h Health) Usable() bool {
	return h == HealthHealthy || h == HealthDegraded
}

// Directory is the registry consumed by the scheduler.
type Directory interface {
	ListInstances(ctx context.Context, agentType intent.AgentType) ([]string, error)
	HealthOf(ctx context.Context, instanceID string) (Health, error)
}

// Instance is a snapshot entry of the directory.
type Instance struct {
	ID        string           `json:"id"`
	AgentType intent.AgentType `json:"agent_type"`
	Health    Health           `json:"health"`
}

// StaticDirectory keeps the registry in memory. Instances start healthy.
type StaticDirectory struct {
	mu        sync.RWMutex
	instances map[intent.AgentType][]string
	health    map[string]Health
	types     map[string]intent.AgentType
}

var _ Directory = (*StaticDirectory)(nil)

// NewStatic builds a directory from an agent-type -> instance ids table.
func NewStatic(table map[string][]string) *StaticDirectory {
	d := &StaticDirectory{
		instances: make(map[intent.AgentType][]string),
		health:    make(map[string]Health),
		types:     make(map[string]intent.AgentType),
	}
	for agentType, ids := range table {
		d.Register(intent.AgentType(agentType), ids...)
	}
	return d
}

// Register adds instances for agentType. Re-registering an id moves it.
func (d *StaticDirectory) Register(agentType intent.AgentType, ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		if prev, ok := d.types[id]; ok {
			d.instances[prev] = remove(d.instances[prev], id)
		}
		d.instances[agentType] = append(d.instances[agentType], id)
		d.types[id] = agentType
		if _, ok := d.health[id]; !ok {
			d.health[id] = HealthHealthy
		}
	}
}

// Deregister removes an instance.
func (d *StaticDirectory) Deregister(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.types[id]; ok {
		d.instances[t] = remove(d.instances[t], id)
		delete(d.types, id)
		delete(d.health, id)
	}
}

// SetHealth updates the health of a registered instance.
func (d *StaticDirectory) SetHealth(id string, h Health) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.types[id]; !ok {
		return xerrors.New(xerrors.CodeNotFound, "unknown agent instance: "+id)
	}
	d.health[id] = h
	return nil
}

// ListInstances returns the instances registered for agentType.
func (d *StaticDirectory) ListInstances(_ context.Context, agentType intent.AgentType) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.instances[agentType]...), nil
}

// HealthOf returns the current health of an instance.
func (d *StaticDirectory) HealthOf(_ context.Context, id string) (Health, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.health[id]
	if !ok {
		return HealthUnhealthy, xerrors.New(xerrors.CodeNotFound, "unknown agent instance: "+id)
	}
	return h, nil
}

// Snapshot lists every instance sorted by type then id.
func (d *StaticDirectory) Snapshot() []Instance {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Instance, 0, len(d.types))
	for id, t := range d.types {
		out = append(out, Instance{ID: id, AgentType: t, Health: d.health[id]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentType != out[j].AgentType {
			return out[i].AgentType < out[j].AgentType
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Usable returns the instances of agentType the scheduler may use, healthy
// ones first. An empty result means no agent is available.
func Usable(ctx context.Context, dir Directory, agentType intent.AgentType) ([]string, error) {
	ids, err := dir.ListInstances(ctx, agentType)
	if err != nil {
		return nil, err
	}
	var healthy, degraded []string
	for _, id := range ids {
		h, err := dir.HealthOf(ctx, id)
		if err != nil {
			continue
		}
		switch h {
		case HealthHealthy:
			healthy = append(healthy, id)
		case HealthDegraded:
			degraded = append(degraded, id)
		}
	}
	return append(healthy, degraded...), nil
}

func remove(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
