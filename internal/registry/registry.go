// Package registry defines the client contract for the external
// instance directory: which cluster instance owns which graph, plus
// instance health and heartbeat records. Backends: redis for clustered
// deployments, memory for tests and single-node use.
package registry

import (
	"context"
	"time"

	"github.com/nestgraph/nestgraph/internal/ident"
)

// Role describes what work an instance accepts.
type Role string

const (
	RoleWriter       Role = "writer"
	RoleReader       Role = "reader"
	RoleSharedMaster Role = "shared-master"
)

// CanWrite reports whether the role accepts write traffic.
func (r Role) CanWrite() bool {
	return r == RoleWriter || r == RoleSharedMaster
}

// Instance is one cluster node's directory record.
type Instance struct {
	ID            string
	Address       string
	Role          Role
	GraphIDs      []string
	LastHeartbeat time.Time
	DatabaseCount int
	CPUPercent    float64
	MemoryPercent float64
}

// HealthyWithin reports whether the instance heartbeated within d.
func (i *Instance) HealthyWithin(d time.Duration) bool {
	return time.Since(i.LastHeartbeat) <= d
}

// Metrics is the payload an instance reports on each heartbeat.
type Metrics struct {
	CPUPercent    float64
	MemoryPercent float64
	DatabaseCount int
}

// Client is the narrow interface the runtime needs from the directory.
// Consistency requirements are latest-write-wins per key; lookups of
// unknown graphs return errdefs.ErrNotFound.
type Client interface {
	// Get returns the instance owning graphID.
	Get(ctx context.Context, graphID ident.GraphID) (*Instance, error)

	// Put records instanceID as the owner of graphID.
	Put(ctx context.Context, graphID ident.GraphID, instanceID string) error

	// Delete removes the ownership mapping for graphID.
	Delete(ctx context.Context, graphID ident.GraphID) error

	// ListInstances returns every known instance record.
	ListInstances(ctx context.Context) ([]*Instance, error)

	// Heartbeat refreshes an instance's liveness and metrics.
	Heartbeat(ctx context.Context, instanceID string, m Metrics) error

	// RegisterInstance adds or replaces an instance record.
	RegisterInstance(ctx context.Context, inst *Instance) error

	// DeregisterInstance removes an instance record.
	DeregisterInstance(ctx context.Context, instanceID string) error
}
