// Package router answers "which instance, and is it safe to proceed"
// for a graph id. It composes the admission controller, the instance
// registry and lifecycle access; it keeps no state of its own beyond a
// round-robin cursor.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nestgraph/nestgraph/internal/admission"
	"github.com/nestgraph/nestgraph/internal/errdefs"
	"github.com/nestgraph/nestgraph/internal/ident"
	"github.com/nestgraph/nestgraph/internal/registry"
)

// Intent is the caller's access intent for a graph.
type Intent string

const (
	IntentRead  Intent = "read"
	IntentWrite Intent = "write"
)

// LifecycleClient creates databases on a specific instance. The local
// implementation wraps the lifecycle manager; remote instances are
// reached through whatever transport the API layer provides.
type LifecycleClient interface {
	Create(ctx context.Context, graphID ident.GraphID, schemaDDL string, readOnly bool) error
}

// ClientProvider returns the lifecycle client for an instance.
type ClientProvider func(inst *registry.Instance) (LifecycleClient, error)

// ProbeFunc checks whether an instance is healthy enough to route to.
type ProbeFunc func(ctx context.Context, inst *registry.Instance) error

// CreateOptions carries what Resolve needs to create an unknown graph.
// When nil, resolving an unknown graph fails with ErrNotFound instead
// of creating it.
type CreateOptions struct {
	SchemaDDL string
	ReadOnly  bool
}

// Resolution is a successful routing decision.
type Resolution struct {
	Instance *registry.Instance

	// Created reports that this resolution created the database.
	Created bool

	// RetryAfter is a soft backoff hint, set while admission status is
	// warning. Zero means no hint.
	RetryAfter time.Duration
}

// Config holds router settings.
type Config struct {
	// MaxFailoverCandidates bounds how many alternates are tried after
	// the mapped instance fails its probe.
	MaxFailoverCandidates int

	// HeartbeatTimeout is how stale a heartbeat may be before the
	// default probe declares the instance unhealthy.
	HeartbeatTimeout time.Duration

	// Probe overrides the default heartbeat-freshness probe.
	Probe ProbeFunc

	Logger *slog.Logger
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.MaxFailoverCandidates <= 0 {
		c.MaxFailoverCandidates = 2
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
}

// Router resolves graph ids to healthy owning instances.
type Router struct {
	reg       registry.Client
	admission *admission.Controller
	provider  ClientProvider
	cfg       Config
	logger    *slog.Logger

	createGroup singleflight.Group
	rrCursor    atomic.Uint64
}

// New creates a router.
func New(reg registry.Client, adm *admission.Controller, provider ClientProvider, cfg Config) *Router {
	cfg.ApplyDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Probe == nil {
		timeout := cfg.HeartbeatTimeout
		cfg.Probe = func(_ context.Context, inst *registry.Instance) error {
			if !inst.HealthyWithin(timeout) {
				return errors.New("heartbeat stale")
			}
			return nil
		}
	}
	return &Router{reg: reg, admission: adm, provider: provider, cfg: cfg, logger: logger}
}

// Resolve returns the instance to route graphID to. Admission is
// checked first: critical status rejects immediately with no registry
// lookup. Unknown graphs are created on the least-loaded candidate;
// the creation path is idempotent under concurrent callers.
func (r *Router) Resolve(ctx context.Context, graphID ident.GraphID, intent Intent, create *CreateOptions) (*Resolution, error) {
	if err := r.admission.Admit(); err != nil {
		return nil, err
	}
	var retryAfter time.Duration
	if snap := r.admission.Current(); snap.Status == admission.StatusWarning {
		retryAfter = snap.RetryAfter
	}

	inst, err := r.reg.Get(ctx, graphID)
	switch {
	case err == nil:
		if probeErr := r.cfg.Probe(ctx, inst); probeErr == nil {
			return &Resolution{Instance: inst, RetryAfter: retryAfter}, nil
		}
		r.logger.Warn("mapped instance failed probe, invalidating",
			"graph_id", graphID, "instance", inst.ID)
		if err := r.reg.Delete(ctx, graphID); err != nil {
			return nil, err
		}
		return r.failover(ctx, graphID, intent, inst.ID, retryAfter)
	case errors.Is(err, errdefs.ErrNotFound):
		if create == nil {
			return nil, err
		}
		return r.createAndRegister(ctx, graphID, intent, create, retryAfter)
	default:
		return nil, err
	}
}

// Invalidate removes the graph's instance mapping. This is the
// deliberate quarantine action for databases showing repeated query
// failures; the router never does it automatically on QueryError.
func (r *Router) Invalidate(ctx context.Context, graphID ident.GraphID) error {
	return r.reg.Delete(ctx, graphID)
}

// createAndRegister runs the idempotent creation path. Exactly one
// concurrent caller per graph id performs the create; the rest share
// its result or observe the now-registered owner.
func (r *Router) createAndRegister(ctx context.Context, graphID ident.GraphID, intent Intent, create *CreateOptions, retryAfter time.Duration) (*Resolution, error) {
	v, err, _ := r.createGroup.Do(graphID.String(), func() (any, error) {
		// Another process may have won the race.
		if inst, err := r.reg.Get(ctx, graphID); err == nil {
			if probeErr := r.cfg.Probe(ctx, inst); probeErr == nil {
				return &Resolution{Instance: inst}, nil
			}
		} else if !errors.Is(err, errdefs.ErrNotFound) {
			return nil, err
		}

		cand, err := r.pickCandidate(ctx, intent, nil)
		if err != nil {
			return nil, err
		}

		client, err := r.provider(cand)
		if err != nil {
			return nil, err
		}
		if err := client.Create(ctx, graphID, create.SchemaDDL, create.ReadOnly); err != nil {
			return nil, err
		}
		if err := r.reg.Put(ctx, graphID, cand.ID); err != nil {
			return nil, err
		}

		r.logger.Info("created and registered database",
			"graph_id", graphID, "instance", cand.ID)
		return &Resolution{Instance: cand, Created: true}, nil
	})
	if err != nil {
		return nil, err
	}
	res := v.(*Resolution)
	return &Resolution{Instance: res.Instance, Created: res.Created, RetryAfter: retryAfter}, nil
}

// failover tries up to MaxFailoverCandidates alternates for a graph
// whose mapped instance went unhealthy.
func (r *Router) failover(ctx context.Context, graphID ident.GraphID, intent Intent, excludeID string, retryAfter time.Duration) (*Resolution, error) {
	exclude := map[string]bool{excludeID: true}
	tried := 0
	for tried < r.cfg.MaxFailoverCandidates {
		cand, err := r.pickCandidate(ctx, intent, exclude)
		if err != nil {
			break
		}
		tried++
		exclude[cand.ID] = true
		if probeErr := r.cfg.Probe(ctx, cand); probeErr != nil {
			continue
		}
		if err := r.reg.Put(ctx, graphID, cand.ID); err != nil {
			return nil, err
		}
		r.logger.Info("failed over graph mapping", "graph_id", graphID, "instance", cand.ID)
		return &Resolution{Instance: cand, RetryAfter: retryAfter}, nil
	}
	return nil, &errdefs.InstanceUnavailableError{GraphID: graphID.String(), Tried: tried}
}

// pickCandidate selects an instance for the intent: the least-loaded
// writer for writes, a round-robin healthy replica for reads.
func (r *Router) pickCandidate(ctx context.Context, intent Intent, exclude map[string]bool) (*registry.Instance, error) {
	instances, err := r.reg.ListInstances(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []*registry.Instance
	for _, inst := range instances {
		if exclude[inst.ID] {
			continue
		}
		if intent == IntentWrite && !inst.Role.CanWrite() {
			continue
		}
		if !inst.HealthyWithin(r.cfg.HeartbeatTimeout) {
			continue
		}
		candidates = append(candidates, inst)
	}
	if len(candidates) == 0 {
		return nil, &errdefs.InstanceUnavailableError{Tried: 0}
	}
	// Registry listing order is not stable; the round-robin cursor needs
	// a fixed ordering to rotate evenly.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	if intent == IntentWrite {
		best := candidates[0]
		for _, inst := range candidates[1:] {
			if inst.DatabaseCount < best.DatabaseCount {
				best = inst
			}
		}
		return best, nil
	}

	idx := r.rrCursor.Add(1) - 1
	return candidates[idx%uint64(len(candidates))], nil
}
