// Package health produces the read-only health surface consumed by
// external monitoring: admission state, database capacity, pool stats
// and uptime.
package health

import (
	"time"

	"github.com/nestgraph/nestgraph/internal/admission"
	"github.com/nestgraph/nestgraph/internal/lifecycle"
	"github.com/nestgraph/nestgraph/internal/pool"
)

// Snapshot is one point-in-time health reading.
type Snapshot struct {
	Status           admission.Status `json:"status"`
	CPUPercent       float64          `json:"cpu_percent"`
	MemoryPercent    float64          `json:"memory_percent"`
	DatabaseCount    int              `json:"database_count"`
	DatabaseCapacity int              `json:"database_capacity"`
	UptimeSeconds    int64            `json:"uptime_seconds"`
	GraphPool        []pool.KeyStats  `json:"graph_pool"`
	StagingPool      []pool.KeyStats  `json:"staging_pool"`
}

// Service assembles health snapshots. All inputs are read-only views;
// the service holds no mutable state beyond its start time.
type Service struct {
	admission   *admission.Controller
	lifecycle   *lifecycle.Manager
	graphPool   *pool.Pool
	stagingPool *pool.Pool
	started     time.Time
}

// NewService creates a health service.
func NewService(adm *admission.Controller, lm *lifecycle.Manager, graphPool, stagingPool *pool.Pool) *Service {
	return &Service{
		admission:   adm,
		lifecycle:   lm,
		graphPool:   graphPool,
		stagingPool: stagingPool,
		started:     time.Now(),
	}
}

// Snapshot returns the current health reading.
func (s *Service) Snapshot() Snapshot {
	adm := s.admission.Current()
	live, max := s.lifecycle.Capacity()

	return Snapshot{
		Status:           adm.Status,
		CPUPercent:       adm.CPUPercent,
		MemoryPercent:    adm.MemoryPercent,
		DatabaseCount:    live,
		DatabaseCapacity: max,
		UptimeSeconds:    int64(time.Since(s.started).Seconds()),
		GraphPool:        s.graphPool.Stats(),
		StagingPool:      s.stagingPool.Stats(),
	}
}
