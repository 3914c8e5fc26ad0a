// Package resolvermgr owns one resolver.Resolver instance per workflow
// id and reaps instances that have sat idle past a retention window.
// This is a component SPEC_FULL.md adds on top of spec.md: spec.md's
// "no cache eviction of the tag working set" non-goal is about the
// ResolvedMap inside a single instance and says nothing about how many
// workflow instances a process should keep alive at once — that's the
// concern here, modeled on the teacher's scheduler.go cron-driven
// background job rather than on anything in resolver.go itself.
package resolvermgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/dockerresolver/internal/imageref"
	"github.com/swarmguard/dockerresolver/internal/resolver"
)

type instance struct {
	r          *resolver.Resolver
	lastActive time.Time
}

// Config holds the manager-level knobs from SPEC_FULL.md §2.
type Config struct {
	// InstanceRetention is how long an instance may sit with no Lookup
	// calls before the reaper stops it and drops it from the map.
	InstanceRetention time.Duration
	// ReapInterval controls how often the reaper cron job runs.
	ReapInterval time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{InstanceRetention: 30 * time.Minute, ReapInterval: time.Minute}
}

// Manager multiplexes Lookup calls across per-workflow resolver.Resolver
// instances, creating one in resolver.StartRestart mode the first time a
// given workflow id is referenced (so a process restart still warms from
// the Store), and reaping instances idle past cfg.InstanceRetention.
type Manager struct {
	mu        sync.Mutex
	instances map[string]*instance

	hashing resolver.HashingService
	store   resolver.Store
	logger  *slog.Logger
	meter   metric.Meter
	cfg     Config

	cron *cron.Cron

	created metric.Int64Counter
	reaped  metric.Int64Counter
}

// New constructs a Manager and starts its reaper cron job.
func New(cfg Config, hashing resolver.HashingService, store resolver.Store, logger *slog.Logger, meter metric.Meter) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if meter == nil {
		meter = otel.Meter("dockerresolver")
	}
	if cfg.InstanceRetention <= 0 {
		cfg.InstanceRetention = 30 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}

	created, _ := meter.Int64Counter("dockerresolver_resolvermgr_instances_created_total")
	reaped, _ := meter.Int64Counter("dockerresolver_resolvermgr_instances_reaped_total")

	m := &Manager{
		instances: make(map[string]*instance),
		hashing:   hashing,
		store:     store,
		logger:    logger,
		meter:     meter,
		cfg:       cfg,
		cron:      cron.New(),
		created:   created,
		reaped:    reaped,
	}

	spec := fmt.Sprintf("@every %s", cfg.ReapInterval)
	if _, err := m.cron.AddFunc(spec, m.reap); err != nil {
		logger.Error("resolvermgr: failed to schedule reaper", "err", err)
	}
	m.cron.Start()

	return m
}

// Stop halts the reaper and every owned resolver instance.
func (m *Manager) Stop() {
	m.cron.Stop()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, inst := range m.instances {
		inst.r.Stop()
		delete(m.instances, id)
	}
}

// Lookup routes to (creating if necessary) the resolver instance for
// workflowID.
func (m *Manager) Lookup(ctx context.Context, workflowID string, tag imageref.TagId) (imageref.HashValue, error) {
	inst := m.getOrCreate(workflowID)
	hash, err := inst.r.Lookup(ctx, tag)

	m.mu.Lock()
	inst.lastActive = time.Now()
	m.mu.Unlock()

	return hash, err
}

func (m *Manager) getOrCreate(workflowID string) *instance {
	m.mu.Lock()
	defer m.mu.Unlock()

	if inst, ok := m.instances[workflowID]; ok {
		return inst
	}

	r := resolver.New(context.Background(), workflowID, resolver.StartRestart, m.hashing, m.store, m.logger, m.meter)
	inst := &instance{r: r, lastActive: time.Now()}
	m.instances[workflowID] = inst
	m.created.Add(context.Background(), 1)
	m.logger.Info("resolvermgr: created instance", "workflow_id", workflowID)
	return inst
}

func (m *Manager) reap() {
	cutoff := time.Now().Add(-m.cfg.InstanceRetention)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, inst := range m.instances {
		if inst.lastActive.Before(cutoff) {
			inst.r.Stop()
			delete(m.instances, id)
			m.reaped.Add(context.Background(), 1)
			m.logger.Info("resolvermgr: reaped idle instance", "workflow_id", id)
		}
	}
}

// Len reports the number of live instances, for tests and diagnostics.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}
