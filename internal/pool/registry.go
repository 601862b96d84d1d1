package pool

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/InsulaLabs/pwmcp/config"
	"github.com/InsulaLabs/pwmcp/models"
)

// ErrPoolNotFound is returned for an unknown pool name.
type ErrPoolNotFound struct {
	Name string
}

func (e *ErrPoolNotFound) Error() string {
	return fmt.Sprintf("unknown pool %q", e.Name)
}

// ErrAmbiguousAlias is returned when an alias given without a pool matches
// instances in more than one pool.
type ErrAmbiguousAlias struct {
	Alias string
	Pools []string
}

func (e *ErrAmbiguousAlias) Error() string {
	return fmt.Sprintf("alias %q matches instances in pools %s; specify a pool", e.Alias, strings.Join(e.Pools, ", "))
}

var numericKey = regexp.MustCompile(`^\d+$`)

// Factory builds one child runner for an instance slot. Indirection so
// tests can substitute fakes for real subprocess supervisors.
type Factory func(poolName string, inst config.Instance) Runner

// Registry owns all pools, resolves (pool, instance) targeting, and holds
// the default pool. Immutable after Start.
type Registry struct {
	logger      *slog.Logger
	cfg         *config.Proxy
	pools       map[string]*Pool
	poolOrder   []string
	defaultName string
}

func NewRegistry(logger *slog.Logger, cfg *config.Proxy, factory Factory) *Registry {
	r := &Registry{
		logger:      logger.With("component", "registry"),
		cfg:         cfg,
		pools:       make(map[string]*Pool),
		defaultName: cfg.DefaultPoolName,
	}
	for _, pc := range cfg.Pools {
		children := make([]Runner, 0, len(pc.Children))
		for _, inst := range pc.Children {
			children = append(children, factory(pc.Name, inst))
		}
		r.pools[pc.Name] = New(logger, pc, cfg, children)
		r.poolOrder = append(r.poolOrder, pc.Name)
	}
	sort.Strings(r.poolOrder)
	return r
}

// Start initializes every pool in parallel. A pool where no child reaches
// Ready fails the whole startup.
func (r *Registry) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range r.poolOrder {
		p := r.pools[name]
		g.Go(func() error {
			return p.Init(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	r.logger.Info("fleet started", "pools", len(r.pools), "default", r.defaultName)
	return nil
}

// RunHealthLoops drives every pool's health loop until the context ends.
func (r *Registry) RunHealthLoops(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range r.pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.RunHealthLoop(ctx)
		}(p)
	}
	wg.Wait()
}

// DefaultPool returns the pool marked is_default.
func (r *Registry) DefaultPool() *Pool {
	return r.pools[r.defaultName]
}

// Pool looks a pool up by name.
func (r *Registry) Pool(name string) (*Pool, bool) {
	p, ok := r.pools[name]
	return p, ok
}

// Resolve maps optional pool and instance selectors onto a pool and a
// lease hint. An alias without a pool resolves globally and must be unique
// across pools; a numeric instance key without a pool targets the default
// pool.
func (r *Registry) Resolve(poolName, instanceKey string) (*Pool, LeaseHint, error) {
	if poolName != "" {
		p, ok := r.pools[poolName]
		if !ok {
			return nil, AnyInstance, &ErrPoolNotFound{Name: poolName}
		}
		if instanceKey == "" {
			return p, AnyInstance, nil
		}
		return p, SpecificInstance(instanceKey), nil
	}

	if instanceKey == "" {
		return r.DefaultPool(), AnyInstance, nil
	}
	if numericKey.MatchString(instanceKey) {
		return r.DefaultPool(), SpecificInstance(instanceKey), nil
	}

	var matches []string
	for _, name := range r.poolOrder {
		if _, ok := r.pools[name].Resolve(instanceKey); ok {
			matches = append(matches, name)
		}
	}
	switch len(matches) {
	case 0:
		// Let the default pool produce its unknown-key error.
		return r.DefaultPool(), SpecificInstance(instanceKey), nil
	case 1:
		return r.pools[matches[0]], SpecificInstance(instanceKey), nil
	default:
		return nil, AnyInstance, &ErrAmbiguousAlias{Alias: instanceKey, Pools: matches}
	}
}

// Status reports every pool plus fleet-wide rollups. With a non-empty
// name, only that pool is reported (summary still covers just the
// reported pools).
func (r *Registry) Status(poolName string) (models.FleetStatus, error) {
	var names []string
	if poolName != "" {
		if _, ok := r.pools[poolName]; !ok {
			return models.FleetStatus{}, &ErrPoolNotFound{Name: poolName}
		}
		names = []string{poolName}
	} else {
		names = r.poolOrder
	}

	var fleet models.FleetStatus
	for _, name := range names {
		ps := r.pools[name].Status()
		fleet.Pools = append(fleet.Pools, ps)
		fleet.Summary.TotalPools++
		fleet.Summary.TotalInstances += ps.TotalInstances
		fleet.Summary.HealthyInstances += ps.HealthyInstances
		fleet.Summary.LeasedInstances += ps.LeasedInstances
		fleet.Summary.AvailableInstances += ps.AvailableInstances
		for _, inst := range ps.Instances {
			if inst.State == models.InstanceFailed {
				fleet.Summary.FailedInstances++
			}
		}
	}
	return fleet, nil
}

// Shutdown stops all pools in parallel.
func (r *Registry) Shutdown(grace time.Duration) {
	var wg sync.WaitGroup
	for _, p := range r.pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.Shutdown(grace)
		}(p)
	}
	wg.Wait()
	r.logger.Info("fleet stopped")
}
