package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/InsulaLabs/pwmcp/config"
	"github.com/InsulaLabs/pwmcp/internal/leaseq"
	"github.com/InsulaLabs/pwmcp/models"
)

// ErrShuttingDown rejects lease requests once pool shutdown has begun.
var ErrShuttingDown = errors.New("pool shutting down")

// ErrPoolExhausted is returned when a lease wait exceeds the pool's
// configured ceiling.
type ErrPoolExhausted struct {
	Pool   string
	Waited time.Duration
}

func (e *ErrPoolExhausted) Error() string {
	return fmt.Sprintf("pool %s: no instance became available within %s", e.Pool, e.Waited)
}

// Runner is the slice of the child supervisor the pool drives. Satisfied
// by *child.Supervisor.
type Runner interface {
	ID() int
	Alias() string
	Start(ctx context.Context) error
	Stop(grace time.Duration)
	CallTool(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (json.RawMessage, error)
	Probe(ctx context.Context) error
	State() models.InstanceState
	MarkFailed(reason string)
	// Gone is closed when the child is permanently dead (process exit,
	// stdout close, explicit failure).
	Gone() <-chan struct{}
	PID() int
	Config() config.Browser
}

// LeaseHint selects either any idle instance or a specific one by key.
type LeaseHint struct {
	Specific bool
	Key      string
}

// AnyInstance is the hint for FIFO selection.
var AnyInstance = LeaseHint{}

// SpecificInstance targets a numeric id or alias.
func SpecificInstance(key string) LeaseHint {
	return LeaseHint{Specific: true, Key: key}
}

type healthRecord struct {
	lastCheck  time.Time
	responsive bool
	failures   int
	lastErr    string
}

// Pool owns N child runners and the lease queue scheduling them. Children
// are spawned eagerly at Init and never replaced; a failed child is removed
// from rotation for the life of the process.
type Pool struct {
	logger *slog.Logger
	cfg    config.Pool
	proxy  *config.Proxy

	children []Runner
	queue    *leaseq.Queue[Runner]

	mu       sync.Mutex
	leases   map[int]time.Time
	health   map[int]*healthRecord
	shutdown bool
}

func New(logger *slog.Logger, cfg config.Pool, proxy *config.Proxy, children []Runner) *Pool {
	return &Pool{
		logger:   logger.With("component", "pool", "pool", cfg.Name),
		cfg:      cfg,
		proxy:    proxy,
		children: children,
		queue:    leaseq.New[Runner](),
		leases:   make(map[int]time.Time),
		health:   make(map[int]*healthRecord),
	}
}

func (p *Pool) Name() string        { return p.cfg.Name }
func (p *Pool) Description() string { return p.cfg.Description }
func (p *Pool) IsDefault() bool     { return p.cfg.IsDefault }

// Init starts every child in parallel and enqueues the ones that reach
// Ready. Children that fail to start stay in the roster as Failed and are
// never enqueued. Init fails only when no child at all became ready.
func (p *Pool) Init(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, c := range p.children {
		wg.Add(1)
		go func(c Runner) {
			defer wg.Done()
			if err := c.Start(ctx); err != nil {
				p.logger.Error("instance failed to start", "instance", c.ID(), "error", err)
				return
			}
			keys := []string{strconv.Itoa(c.ID())}
			if c.Alias() != "" {
				keys = append(keys, c.Alias())
			}
			p.queue.Register(c, keys...)
			go p.watchGone(ctx, c)
			p.logger.Info("instance ready", "instance", c.ID(), "alias", c.Alias(), "pid", c.PID())
		}(c)
	}
	wg.Wait()

	if p.queue.IdleCount() == 0 {
		return fmt.Errorf("pool %s: no instance reached ready", p.cfg.Name)
	}
	return nil
}

// Lease acquires a child per the hint and returns it with a release
// callback. The callback is safe to call exactly once on every exit path;
// extra calls are no-ops. A child observed Failed or Stopped at release
// time is dropped from rotation instead of re-enqueued.
func (p *Pool) Lease(ctx context.Context, hint LeaseHint) (Runner, func(), error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, nil, ErrShuttingDown
	}
	p.mu.Unlock()

	waitStart := time.Now()
	leaseCtx := ctx
	if p.cfg.LeaseTimeout > 0 {
		var cancel context.CancelFunc
		leaseCtx, cancel = context.WithTimeout(ctx, p.cfg.LeaseTimeout)
		defer cancel()
	}

	var handle Runner
	for {
		var err error
		if hint.Specific {
			handle, err = p.queue.LeaseSpecific(leaseCtx, hint.Key)
		} else {
			handle, err = p.queue.LeaseAny(leaseCtx)
		}
		if err != nil {
			// Only the internal ceiling reports exhaustion; the caller's
			// own cancellation or deadline passes through untouched.
			if errors.Is(err, context.DeadlineExceeded) && p.cfg.LeaseTimeout > 0 && ctx.Err() == nil {
				return nil, nil, &ErrPoolExhausted{Pool: p.cfg.Name, Waited: time.Since(waitStart)}
			}
			if errors.Is(err, leaseq.ErrQueueClosed) {
				return nil, nil, ErrShuttingDown
			}
			return nil, nil, err
		}

		// A child can die while idle on the queue; the Gone watcher races
		// this grant. Never hand out a dead handle.
		state := handle.State()
		if state == models.InstanceFailed || state == models.InstanceStopped {
			p.queue.Remove(handle)
			p.logger.Warn("instance dropped at lease", "instance", handle.ID(), "state", string(state))
			if hint.Specific {
				return nil, nil, leaseq.ErrHandleRemoved
			}
			continue
		}
		break
	}

	p.mu.Lock()
	p.leases[handle.ID()] = time.Now()
	p.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.leases, handle.ID())
			p.mu.Unlock()

			switch handle.State() {
			case models.InstanceFailed, models.InstanceStopped:
				p.queue.Remove(handle)
				p.logger.Warn("instance dropped at release", "instance", handle.ID(), "state", string(handle.State()))
			default:
				p.queue.Release(handle)
			}
		})
	}
	return handle, release, nil
}

// watchGone drops a child from rotation the moment its process dies,
// rather than waiting for a failed probe or a post-lease release.
func (p *Pool) watchGone(ctx context.Context, c Runner) {
	select {
	case <-ctx.Done():
	case <-c.Gone():
		p.mu.Lock()
		down := p.shutdown
		p.mu.Unlock()
		if down {
			return
		}
		p.queue.Remove(c)
		p.logger.Warn("instance gone, removed from rotation", "instance", c.ID(), "state", string(c.State()))
	}
}

// RunHealthLoop probes every non-terminal child on a fixed cadence until
// the context ends. Probes bypass the lease queue entirely; a busy child
// answers pings on the same stdio as its in-flight call.
func (p *Pool) RunHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(p.proxy.HealthInterval)
	defer ticker.Stop()
	p.logger.Info("health loop started", "interval", p.proxy.HealthInterval.String())
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("health loop stopped")
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Pool) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range p.children {
		state := c.State()
		if state == models.InstanceFailed || state == models.InstanceStopped {
			continue
		}
		wg.Add(1)
		go func(c Runner) {
			defer wg.Done()
			err := c.Probe(ctx)
			p.recordProbe(c, err)
		}(c)
	}
	wg.Wait()
}

func (p *Pool) recordProbe(c Runner, probeErr error) {
	p.mu.Lock()
	rec, ok := p.health[c.ID()]
	if !ok {
		rec = &healthRecord{}
		p.health[c.ID()] = rec
	}
	rec.lastCheck = time.Now()
	if probeErr == nil {
		rec.responsive = true
		rec.failures = 0
		rec.lastErr = ""
		p.mu.Unlock()
		return
	}
	rec.responsive = false
	rec.failures++
	rec.lastErr = probeErr.Error()
	failures := rec.failures
	p.mu.Unlock()

	p.logger.Warn("health probe failed",
		"instance", c.ID(),
		"consecutive", failures,
		"error", probeErr,
	)
	if failures >= p.proxy.HealthFailures {
		p.logger.Error("instance failed sustained health checks, removing from rotation",
			"instance", c.ID(),
			"consecutive", failures,
		)
		c.MarkFailed(fmt.Sprintf("%d consecutive failed health probes", failures))
		p.queue.Remove(c)
	}
}

// Status snapshots every child.
func (p *Pool) Status() models.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := models.PoolStatus{
		Name:           p.cfg.Name,
		Description:    p.cfg.Description,
		IsDefault:      p.cfg.IsDefault,
		TotalInstances: len(p.children),
	}
	now := time.Now()
	for _, c := range p.children {
		state := c.State()
		inst := models.InstanceStatus{
			ID:    c.ID(),
			Alias: c.Alias(),
			State: state,
			PID:   c.PID(),
		}
		if cfg := c.Config(); cfg.Browser != nil {
			inst.Browser = *cfg.Browser
		}
		if cfg := c.Config(); cfg.Headless != nil {
			inst.Headless = *cfg.Headless
		}
		if startedAt, leased := p.leases[c.ID()]; leased {
			t := startedAt
			inst.Leased = true
			inst.LeaseStartedAt = &t
			inst.LeaseDuration = now.Sub(startedAt).Milliseconds()
			inst.State = models.InstanceLeased
		}
		if rec, ok := p.health[c.ID()]; ok {
			t := rec.lastCheck
			inst.Health = models.HealthStatus{
				LastCheck:  &t,
				Responsive: rec.responsive,
				Error:      rec.lastErr,
			}
		}
		switch state {
		case models.InstanceReady, models.InstanceLeased:
			status.HealthyInstances++
		}
		if inst.Leased {
			status.LeasedInstances++
		}
		status.Instances = append(status.Instances, inst)
	}
	status.AvailableInstances = status.HealthyInstances - status.LeasedInstances
	return status
}

// Shutdown drains the queue, rejects future leases, and stops all children
// in parallel.
func (p *Pool) Shutdown(grace time.Duration) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	p.mu.Unlock()

	p.queue.Close()

	var wg sync.WaitGroup
	for _, c := range p.children {
		if c.State() == models.InstanceStopped {
			continue
		}
		wg.Add(1)
		go func(c Runner) {
			defer wg.Done()
			c.Stop(grace)
		}(c)
	}
	wg.Wait()
	p.logger.Info("pool stopped")
}

// Resolve reports whether a key addresses one of this pool's children.
func (p *Pool) Resolve(key string) (Runner, bool) {
	return p.queue.Lookup(key)
}
