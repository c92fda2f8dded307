package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/sift/pkg/events"
	"github.com/openfroyo/sift/pkg/plugin"
	"github.com/openfroyo/sift/pkg/telemetry"
)

// State is the engine lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(e *Engine) { e.logger = logger.NewComponentLogger("engine") }
}

// WithBus sets the event bus. By default each engine owns a fresh bus.
func WithBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithIDGenerator overrides how correlation ids are generated.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// registeredDomain holds a domain and the last cursor its provider returned.
type registeredDomain struct {
	mu     sync.Mutex
	domain plugin.Domain
	cursor string
}

func (r *registeredDomain) current() plugin.Domain {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.domain
}

func (r *registeredDomain) replace(d plugin.Domain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domain = d
}

func (r *registeredDomain) lastCursor() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

func (r *registeredDomain) setCursor(c string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = c
}

// Engine polls registered domains and runs each fetched entity through
// classification, resolution and action dispatch.
type Engine struct {
	cfg     Config
	logger  *telemetry.Logger
	bus     *events.Bus
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	newID   func() string

	// mu guards the domain registry. Poll cycles iterate a snapshot.
	mu      sync.RWMutex
	domains map[string]*registeredDomain
	order   []string

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	// stateMu guards the lifecycle fields below.
	stateMu sync.Mutex
	state   State
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stopped engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, NewLifecycleError("invalid engine configuration", err).WithCode(ErrCodeValidation)
	}

	e := &Engine{
		cfg:     cfg,
		domains: make(map[string]*registeredDomain),
		state:   StateStopped,
		newID:   func() string { return uuid.New().String() },
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = telemetry.Nop()
	}
	if e.bus == nil {
		e.bus = events.NewBus(e.logger.Zerolog())
	}
	if e.metrics == nil {
		e.metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	}
	if e.tracer == nil {
		e.tracer = telemetry.NoopTracer()
	}

	return e, nil
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// RegisterDomain adds a domain. Duplicate ids are rejected. When the engine is
// running the domain's provider is initialized before the domain becomes visible
// to the poll loop.
func (e *Engine) RegisterDomain(ctx context.Context, d plugin.Domain) error {
	if err := d.Validate(); err != nil {
		return err
	}

	e.mu.RLock()
	_, exists := e.domains[d.ID]
	e.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrDomainExists, d.ID)
	}

	if e.State() == StateRunning {
		if err := initializeProvider(ctx, d.Provider); err != nil {
			return NewLifecycleError("provider initialization failed", err).
				WithDomain(d.ID).
				WithCode(ErrCodeProviderInitFailed)
		}
	}

	e.mu.Lock()
	if _, exists := e.domains[d.ID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDomainExists, d.ID)
	}
	e.domains[d.ID] = &registeredDomain{domain: d}
	e.order = append(e.order, d.ID)
	count := len(e.order)
	e.mu.Unlock()

	e.metrics.SetRegisteredDomains(count)
	e.logger.WithDomain(d.ID).
		WithFields(map[string]any{
			"classifiers": len(d.Classifiers),
			"actions":     len(d.Actions),
		}).
		Info("Domain registered")
	e.emit(events.Event{
		Type:   events.TypeDomainRegistered,
		Domain: d.ID,
		Data:   map[string]any{"name": d.Name},
	})

	return nil
}

// UnregisterDomain removes a domain. When the engine is running the domain's
// provider is shut down; shutdown errors are logged.
func (e *Engine) UnregisterDomain(ctx context.Context, id string) error {
	e.mu.Lock()
	rd, ok := e.domains[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDomainNotFound, id)
	}
	delete(e.domains, id)
	for i, d := range e.order {
		if d == id {
			e.order = append(e.order[:i:i], e.order[i+1:]...)
			break
		}
	}
	count := len(e.order)
	e.mu.Unlock()

	if e.State() == StateRunning {
		e.shutdownProvider(ctx, rd.current())
	}

	e.metrics.SetRegisteredDomains(count)
	e.logger.WithDomain(id).Info("Domain unregistered")
	e.emit(events.Event{Type: events.TypeDomainUnregistered, Domain: id})

	return nil
}

// ReplaceDomain swaps the name, classifiers, actions and config of a
// registered domain in place. The registered provider, its lifecycle and the
// domain's cursor are kept; d.Provider is ignored. A poll cycle already in
// progress finishes with the plugins it started with.
func (e *Engine) ReplaceDomain(d plugin.Domain) error {
	e.mu.RLock()
	rd, ok := e.domains[d.ID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDomainNotFound, d.ID)
	}

	d.Provider = rd.current().Provider
	if err := d.Validate(); err != nil {
		return err
	}
	rd.replace(d)

	e.logger.WithDomain(d.ID).
		WithFields(map[string]any{
			"classifiers": len(d.Classifiers),
			"actions":     len(d.Actions),
		}).
		Info("Domain plugins replaced")
	e.emit(events.Event{
		Type:   events.TypeDomainUpdated,
		Domain: d.ID,
		Data:   map[string]any{"name": d.Name},
	})

	return nil
}

// Domains returns the registered domain ids in registration order.
func (e *Engine) Domains() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.order...)
}

// Domain returns a registered domain by id.
func (e *Engine) Domain(id string) (plugin.Domain, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rd, ok := e.domains[id]
	if !ok {
		return plugin.Domain{}, false
	}
	return rd.current(), true
}

// snapshot returns the registered domains in registration order.
func (e *Engine) snapshot() []*registeredDomain {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*registeredDomain, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.domains[id])
	}
	return out
}

// Start initializes every provider, runs one poll cycle and schedules the rest.
//
// Start on a running engine logs a warning and returns nil. If any provider fails
// to initialize, the providers initialized so far are shut down, the engine is
// left stopped and the error is returned.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.stateMu.Lock()
	switch e.state {
	case StateRunning:
		e.stateMu.Unlock()
		e.logger.Warn("Engine already running")
		return nil
	case StateStopped:
	default:
		state := e.state
		e.stateMu.Unlock()
		return NewLifecycleError(fmt.Sprintf("cannot start engine while %s", state), nil).
			WithCode(ErrCodeInvalidState)
	}
	e.state = StateStarting
	e.stateMu.Unlock()

	e.logger.Info("Engine starting")
	e.emit(events.Event{Type: events.TypeEngineStarting})

	domains := e.snapshot()
	for i, rd := range domains {
		d := rd.current()
		if err := initializeProvider(ctx, d.Provider); err != nil {
			for _, done := range domains[:i] {
				e.shutdownProvider(ctx, done.current())
			}

			e.setState(StateStopped)

			lerr := NewLifecycleError("provider initialization failed", err).
				WithDomain(d.ID).
				WithOperation("initialize").
				WithCode(ErrCodeProviderInitFailed)
			e.logger.WithDomain(d.ID).WithError(err).Error("Engine start aborted")
			e.emit(events.Event{
				Type:   events.TypeEngineError,
				Domain: d.ID,
				Data:   map[string]any{"operation": "initialize", "error": err.Error()},
			})
			return lerr
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	e.stateMu.Lock()
	e.state = StateRunning
	e.cancel = cancel
	e.done = done
	e.stateMu.Unlock()

	// In-flight cycles must not observe Stop's cancellation.
	e.PollOnce(context.WithoutCancel(loopCtx))

	go e.loop(loopCtx, done)

	e.logger.WithFields(map[string]any{
		"poll_interval": e.cfg.PollInterval.String(),
		"batch_size":    e.cfg.BatchSize,
		"domains":       len(domains),
	}).Info("Engine started")
	e.emit(events.Event{Type: events.TypeEngineStarted})

	return nil
}

// Stop cancels the recurring poll, waits for an in-flight cycle to finish and
// shuts down every provider. Stop on a stopped engine is a no-op. Stop called
// while Start is still running its first cycle waits for Start to return.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.stateMu.Lock()
	if e.state != StateRunning {
		state := e.state
		e.stateMu.Unlock()
		if state != StateStopped {
			e.logger.Warnf("Engine stop ignored while %s", state)
		}
		return nil
	}
	e.state = StateStopping
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.stateMu.Unlock()

	e.logger.Info("Engine stopping")
	e.emit(events.Event{Type: events.TypeEngineStopping})

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("Timed out waiting for in-flight poll cycle")
	}

	for _, rd := range e.snapshot() {
		e.shutdownProvider(ctx, rd.current())
	}

	e.setState(StateStopped)
	e.logger.Info("Engine stopped")
	e.emit(events.Event{Type: events.TypeEngineStopped})

	return nil
}

// HealthCheck reports provider health per domain. Providers that do not
// implement plugin.HealthChecker are reported healthy.
func (e *Engine) HealthCheck(ctx context.Context) map[string]bool {
	out := make(map[string]bool)
	for _, rd := range e.snapshot() {
		d := rd.current()
		hc, ok := d.Provider.(plugin.HealthChecker)
		if !ok {
			out[d.ID] = true
			continue
		}
		out[d.ID] = safeHealthy(ctx, hc)
	}
	return out
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.PollOnce(context.WithoutCancel(ctx))
		}
	}
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.state = s
}

func (e *Engine) emit(ev events.Event) {
	e.bus.Emit(ev)
}

func (e *Engine) shutdownProvider(ctx context.Context, d plugin.Domain) {
	s, ok := d.Provider.(plugin.Shutdowner)
	if !ok {
		return
	}
	if err := safeCall(func() error { return s.Shutdown(ctx) }); err != nil {
		e.logger.WithDomain(d.ID).WithError(err).Warn("Provider shutdown failed")
	}
}

func initializeProvider(ctx context.Context, p plugin.Provider) error {
	in, ok := p.(plugin.Initializer)
	if !ok {
		return nil
	}
	return safeCall(func() error { return in.Initialize(ctx) })
}

func safeHealthy(ctx context.Context, hc plugin.HealthChecker) (healthy bool) {
	defer func() {
		if r := recover(); r != nil {
			healthy = false
		}
	}()
	return hc.IsHealthy(ctx)
}

// safeCall runs fn and converts a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
