// Package breaker isolates the engine from failing dependencies. Each named
// dependency gets its own circuit, created on first use, guarded by its own
// mutex so one tripped dependency never slows calls to another.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scan-engine/internal/events"
	"github.com/JakeFAU/scan-engine/internal/scan"
)

// State is a circuit state.
type State string

// Circuit states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Gauge maps the state to 0 closed, 1 half-open or 2 open.
func (s State) Gauge() int {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Names of the circuits the engine uses.
const (
	Browser       = "browser"
	TargetProbe   = "target-probe"
	ArtifactStore = "artifact-store"
	Notifier      = "notifier"
)

// Config controls thresholds shared by every circuit in a Registry.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	// Classify maps a call's error to its effect on the circuit. Defaults to
	// DefaultClassify.
	Classify func(error) Outcome
	// OnStateChange is called after every transition, outside the circuit lock.
	OnStateChange func(name string, from, to State)
	// TracerProvider starts a span around every Execute. Defaults to the
	// global provider.
	TracerProvider trace.TracerProvider
}

// Snapshot is a point-in-time view of one circuit.
type Snapshot struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	OpenedAt             time.Time `json:"opened_at,omitzero"`
	// TrialStartedAt is set while a HalfOpen trial call is in flight.
	TrialStartedAt time.Time `json:"trial_started_at,omitzero"`
}

// StuckFor is how long the circuit has refused callers: time since opening
// while Open, time since the trial began while HalfOpen. Zero otherwise.
func (s Snapshot) StuckFor(now time.Time) time.Duration {
	switch {
	case s.State == StateOpen:
		return now.Sub(s.OpenedAt)
	case s.State == StateHalfOpen && !s.TrialStartedAt.IsZero():
		return now.Sub(s.TrialStartedAt)
	default:
		return 0
	}
}

// Outcome is the effect of one call on its circuit.
type Outcome int

// Call outcomes.
const (
	Success Outcome = iota
	Failure
	// Ignored calls free the trial slot but leave counters and state alone.
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Ignored:
		return "ignored"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// DefaultClassify ignores caller cancellation and counts permanent errors as
// successes: a target that answers 404 is a healthy dependency.
func DefaultClassify(err error) Outcome {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, context.Canceled):
		return Ignored
	case scan.IsPermanent(err):
		return Success
	default:
		return Failure
	}
}

// Registry owns the per-dependency circuits.
type Registry struct {
	cfg      Config
	clock    scan.Clock
	events   events.Emitter
	logger   *zap.Logger
	tracer   trace.Tracer
	circuits sync.Map // name -> *circuit
}

// NewRegistry constructs a Registry. Zero thresholds fall back to 5 failures,
// 2 successes and a 30s open timeout.
func NewRegistry(cfg Config, clk scan.Clock, emitter events.Emitter, logger *zap.Logger) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.Classify == nil {
		cfg.Classify = DefaultClassify
	}
	if emitter == nil {
		emitter = events.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	return &Registry{
		cfg:    cfg,
		clock:  clk,
		events: emitter,
		logger: logger,
		tracer: cfg.TracerProvider.Tracer("github.com/JakeFAU/scan-engine/internal/breaker"),
	}
}

// Execute runs fn through the named circuit. While the circuit is Open, or
// HalfOpen with its trial call already in flight, fn is not invoked and the
// returned error wraps scan.ErrCircuitOpen.
func (r *Registry) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "breaker "+name, trace.WithAttributes(attribute.String("breaker.name", name)))
	defer span.End()

	c := r.circuit(name)
	admitted, change, ok := c.admit(r.clock.Now(), r.cfg.OpenTimeout)
	r.notify(name, change)
	if !ok {
		err := fmt.Errorf("%s: %w", name, scan.ErrCircuitOpen)
		span.SetAttributes(attribute.Bool("breaker.rejected", true))
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.Bool("breaker.trial", admitted.trial))
	err := fn(ctx)
	outcome := r.cfg.Classify(err)
	if outcome != Ignored && errors.Is(ctx.Err(), context.Canceled) {
		// The caller gave up; the error says nothing about the dependency.
		outcome = Ignored
	}
	r.notify(name, c.record(r.clock.Now(), r.cfg, admitted, outcome))
	span.SetAttributes(attribute.String("breaker.outcome", outcome.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Allow reports whether a call to name would currently be admitted. It does
// not reserve the HalfOpen trial slot.
func (r *Registry) Allow(name string) bool {
	c := r.circuit(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateOpen:
		return !r.clock.Now().Before(c.openedAt.Add(r.cfg.OpenTimeout))
	case StateHalfOpen:
		return !c.trialInFlight
	default:
		return true
	}
}

// State returns the current state of name.
func (r *Registry) State(name string) State {
	return r.Snapshot(name).State
}

// Snapshot returns the view of a single circuit.
func (r *Registry) Snapshot(name string) Snapshot {
	return r.circuit(name).snapshot()
}

// Snapshots returns every known circuit sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	var out []Snapshot
	r.circuits.Range(func(_, value any) bool {
		out = append(out, value.(*circuit).snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset forces name back to Closed with cleared counters.
func (r *Registry) Reset(name string) {
	c := r.circuit(name)
	c.mu.Lock()
	from := c.state
	c.state = StateClosed
	c.failures, c.successes = 0, 0
	c.openedAt = time.Time{}
	c.trialInFlight = false
	c.trialStartedAt = time.Time{}
	c.generation++
	c.mu.Unlock()
	if from != StateClosed {
		r.notify(name, &transition{from: from, to: StateClosed})
	}
}

func (r *Registry) circuit(name string) *circuit {
	if existing, ok := r.circuits.Load(name); ok {
		return existing.(*circuit)
	}
	actual, _ := r.circuits.LoadOrStore(name, &circuit{name: name, state: StateClosed})
	return actual.(*circuit)
}

func (r *Registry) notify(name string, change *transition) {
	if change == nil {
		return
	}
	r.logger.Info("circuit state changed",
		zap.String("breaker", name),
		zap.String("from", string(change.from)),
		zap.String("to", string(change.to)),
	)
	r.events.Emit(events.Event{
		Kind:      events.BreakerStateChanged,
		TS:        r.clock.Now(),
		Component: name,
		From:      string(change.from),
		To:        string(change.to),
	})
	if r.cfg.OnStateChange != nil {
		r.cfg.OnStateChange(name, change.from, change.to)
	}
}

type transition struct {
	from, to State
}

type circuit struct {
	mu             sync.Mutex
	name           string
	state          State
	failures       int
	successes      int
	openedAt       time.Time
	trialInFlight  bool
	trialStartedAt time.Time
	// generation changes on Reset so calls admitted earlier cannot move the
	// fresh circuit.
	generation uint64
}

// ticket identifies an admitted call.
type ticket struct {
	trial      bool
	generation uint64
}

func (c *circuit) admit(now time.Time, openTimeout time.Duration) (ticket, *transition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var change *transition
	switch c.state {
	case StateClosed:
		return ticket{generation: c.generation}, nil, true
	case StateOpen:
		if now.Before(c.openedAt.Add(openTimeout)) {
			return ticket{}, nil, false
		}
		change = c.moveTo(StateHalfOpen, now)
	}
	if c.trialInFlight {
		return ticket{}, change, false
	}
	c.trialInFlight = true
	c.trialStartedAt = now
	return ticket{trial: true, generation: c.generation}, change, true
}

func (c *circuit) record(now time.Time, cfg Config, t ticket, outcome Outcome) *transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.generation != c.generation {
		return nil
	}
	if t.trial {
		c.trialInFlight = false
		c.trialStartedAt = time.Time{}
	}
	if outcome == Ignored {
		return nil
	}
	switch c.state {
	case StateClosed:
		if outcome == Success {
			c.failures = 0
			return nil
		}
		c.failures++
		if c.failures >= cfg.FailureThreshold {
			return c.moveTo(StateOpen, now)
		}
	case StateHalfOpen:
		if !t.trial {
			return nil
		}
		if outcome == Failure {
			return c.moveTo(StateOpen, now)
		}
		c.successes++
		if c.successes >= cfg.SuccessThreshold {
			return c.moveTo(StateClosed, now)
		}
	}
	return nil
}

func (c *circuit) moveTo(to State, now time.Time) *transition {
	from := c.state
	c.state = to
	switch to {
	case StateOpen:
		c.openedAt = now
		c.successes = 0
	case StateHalfOpen:
		c.successes = 0
	case StateClosed:
		c.failures = 0
		c.successes = 0
		c.openedAt = time.Time{}
	}
	return &transition{from: from, to: to}
}

func (c *circuit) snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Name:                 c.name,
		State:                c.state,
		ConsecutiveFailures:  c.failures,
		ConsecutiveSuccesses: c.successes,
		OpenedAt:             c.openedAt,
		TrialStartedAt:       c.trialStartedAt,
	}
}
