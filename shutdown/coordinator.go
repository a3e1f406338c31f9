package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/logging"
)

// DefaultTimeout bounds a shutdown started by a signal.
const DefaultTimeout = 30 * time.Second

// Coordinator runs registered steps once, phase by phase.
type Coordinator struct {
	timeout     time.Duration
	stopOnError bool
	logger      *logging.Logger

	mu    sync.Mutex
	steps []registration

	once   sync.Once
	done   chan struct{}
	report *Report
}

type registration struct {
	name  string
	phase Phase
	step  Step
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the deadline used by Run.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger steps are reported to.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l.WithComponent("shutdown")
		}
	}
}

// WithStopOnError skips later phases once a step fails.
func WithStopOnError() Option {
	return func(c *Coordinator) { c.stopOnError = true }
}

// New creates a coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout: DefaultTimeout,
		logger:  logging.Nop(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add registers a step. Steps added after shutdown began are ignored.
func (c *Coordinator) Add(name string, phase Phase, step Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, registration{name: name, phase: phase, step: step})
}

// AddFunc registers fn as a step.
func (c *Coordinator) AddFunc(name string, phase Phase, fn func(ctx context.Context) error) {
	c.Add(name, phase, StepFunc(fn))
}

// Shutdown runs every step. Only the first call does work; later calls
// block until it finishes and return its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.report = c.run(ctx)
		close(c.done)
	})
	return c.report.Err
}

// Run blocks until ctx ends or SIGINT/SIGTERM arrives, then shuts down
// within the configured timeout.
func (c *Coordinator) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		c.logger.Info("shutdown requested", map[string]interface{}{"cause": context.Cause(sigCtx).Error()})
	case <-c.done:
		return c.report.Err
	}

	sctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.Shutdown(sctx)
}

// Done is closed once shutdown completes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Report returns the shutdown report, or nil before Done is closed.
func (c *Coordinator) Report() *Report {
	select {
	case <-c.done:
		return c.report
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) *Report {
	start := time.Now()
	c.mu.Lock()
	steps := append([]registration(nil), c.steps...)
	c.mu.Unlock()
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].phase < steps[j].phase })

	report := &Report{Steps: make([]StepResult, 0, len(steps))}
	var errs []error
	for _, group := range byPhase(steps) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, buserr.Timeout("shutdown deadline passed before phase", buserr.WithCause(err)))
			break
		}
		results := c.runPhase(ctx, group)
		report.Steps = append(report.Steps, results...)

		failed := false
		for _, r := range results {
			if r.Err != nil {
				failed = true
				errs = append(errs, buserr.Wrap(r.Err, "shutdown step "+r.Name))
			}
		}
		if failed && c.stopOnError {
			break
		}
	}
	report.Err = buserr.Join(errs...)
	report.Duration = time.Since(start)

	fields := map[string]interface{}{"duration": report.Duration.String(), "steps": len(report.Steps)}
	if report.Err != nil {
		fields["failed"] = report.Failed()
		c.logger.Warn("shutdown finished with errors", fields)
	} else {
		c.logger.Info("shutdown finished", fields)
	}
	return report
}

// runPhase runs one phase's steps concurrently and waits for all of them.
func (c *Coordinator) runPhase(ctx context.Context, group []registration) []StepResult {
	results := make([]StepResult, len(group))
	var g errgroup.Group
	for i, reg := range group {
		g.Go(func() (err error) {
			start := time.Now()
			defer func() {
				if r := recover(); r != nil {
					err = buserr.RecoverPanic(r)
				}
				results[i] = StepResult{Name: reg.name, Phase: reg.phase, Duration: time.Since(start), Err: err}
				c.logger.Debug("shutdown step done", map[string]interface{}{
					"step":     reg.name,
					"phase":    int(reg.phase),
					"duration": results[i].Duration.String(),
				})
			}()
			return reg.step.Shutdown(ctx)
		})
	}
	_ = g.Wait()
	return results
}

// byPhase splits sorted registrations into runs of equal phase.
func byPhase(steps []registration) [][]registration {
	var groups [][]registration
	for i := 0; i < len(steps); {
		j := i
		for j < len(steps) && steps[j].phase == steps[i].phase {
			j++
		}
		groups = append(groups, steps[i:j])
		i = j
	}
	return groups
}
