// Package shutdown tears a process down in ordered phases.
//
// busd registers one step per component: the HTTP listeners stop
// accepting first, then local attachments disconnect, then the hub closes
// the remaining links, and telemetry flushes last. Steps sharing a phase run
// concurrently; phases run in ascending order.
package shutdown

import (
	"context"
	"time"
)

// Phase orders shutdown steps. Lower phases run first.
type Phase int

// Phases used by busd.
const (
	PhaseListeners   Phase = 10
	PhaseAttachments Phase = 20
	PhaseLinks       Phase = 30
	PhaseTelemetry   Phase = 40
)

// Step is implemented by components that release resources on shutdown.
// The context expires when the shutdown deadline passes.
type Step interface {
	Shutdown(ctx context.Context) error
}

// StepFunc adapts a function to Step.
type StepFunc func(ctx context.Context) error

// Shutdown implements Step.
func (f StepFunc) Shutdown(ctx context.Context) error {
	return f(ctx)
}

// StepResult records how one step went.
type StepResult struct {
	Name     string
	Phase    Phase
	Duration time.Duration
	Err      error
}

// Report is the outcome of a shutdown.
type Report struct {
	Duration time.Duration
	Steps    []StepResult
	Err      error
}

// Failed returns the names of steps that returned an error.
func (r *Report) Failed() []string {
	var names []string
	for _, s := range r.Steps {
		if s.Err != nil {
			names = append(names, s.Name)
		}
	}
	return names
}
