// Package progress defines the observer the scheduler notifies as each
// container task moves from pending through its stages to a terminal
// result. Terminal rendering lives outside the core; this package ships a
// plain structured-log reporter sufficient to drive the CLI.
package progress

import (
	"github.com/rs/zerolog"

	"github.com/signalfx/maestro-ng/internal/logging"
)

// Reporter receives per-container task updates. Implementations must be
// safe for concurrent notification; tasks in one layer report in any
// interleaving. For a single container the sequence is totally ordered:
// Pending, then any number of Stage calls, then exactly one Terminal.
type Reporter interface {
	// Pending marks the task as queued behind its dependencies.
	Pending(container string)
	// Stage reports an intermediate step of the in-flight task
	// ("pulling image", "starting", "waiting for lifecycle").
	Stage(container, stage string)
	// Terminal records the task's final result: "done", "already" or
	// "failed", with err non-nil only for failures.
	Terminal(container, result string, err error)
}

// Nop discards all updates.
type Nop struct{}

func (Nop) Pending(string)                 {}
func (Nop) Stage(string, string)           {}
func (Nop) Terminal(string, string, error) {}

// LogReporter writes task updates to the process log.
type LogReporter struct{}

func (LogReporter) Pending(container string) {
	logging.Get().Debug().Str("container", container).Msg("task pending")
}

func (LogReporter) Stage(container, stage string) {
	logging.Get().Info().Str("container", container).Str("stage", stage).Msg("task progress")
}

func (LogReporter) Terminal(container, result string, err error) {
	var e *zerolog.Event
	if err != nil {
		e = logging.Get().Error().Err(err)
	} else {
		e = logging.Get().Info()
	}
	e.Str("container", container).Str("result", result).Msg("task finished")
}
