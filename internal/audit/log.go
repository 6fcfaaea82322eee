package audit

import (
	"context"

	"github.com/signalfx/maestro-ng/internal/logging"
)

// LogSink writes audit events to the process log.
type LogSink struct{}

func (l *LogSink) Name() string { return "Log" }

func (l *LogSink) PlayStart(ctx context.Context, ev PlayEvent) error {
	_ = ctx
	logging.Get().Info().Str("action", ev.Action).Strs("targets", ev.Targets).Msg("play started")
	return nil
}

func (l *LogSink) ContainerActionStart(ctx context.Context, ev ContainerEvent) error {
	_ = ctx
	logging.Get().Info().
		Str("action", ev.Action).
		Str("service", ev.Service).
		Str("container", ev.Container).
		Str("ship", ev.Ship).
		Msg("container action started")
	return nil
}

func (l *LogSink) ContainerActionEnd(ctx context.Context, res ContainerResult) error {
	_ = ctx
	e := logging.Get().Info()
	if res.Err != nil {
		e = logging.Get().Error().Err(res.Err)
	}
	e.Str("action", res.Action).
		Str("service", res.Service).
		Str("container", res.Container).
		Str("ship", res.Ship).
		Str("result", res.Result).
		Dur("duration", res.Duration).
		Msg("container action finished")
	return nil
}

func (l *LogSink) PlayEnd(ctx context.Context, sum Summary) error {
	_ = ctx
	logging.Get().Info().
		Str("action", sum.Action).
		Int("done", sum.Done).
		Int("already", sum.Already).
		Int("failed", sum.Failed).
		Dur("duration", sum.Duration).
		Msg("play finished")
	return nil
}
