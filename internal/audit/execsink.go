package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// runCommandHook allows tests to intercept command execution.
var runCommandHook = func(cmd *exec.Cmd) error { return cmd.Run() }

// ExecSink runs an external command for every audit event. The event is
// passed JSON-encoded in MAESTRO_AUDIT_JSON and summarized in further
// MAESTRO_AUDIT_* environment variables, so simple shell hooks don't need a
// JSON parser.
type ExecSink struct {
	Command []string
	// Timeout bounds each invocation; zero means 30 seconds.
	Timeout time.Duration
}

func (e *ExecSink) Name() string { return "Exec" }

func (e *ExecSink) run(ctx context.Context, event string, payload interface{}, env []string) error {
	if len(e.Command) == 0 {
		return fmt.Errorf("exec audit sink has no command")
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), append(env, "MAESTRO_AUDIT_EVENT="+event, "MAESTRO_AUDIT_JSON="+string(b))...)
	return runCommandHook(cmd)
}

func (e *ExecSink) PlayStart(ctx context.Context, ev PlayEvent) error {
	return e.run(ctx, "play-start", ev, []string{"MAESTRO_AUDIT_ACTION=" + ev.Action})
}

func (e *ExecSink) ContainerActionStart(ctx context.Context, ev ContainerEvent) error {
	return e.run(ctx, "container-action-start", ev, []string{
		"MAESTRO_AUDIT_ACTION=" + ev.Action,
		"MAESTRO_AUDIT_CONTAINER=" + ev.Service + "." + ev.Container,
	})
}

func (e *ExecSink) ContainerActionEnd(ctx context.Context, res ContainerResult) error {
	env := []string{
		"MAESTRO_AUDIT_ACTION=" + res.Action,
		"MAESTRO_AUDIT_CONTAINER=" + res.Service + "." + res.Container,
		"MAESTRO_AUDIT_RESULT=" + res.Result,
	}
	if res.Err != nil {
		env = append(env, "MAESTRO_AUDIT_ERROR="+res.Err.Error())
	}
	return e.run(ctx, "container-action-end", map[string]interface{}{
		"action": res.Action, "service": res.Service, "container": res.Container,
		"ship": res.Ship, "result": res.Result,
	}, env)
}

func (e *ExecSink) PlayEnd(ctx context.Context, sum Summary) error {
	return e.run(ctx, "play-end", sum, []string{
		"MAESTRO_AUDIT_ACTION=" + sum.Action,
		"MAESTRO_AUDIT_SUMMARY=" + sum.String(),
	})
}
