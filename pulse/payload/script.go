package payload

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/chronos/errors"
	"github.com/teranos/chronos/logger"
	"github.com/teranos/chronos/pulse/jobs"
)

const scriptWaitDelay = 5 * time.Second

// DefaultShell runs script code as the argument of -c.
const DefaultShell = "/bin/sh -c"

// ScriptErrorMessage is the run error recorded when a script exits non-zero.
func ScriptErrorMessage(jobName, stderr string) string {
	return fmt.Sprintf("script %s failed: %s", jobName, stderr)
}

// ScriptHandler runs script jobs through a shell.
type ScriptHandler struct {
	shell  []string
	dir    string
	logger *zap.SugaredLogger
}

// NewScriptHandler parses shell ("/bin/bash -eu -c") into an argv prefix.
// The job code is appended as the final argument.
func NewScriptHandler(shell, dir string, log *zap.SugaredLogger) (*ScriptHandler, error) {
	if strings.TrimSpace(shell) == "" {
		shell = DefaultShell
	}
	argv, err := shellquote.Split(shell)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid script shell %q", shell)
	}
	if len(argv) == 0 {
		return nil, errors.NewInvalidRequestError("empty script shell")
	}
	return &ScriptHandler{shell: argv, dir: dir, logger: log.Named("script")}, nil
}

// Type implements Handler.
func (h *ScriptHandler) Type() jobs.Type {
	return jobs.TypeScript
}

// Run executes the job's code with date tokens replaced. Stderr becomes
// the error message when the script fails.
func (h *ScriptHandler) Run(ctx context.Context, spec *jobs.Spec, scheduledTime time.Time) error {
	code := ReplaceDateTokens(spec.Code, scheduledTime)
	args := append(append([]string(nil), h.shell[1:]...), code)

	cmd := exec.CommandContext(ctx, h.shell[0], args...)
	cmd.Dir = h.dir
	cmd.Env = append(os.Environ(),
		"CHRONOS_JOB_ID="+fmt.Sprint(spec.ID),
		"CHRONOS_JOB_NAME="+spec.Name,
		"CHRONOS_SCHEDULED_TIME="+scheduledTime.UTC().Format(time.RFC3339),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// grandchildren holding the output pipes must not outlive a cancel
	cmd.WaitDelay = scriptWaitDelay

	log := logger.LoggerFromContext(ctx, h.logger)
	log.Debugw("Running script", logger.FieldJobName, spec.Name)

	err := cmd.Run()
	if stdout.Len() > 0 {
		log.Debugw("Script output", logger.FieldJobName, spec.Name, "stdout", stdout.String())
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, ok := err.(*exec.ExitError); !ok {
			return errors.Wrapf(err, "failed to start script %s", spec.Name)
		}
		return errors.New(ScriptErrorMessage(spec.Name, stderr.String()))
	}
	return nil
}
