package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process is a running local engine.
type Process interface {
	// Wait blocks until the process exits.
	Wait() error
	Kill() error
	Pid() int
}

type Launcher interface {
	Launch(ctx context.Context, dir string, command []string) (Process, error)
}

// ExecLauncher starts the engine with os/exec. Output is copied to Output
// when set.
type ExecLauncher struct {
	Output io.Writer
}

// uv must not rewrite the lockfile or pick up user config.
var launchEnv = []string{"UV_FROZEN=1", "UV_NO_CONFIG=1", "PYTHONUNBUFFERED=1"}

func (l ExecLauncher) Launch(ctx context.Context, dir string, command []string) (Process, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty engine command")
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), launchEnv...)
	if l.Output != nil {
		cmd.Stdout = l.Output
		cmd.Stderr = l.Output
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}
	return execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p execProcess) Wait() error { return p.cmd.Wait() }

func (p execProcess) Kill() error { return p.cmd.Process.Kill() }

func (p execProcess) Pid() int { return p.cmd.Process.Pid }
