package service

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
)

type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// ShellCommand runs script through sh -c in dir.
func ShellCommand(script, dir string, env []string) Command {
	return Command{Name: "sh", Args: []string{"-c", script}, Dir: dir, Env: env}
}

func (c Command) String() string {
	if c.Name == "sh" && len(c.Args) == 2 && c.Args[0] == "-c" {
		return c.Args[1]
	}
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

type CommandRunner interface {
	Run(ctx context.Context, c Command) error
}

// ShellRunner runs commands as child processes sharing the caller's
// environment, extended by the command's own.
type ShellRunner struct {
	stdout, stderr io.Writer
}

func NewShellRunner(stdout, stderr io.Writer) *ShellRunner {
	return &ShellRunner{stdout: stdout, stderr: stderr}
}

func (r *ShellRunner) Run(ctx context.Context, c Command) error {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr
	return cmd.Run()
}
