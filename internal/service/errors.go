package service

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var ErrNotRoot = errors.New("root privileges are required")

// StepError is a fatal build step failure.
type StepError struct {
	Step    string
	Command string
	Code    int
	Err     error
}

func (se *StepError) Error() string {
	return fmt.Sprintf("step %s: '%s' failed with exit status %d: %v", se.Step, se.Command, se.Code, se.Err)
}

func (se *StepError) Unwrap() error {
	return se.Err
}

func (se *StepError) ExitCode() int {
	return se.Code
}

type GeometryError struct {
	Partition string
	Want      int64
	Got       int64
}

func (ge *GeometryError) Error() string {
	return fmt.Sprintf(
		"%s partition starts at sector %d, expected %d",
		ge.Partition, ge.Got, ge.Want,
	)
}

// RestoreError lists the boot artifacts that could not be put back.
type RestoreError struct {
	Failures map[string]error
}

func (re *RestoreError) Error() string {
	paths := make([]string, 0, len(re.Failures))
	for p, err := range re.Failures {
		paths = append(paths, p+": "+err.Error())
	}
	slices.Sort(paths)
	return "err restoring boot artifacts: " + strings.Join(paths, "; ")
}

type ValidationError struct {
	Message string
}

func (ve ValidationError) Error() string {
	return ve.Message
}

// ExitCode maps err to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		if code := coder.ExitCode(); code > 0 {
			return code
		}
	}
	return 1
}

// PipelineError is a build pipeline child that exited unsuccessfully.
type PipelineError struct {
	Code int
}

func (pe *PipelineError) Error() string {
	return fmt.Sprintf("build pipeline exited with status %d", pe.Code)
}

func (pe *PipelineError) ExitCode() int {
	return pe.Code
}
