package service

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShellRunner_Run(t *testing.T) {
	t.Run("success - output and environment", func(t *testing.T) {
		// arrange
		var stdout, stderr bytes.Buffer
		runner := NewShellRunner(&stdout, &stderr)
		dir := t.TempDir()

		// act
		err := runner.Run(
			context.Background(),
			ShellCommand("echo $MAKE_OPTS; pwd; echo oops >&2", dir, []string{"MAKE_OPTS=-j3 -l3"}),
		)

		// assert
		assert.NoError(t, err)
		assert.Contains(t, stdout.String(), "-j3 -l3\n")
		assert.Contains(t, stdout.String(), dir)
		assert.Equal(t, "oops\n", stderr.String())
	})

	t.Run("failure - exit status is kept", func(t *testing.T) {
		// arrange
		var out bytes.Buffer
		runner := NewShellRunner(&out, &out)

		// act
		err := runner.Run(context.Background(), ShellCommand("exit 3", "", nil))

		// assert
		assert.Error(t, err)
		assert.Equal(t, 3, ExitCode(err))
	})
}

func TestCommand_String(t *testing.T) {
	assert.Equal(t, "make -j3", ShellCommand("make -j3", "/", nil).String())
	assert.Equal(
		t,
		"mount -o offset=4194304 -t vfat a.img live/boot",
		Command{Name: "mount", Args: []string{"-o", "offset=4194304", "-t", "vfat", "a.img", "live/boot"}}.String(),
	)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 7, ExitCode(&StepError{Step: "mesa", Code: 7}))
	assert.Equal(t, 1, ExitCode(ErrNotRoot))
}
