package service

import (
	"fmt"
	"io"
	"os"

	"github.com/gookit/color"
	"golang.org/x/term"
)

// Console prints pipeline progress. Colour is only used on terminals so the
// run log stays plain text.
type Console struct {
	out   io.Writer
	color bool
}

func NewConsole(out io.Writer) *Console {
	c := &Console{out: out}
	if f, ok := out.(*os.File); ok {
		c.color = term.IsTerminal(int(f.Fd()))
	}
	return c
}

func (c *Console) Step(index, total int, name string) {
	line := fmt.Sprintf("==> [%d/%d] %s", index, total, name)
	if c.color {
		line = color.HEX("#89dceb").Sprint(line)
	}
	fmt.Fprintln(c.out, line)
}

func (c *Console) Command(cmd string) {
	line := "  $ " + cmd
	if c.color {
		line = color.Note.Sprint(line)
	}
	fmt.Fprintln(c.out, line)
}

func (c *Console) Warn(format string, args ...any) {
	line := "  ! " + fmt.Sprintf(format, args...)
	if c.color {
		line = color.Warn.Sprint(line)
	}
	fmt.Fprintln(c.out, line)
}

func (c *Console) Result(success bool, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if success {
		line = "PASS: " + line
	} else {
		line = "FAIL: " + line
	}
	if c.color {
		if success {
			line = color.Success.Sprint(line)
		} else {
			line = color.Danger.Sprint(line)
		}
	}
	fmt.Fprintln(c.out, line)
}
