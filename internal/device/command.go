package device

import (
	"strings"
)

// Command is a device shell command built from explicit argument vectors.
// It renders to a POSIX shell string only at the transport boundary, so
// nothing a caller passes as an argument is ever interpreted by the shell.
type Command struct {
	stages   [][]string
	redirect string
	quiet    bool
	tolerant bool
	detach   bool
}

// Cmd starts a command with a single pipeline stage.
func Cmd(name string, args ...string) Command {
	argv := append([]string{name}, args...)
	return Command{stages: [][]string{argv}}
}

// Pipe appends a pipeline stage fed by the previous one.
func (c Command) Pipe(name string, args ...string) Command {
	argv := append([]string{name}, args...)
	stages := make([][]string, 0, len(c.stages)+1)
	stages = append(stages, c.stages...)
	c.stages = append(stages, argv)
	return c
}

// WriteTo redirects the final stdout to path.
func (c Command) WriteTo(path string) Command {
	c.redirect = path
	return c
}

// Quiet discards stderr.
func (c Command) Quiet() Command {
	c.quiet = true
	return c
}

// Tolerant forces a zero exit status.
func (c Command) Tolerant() Command {
	c.tolerant = true
	return c
}

// Detach runs the first stage in the background, detached from the shell
// session that started it.
func (c Command) Detach() Command {
	c.detach = true
	return c
}

// Argv returns the first stage's argument vector.
func (c Command) Argv() []string {
	if len(c.stages) == 0 {
		return nil
	}
	return append([]string(nil), c.stages[0]...)
}

// Stages returns a copy of all pipeline stages.
func (c Command) Stages() [][]string {
	out := make([][]string, len(c.stages))
	for i, s := range c.stages {
		out[i] = append([]string(nil), s...)
	}
	return out
}

func (c Command) Redirect() string { return c.redirect }
func (c Command) Detached() bool   { return c.detach }
func (c Command) IsTolerant() bool { return c.tolerant }

// String renders the command for a POSIX shell.
func (c Command) String() string {
	if len(c.stages) == 0 {
		return "true"
	}
	if c.detach {
		return "nohup " + joinQuoted(c.stages[0]) + " >/dev/null 2>&1 &"
	}

	parts := make([]string, 0, len(c.stages))
	for _, stage := range c.stages {
		parts = append(parts, joinQuoted(stage))
	}
	var b strings.Builder
	b.WriteString(strings.Join(parts, " | "))
	if c.redirect != "" {
		b.WriteString(" > ")
		b.WriteString(Quote(c.redirect))
	}
	if c.quiet {
		b.WriteString(" 2>/dev/null")
	}
	if c.tolerant {
		b.WriteString(" || true")
	}
	return b.String()
}

// Render returns the string handed to the device shell, wrapped in su -c
// when root is requested.
func (c Command) Render(root bool) string {
	s := c.String()
	if !root {
		return s
	}
	return "su -c " + Quote(s)
}

func joinQuoted(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

// Quote single-quotes s for a POSIX shell unless it only holds characters
// with no special meaning.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if isSafe(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isSafe(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("_@%+=:,./-", r):
		default:
			return false
		}
	}
	return true
}
