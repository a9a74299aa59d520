package script

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrRenderFailed reports an unfulfilled required template block.
	ErrRenderFailed = errors.New("template render failed")

	// ErrInvalidContext reports an unusable submission context.
	ErrInvalidContext = errors.New("invalid submission context")
)

// EnvVar is one entry of a job's environment block. A nil Value means the
// variable is unset in the job environment rather than exported.
type EnvVar struct {
	Name  string
	Value *string
}

// Context carries everything a submission script template consumes.
type Context struct {
	Name        string
	Nodes       int
	CPUsPerNode int
	Tasks       int
	TimeSeconds float64
	Output      string
	Error       string

	// Variables render in insertion order so later entries can override
	// earlier ones for the same key.
	Variables []EnvVar
	Commands  []string

	// ExtraArgs are raw scheduler directives appended to the header.
	ExtraArgs []string

	User       string
	SubmitTime time.Time

	// Walltime padding; zero values take the defaults (margin 1.25,
	// threshold 0 = always pad).
	Margin    float64
	Threshold float64
}

// Validate checks the context before any template or native tool is touched.
func (c *Context) Validate() error {
	if c.Tasks <= 0 {
		return fmt.Errorf("%w: tasks must be positive, got %d", ErrInvalidContext, c.Tasks)
	}
	if c.Nodes <= 0 {
		return fmt.Errorf("%w: nodes must be positive, got %d", ErrInvalidContext, c.Nodes)
	}
	return nil
}

// JoinOutput reports whether stdout and stderr share one file, selecting the
// scheduler's joined-output directive over two separate ones.
func (c *Context) JoinOutput() bool {
	return c.Output != "" && c.Output == c.Error
}

// Walltime is the padded time request in HH:MM:SS.
func (c *Context) Walltime() string {
	return Walltime(c.TimeSeconds, c.Margin, c.Threshold)
}

func (c *Context) username() string {
	if c.User != "" {
		return c.User
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}

func (c *Context) submitTime() time.Time {
	if c.SubmitTime.IsZero() {
		return time.Now()
	}
	return c.SubmitTime
}

// RenderFunc produces the text of one script section.
type RenderFunc func(*Context) (string, error)

type section struct {
	name   string
	render RenderFunc
}

// Template is an ordered list of named sections. The base template declares
// header, meta, environment and commands, in that order; header has no
// default and must be overridden by each scheduler.
type Template struct {
	sections []section
}

// Base returns the shared template with the default meta, environment and
// commands blocks in place.
func Base() *Template {
	return &Template{sections: []section{
		{name: "header", render: nil},
		{name: "meta", render: renderMeta},
		{name: "environment", render: renderEnvironment},
		{name: "commands", render: renderCommands},
	}}
}

// Override replaces a named section's renderer and returns the template for
// chaining.
func (t *Template) Override(name string, fn RenderFunc) *Template {
	for i := range t.sections {
		if t.sections[i].name == name {
			t.sections[i].render = fn
			return t
		}
	}
	t.sections = append(t.sections, section{name: name, render: fn})
	return t
}

// Render validates the context and emits the sections in declared order.
func (t *Template) Render(ctx *Context) (string, error) {
	if err := ctx.Validate(); err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, s := range t.sections {
		if s.render == nil {
			return "", fmt.Errorf("%w: block %q not implemented", ErrRenderFailed, s.name)
		}
		text, err := s.render(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: block %q: %v", ErrRenderFailed, s.name, err)
		}
		sb.WriteString(text)
	}
	return sb.String(), nil
}

func renderMeta(c *Context) (string, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# user: %s\n", c.username()))
	sb.WriteString(fmt.Sprintf("# date: %s\n", c.submitTime().Format(time.ANSIC)))
	sb.WriteString(fmt.Sprintf("# approximate runtime: %s\n", HHMMSS(c.TimeSeconds)))
	return sb.String(), nil
}

func renderEnvironment(c *Context) (string, error) {
	var sb strings.Builder
	for _, v := range c.Variables {
		if v.Value == nil {
			sb.WriteString(fmt.Sprintf("unset %s\n", v.Name))
		} else {
			sb.WriteString(fmt.Sprintf("export %s=%s\n", v.Name, *v.Value))
		}
	}
	return sb.String(), nil
}

// renderCommands echoes each command before running it so a failing command
// still identifies itself in the job log. Shell default semantics apply: a
// failure does not abort the remaining commands.
func renderCommands(c *Context) (string, error) {
	var sb strings.Builder
	for _, cmd := range c.Commands {
		sb.WriteString(fmt.Sprintf("echo '==> %s'\n", strings.ReplaceAll(cmd, "'", `'\''`)))
		sb.WriteString(cmd + "\n")
	}
	return sb.String(), nil
}

// Write renders the template and writes the script to path, executable. An
// empty path gets a unique generated name next to the working directory.
func Write(t *Template, ctx *Context, path string) (string, error) {
	text, err := t.Render(ctx)
	if err != nil {
		return "", err
	}
	if path == "" {
		path = fmt.Sprintf("%s-submit-%s.sh", sanitize(ctx.Name), uuid.NewString()[:8])
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create script dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(text), 0o755); err != nil {
		return "", fmt.Errorf("write script: %w", err)
	}
	log.Debug().Str("script", path).Msg("wrote submission script")
	return path, nil
}

var unsafeChars = regexp.MustCompile(`[^\w_. -]`)

func sanitize(name string) string {
	if name == "" {
		return "job"
	}
	return strings.Trim(unsafeChars.ReplaceAllString(name, "_"), "_")
}
