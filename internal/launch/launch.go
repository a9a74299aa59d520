package launch

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

var (
	// ErrMalformedSpec reports an empty launch request or an application
	// group with no command.
	ErrMalformedSpec = errors.New("malformed launch spec")

	// ErrInvalidProcessCount reports a non-integer or non-positive value
	// given for the process-count flag.
	ErrInvalidProcessCount = errors.New("invalid process count")
)

// Group is one MPMD application group: a process count, the launcher flags
// that precede the command, and the command itself.
type Group struct {
	Procs   int
	Flags   []string
	Command []string
}

// RankRange assigns a contiguous, inclusive range of MPI ranks to a command.
type RankRange struct {
	Lo      int
	Hi      int
	Command []string
}

// Resolved is the translated invocation. For launchers with native MPMD
// support Argv holds the complete command line, groups joined with ':'.
// Otherwise Argv references MultiProgPath and MultiProg holds the file's
// rank-to-command entries.
type Resolved struct {
	Argv          []string
	MultiProg     []RankRange
	MultiProgPath string
}

// Options adjust translation for the execution environment.
type Options struct {
	// Local includes the vendor's local_flags, for runs on the submitting
	// node rather than under an allocation.
	Local bool

	// MultiProgPath overrides where a generated rank mapping file will be
	// written. Defaults to launch-multi-prog.conf in the working directory.
	MultiProgPath string
}

// Translator converts a vendor-neutral argument list into the invocation
// syntax of one launcher vendor. Translation is pure: the Vendor is never
// mutated and no external process is touched.
type Translator struct {
	vendor   Vendor
	mappings map[string]string
	lookPath func(string) (string, error)
}

func New(v Vendor) *Translator {
	v = v.normalized()
	mappings := make(map[string]string, len(v.Mappings)+1)
	for k, val := range v.Mappings {
		mappings[k] = val
	}
	// the generic numproc flag always maps to the vendor's own
	if _, ok := mappings["-n"]; !ok {
		mappings["-n"] = v.NumprocFlag
	}
	return &Translator{vendor: v, mappings: mappings, lookPath: exec.LookPath}
}

// Translate parses args into application groups and assembles the vendor
// invocation.
func (t *Translator) Translate(args []string, opts Options) (*Resolved, error) {
	groups, err := t.Parse(args)
	if err != nil {
		return nil, err
	}
	return t.Build(groups, opts)
}

// mapFlag applies the vendor mappings to a single flag token. It returns the
// (possibly rewritten) token, whether the flag is suppressed, and whether the
// flag owns the following token as its value. Both the '='-joined and
// space-joined forms of a mapped flag resolve to the same outcome.
func (t *Translator) mapFlag(tok string) (out string, suppressed, takesValue bool) {
	if repl, ok := t.mappings[tok]; ok {
		if repl == Suppress {
			return "", true, true
		}
		return repl, false, true
	}
	// long option with '='-joined value: map the name, keep the value
	for pat, repl := range t.mappings {
		if strings.HasPrefix(tok, pat+"=") {
			if repl == Suppress {
				return "", true, false
			}
			return repl + tok[len(pat):], false, false
		}
	}
	return tok, false, false
}

// Parse splits args on the ':' MPMD separator and extracts each group's
// process count and mapped flags. Flags the vendor knows nothing about pass
// through untouched.
func (t *Translator) Parse(args []string) ([]Group, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: no arguments", ErrMalformedSpec)
	}
	np := t.vendor.NumprocFlag
	var groups []Group
	cur := Group{Procs: 1}
	commandSeen := false

	endGroup := func() error {
		if len(cur.Command) == 0 {
			return fmt.Errorf("%w: application group has no command", ErrMalformedSpec)
		}
		groups = append(groups, cur)
		cur = Group{Procs: 1}
		commandSeen = false
		return nil
	}

	for i := 0; i < len(args); i++ {
		tok := args[i]
		if tok == ":" {
			if err := endGroup(); err != nil {
				return nil, err
			}
			continue
		}
		if !commandSeen {
			if _, err := t.lookPath(tok); err == nil {
				commandSeen = true
				cur.Command = append(cur.Command, tok)
				continue
			}
			mapped, suppressed, takesValue := t.mapFlag(tok)
			if suppressed {
				if takesValue && i+1 < len(args) {
					i++
				}
				continue
			}
			tok = mapped
			switch {
			case tok == np:
				if i+1 >= len(args) {
					return nil, fmt.Errorf("%w: %s given without a value", ErrMalformedSpec, np)
				}
				i++
				n, err := parseProcs(args[i])
				if err != nil {
					return nil, err
				}
				cur.Procs = n
			case takesValue && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") && args[i+1] != ":":
				cur.Flags = append(cur.Flags, tok, args[i+1])
				i++
			case strings.HasPrefix(tok, np+"="):
				n, err := parseProcs(tok[len(np)+1:])
				if err != nil {
					return nil, err
				}
				cur.Procs = n
			case !strings.HasPrefix(tok, "-"):
				commandSeen = true
				cur.Command = append(cur.Command, tok)
			default:
				cur.Flags = append(cur.Flags, tok)
			}
			continue
		}
		cur.Command = append(cur.Command, tok)
	}
	if err := endGroup(); err != nil {
		return nil, err
	}
	return groups, nil
}

// Build assembles the final invocation from parsed groups. Placeholders in
// default_flags describe the whole co-scheduled job, so they expand with the
// sum of processes across every group.
func (t *Translator) Build(groups []Group, opts Options) (*Resolved, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("%w: no application groups", ErrMalformedSpec)
	}
	total := 0
	for _, g := range groups {
		total += g.Procs
	}
	if t.vendor.NativeMultiProg || len(groups) == 1 {
		return &Resolved{Argv: t.joinNative(groups, total, opts)}, nil
	}
	return t.joinMultiProg(groups, total, opts)
}

func (t *Translator) joinNative(groups []Group, total int, opts Options) []string {
	argv := []string{t.vendor.Exec}
	for _, f := range t.vendor.DefaultFlags {
		argv = append(argv, expand(f, total))
	}
	for gi, g := range groups {
		if gi > 0 {
			argv = append(argv, ":")
		}
		if opts.Local {
			for _, f := range t.vendor.LocalFlags {
				argv = append(argv, expand(f, g.Procs))
			}
		}
		argv = append(argv, t.vendor.NumprocFlag, strconv.Itoa(g.Procs))
		for _, f := range g.Flags {
			argv = append(argv, expand(f, g.Procs))
		}
		argv = append(argv, g.Command...)
		for _, f := range t.vendor.PostFlags {
			argv = append(argv, expand(f, g.Procs))
		}
	}
	return argv
}

func (t *Translator) joinMultiProg(groups []Group, total int, opts Options) (*Resolved, error) {
	path := opts.MultiProgPath
	if path == "" {
		path = "launch-multi-prog.conf"
	}
	ranges := make([]RankRange, 0, len(groups))
	rank := 0
	for _, g := range groups {
		ranges = append(ranges, RankRange{Lo: rank, Hi: rank + g.Procs - 1, Command: g.Command})
		rank += g.Procs
	}
	argv := []string{t.vendor.Exec}
	for _, f := range t.vendor.DefaultFlags {
		argv = append(argv, expand(f, total))
	}
	if opts.Local {
		for _, f := range t.vendor.LocalFlags {
			argv = append(argv, expand(f, total))
		}
	}
	argv = append(argv, t.vendor.NumprocFlag, strconv.Itoa(total), t.vendor.MultiProgFlag, path)
	log.Debug().Int("groups", len(groups)).Int("total", total).Str("conf", path).
		Msg("synthesized multi-prog launch")
	return &Resolved{Argv: argv, MultiProg: ranges, MultiProgPath: path}, nil
}

func parseProcs(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrInvalidProcessCount, s)
	}
	if n < 1 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidProcessCount, n)
	}
	return n, nil
}

// expand substitutes the %(np)d placeholder, kept printf-style for
// compatibility with existing configuration files.
func expand(flag string, np int) string {
	return strings.ReplaceAll(flag, "%(np)d", strconv.Itoa(np))
}
