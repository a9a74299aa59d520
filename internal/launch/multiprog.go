package launch

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// WriteMultiProg writes the rank mapping in the launcher's config-file
// format: one line per group, "<low>-<high> <command> [args...]", with a
// single rank written as a bare number.
func (r *Resolved) WriteMultiProg(w io.Writer) error {
	for _, rr := range r.MultiProg {
		var ranks string
		if rr.Lo == rr.Hi {
			ranks = fmt.Sprintf("%d", rr.Lo)
		} else {
			ranks = fmt.Sprintf("%d-%d", rr.Lo, rr.Hi)
		}
		if _, err := fmt.Fprintf(w, "%s %s\n", ranks, strings.Join(rr.Command, " ")); err != nil {
			return err
		}
	}
	return nil
}

// Materialize writes the mapping file to its configured path, if one is
// needed. Safe to call on a natively joined invocation.
func (r *Resolved) Materialize() error {
	if len(r.MultiProg) == 0 {
		return nil
	}
	f, err := os.Create(r.MultiProgPath)
	if err != nil {
		return fmt.Errorf("write multi-prog config: %w", err)
	}
	defer f.Close()
	return r.WriteMultiProg(f)
}
