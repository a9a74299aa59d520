package script

import (
	"fmt"
	"strings"
)

// ForScheduler returns the submission template for a named scheduler. The
// concrete templates override only the header block; everything below the
// header renders identically across schedulers.
func ForScheduler(name string) (*Template, error) {
	switch strings.ToLower(name) {
	case "shell", "none", "remote":
		return Shell(), nil
	case "slurm", "sbatch":
		return Slurm(), nil
	case "pbs", "qsub":
		return PBS(), nil
	case "flux":
		return Flux(), nil
	}
	return nil, fmt.Errorf("no submission template for scheduler %q", name)
}

// Shell has no resource directives; the header records the IO paths so the
// spawner can find them.
func Shell() *Template {
	return Base().Override("header", func(c *Context) (string, error) {
		var sb strings.Builder
		sb.WriteString("#!/bin/sh\n")
		sb.WriteString(fmt.Sprintf("# name: %s\n", c.Name))
		sb.WriteString(fmt.Sprintf("# output: %s\n", orNone(c.Output)))
		sb.WriteString(fmt.Sprintf("# error: %s\n", orNone(c.Error)))
		return sb.String(), nil
	})
}

func Slurm() *Template {
	return Base().Override("header", func(c *Context) (string, error) {
		var sb strings.Builder
		sb.WriteString("#!/bin/sh\n")
		sb.WriteString(fmt.Sprintf("#SBATCH --job-name=%s\n", c.Name))
		sb.WriteString(fmt.Sprintf("#SBATCH --nodes=%d\n", c.Nodes))
		sb.WriteString(fmt.Sprintf("#SBATCH --ntasks=%d\n", c.Tasks))
		sb.WriteString(fmt.Sprintf("#SBATCH --time=%s\n", c.Walltime()))
		if c.Output != "" {
			sb.WriteString(fmt.Sprintf("#SBATCH --output=%s\n", c.Output))
		}
		// sbatch joins stdout and stderr when --error is omitted
		if c.Error != "" && !c.JoinOutput() {
			sb.WriteString(fmt.Sprintf("#SBATCH --error=%s\n", c.Error))
		}
		for _, arg := range c.ExtraArgs {
			sb.WriteString(fmt.Sprintf("#SBATCH %s\n", arg))
		}
		return sb.String(), nil
	})
}

func PBS() *Template {
	return Base().Override("header", func(c *Context) (string, error) {
		var sb strings.Builder
		sb.WriteString("#!/bin/sh\n")
		sb.WriteString(fmt.Sprintf("#PBS -N %s\n", c.Name))
		cpus := c.CPUsPerNode
		if cpus <= 0 {
			cpus = 1
		}
		sb.WriteString(fmt.Sprintf("#PBS -l select=%d:ncpus=%d\n", c.Nodes, cpus))
		sb.WriteString(fmt.Sprintf("#PBS -l walltime=%s\n", c.Walltime()))
		if c.JoinOutput() {
			sb.WriteString(fmt.Sprintf("#PBS -j oe\n#PBS -o %s\n", c.Output))
		} else {
			if c.Output != "" {
				sb.WriteString(fmt.Sprintf("#PBS -o %s\n", c.Output))
			}
			if c.Error != "" {
				sb.WriteString(fmt.Sprintf("#PBS -e %s\n", c.Error))
			}
		}
		for _, arg := range c.ExtraArgs {
			sb.WriteString(fmt.Sprintf("#PBS %s\n", arg))
		}
		return sb.String(), nil
	})
}

func Flux() *Template {
	return Base().Override("header", func(c *Context) (string, error) {
		var sb strings.Builder
		sb.WriteString("#!/bin/sh\n")
		sb.WriteString(fmt.Sprintf("#flux: --job-name=%s\n", c.Name))
		sb.WriteString(fmt.Sprintf("#flux: -N%d\n", c.Nodes))
		sb.WriteString(fmt.Sprintf("#flux: -n%d\n", c.Tasks))
		sb.WriteString(fmt.Sprintf("#flux: -t%s\n", c.Walltime()))
		if c.Output != "" {
			sb.WriteString(fmt.Sprintf("#flux: --output=%s\n", c.Output))
		}
		if c.Error != "" && !c.JoinOutput() {
			sb.WriteString(fmt.Sprintf("#flux: --error=%s\n", c.Error))
		}
		for _, arg := range c.ExtraArgs {
			sb.WriteString(fmt.Sprintf("#flux: %s\n", arg))
		}
		return sb.String(), nil
	})
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
