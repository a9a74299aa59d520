package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sandialabs/hpc-connect/internal/backend"
	"github.com/sandialabs/hpc-connect/internal/backend/flux"
	"github.com/sandialabs/hpc-connect/internal/backend/pbs"
	"github.com/sandialabs/hpc-connect/internal/backend/remote"
	"github.com/sandialabs/hpc-connect/internal/backend/shell"
	"github.com/sandialabs/hpc-connect/internal/backend/slurm"
	"github.com/sandialabs/hpc-connect/internal/config"
	"github.com/sandialabs/hpc-connect/internal/history"
	"github.com/sandialabs/hpc-connect/internal/launch"
	"github.com/sandialabs/hpc-connect/internal/proc"
	"github.com/sandialabs/hpc-connect/internal/script"
	"github.com/sandialabs/hpc-connect/internal/ssh"
)

// Resolve the effective configuration
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return config.Load(cfgPath)
}

// Resolve the backend registry
func resolveBackends(cfg config.Config) (*backend.Registry, error) {
	runner := proc.NewRetryingRunner(nil, proc.DefaultRetryConfig())
	reg := backend.NewRegistry()
	reg.Register(shell.New())
	reg.Register(slurm.New(runner))
	reg.Register(pbs.New(runner))
	reg.Register(flux.New(runner))
	if rc := cfg.Submit.Remote; rc.Host != "" {
		client, err := remoteClient(rc)
		if err != nil {
			return nil, err
		}
		reg.Register(remote.New(rc.Host, client, rc.Workdir))
	}
	return reg, nil
}

func remoteClient(rc config.Remote) (*ssh.Client, error) {
	signer, err := ssh.LoadSigner(rc.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("remote backend: %w", err)
	}
	hostKeys, err := ssh.KnownHostsCallback(rc.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("remote backend: %w", err)
	}
	addr := rc.Host
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}
	return &ssh.Client{Addr: addr, User: rc.User, Signer: signer, KnownHosts: hostKeys}, nil
}

func openHistory(cfg config.Config) (*history.Store, error) {
	path := cfg.History
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir := home + "/.local/share/hpc_connect"
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		path = dir + "/history.db"
	}
	return history.NewStore(path)
}

// Translate and run a parallel launch
func newLaunchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launch [flags] -- launcher-args...",
		Short: "Translate a launch command line and exec the MPI launcher",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			local, _ := cmd.Flags().GetBool("local")
			mpFile, _ := cmd.Flags().GetString("multi-prog-file")

			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			tr := launch.New(cfg.Vendor())
			resolved, err := tr.Translate(args, launch.Options{Local: local, MultiProgPath: mpFile})
			if err != nil {
				// translation errors never spawn anything
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if dryRun {
				fmt.Println(strings.Join(resolved.Argv, " "))
				return nil
			}
			if err := resolved.Materialize(); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			child := exec.CommandContext(cmd.Context(), resolved.Argv[0], resolved.Argv[1:]...)
			child.Stdin = os.Stdin
			child.Stdout = os.Stdout
			child.Stderr = os.Stderr
			if err := child.Run(); err != nil {
				var ee *exec.ExitError
				if errors.As(err, &ee) {
					os.Exit(ee.ExitCode())
				}
				return err
			}
			return nil
		},
	}
	cmd.Flags().Bool("dry-run", false, "print the translated command line without running it")
	cmd.Flags().Bool("local", false, "include the vendor's local-run flags")
	cmd.Flags().String("multi-prog-file", "", "path for a generated rank mapping file")
	return cmd
}

// Build and submit a batch script
func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit [flags] -- command...",
		Short: "Build a submission script and hand it to the scheduler",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			backendName, _ := cmd.Flags().GetString("backend")
			if backendName == "" {
				backendName = cfg.Submit.Backend
			}
			name, _ := cmd.Flags().GetString("name")
			nodes, _ := cmd.Flags().GetInt("nodes")
			cpus, _ := cmd.Flags().GetInt("cpus-per-node")
			tasks, _ := cmd.Flags().GetInt("tasks")
			limit, _ := cmd.Flags().GetDuration("time")
			output, _ := cmd.Flags().GetString("output")
			errPath, _ := cmd.Flags().GetString("error")
			setenv, _ := cmd.Flags().GetStringArray("setenv")
			unsetenv, _ := cmd.Flags().GetStringArray("unsetenv")
			scriptPath, _ := cmd.Flags().GetString("script")
			doWait, _ := cmd.Flags().GetBool("wait")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			if tasks == 0 {
				tasks = nodes
				if cpus > 0 {
					tasks = nodes * cpus
				}
			}

			sctx := &script.Context{
				Name:        name,
				Nodes:       nodes,
				CPUsPerNode: cpus,
				Tasks:       tasks,
				TimeSeconds: limit.Seconds(),
				Output:      output,
				Error:       errPath,
				Commands:    args,
				ExtraArgs:   append([]string(nil), cfg.Submit.DefaultArgs...),
			}
			if extra, _ := cmd.Flags().GetStringArray("extra-arg"); len(extra) > 0 {
				sctx.ExtraArgs = append(sctx.ExtraArgs, extra...)
			}
			for _, kv := range setenv {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("malformed --setenv %q, want NAME=VALUE", kv)
				}
				val := v
				sctx.Variables = append(sctx.Variables, script.EnvVar{Name: k, Value: &val})
			}
			for _, k := range unsetenv {
				sctx.Variables = append(sctx.Variables, script.EnvVar{Name: k})
			}
			if err := sctx.Validate(); err != nil {
				return err
			}

			tmpl, err := script.ForScheduler(backendName)
			if err != nil {
				return err
			}
			path, err := script.Write(tmpl, sctx, scriptPath)
			if err != nil {
				return err
			}

			reg, err := resolveBackends(cfg)
			if err != nil {
				return err
			}
			b, err := reg.Get(backendName)
			if err != nil {
				return err
			}
			h, err := b.Submit(cmd.Context(), path, sctx)
			if err != nil {
				return err
			}
			fmt.Printf("submitted %s job %s\n", h.Backend, h.ID)

			if store, err := openHistory(cfg); err == nil {
				_, _ = store.Record(cmd.Context(), h, name)
				store.Close()
			}

			if !doWait {
				return nil
			}
			backoff := backend.Backoff{Initial: cfg.Submit.PollInitial, Max: cfg.Submit.PollMax, Factor: 2.0}
			state := backend.Wait(cmd.Context(), b, h, waitTimeout(timeout), backoff)
			fmt.Printf("job %s: %s\n", h.ID, state)
			if store, err := openHistory(cfg); err == nil {
				_ = store.UpdateState(cmd.Context(), h.ID, state)
				store.Close()
			}
			if state != backend.Completed {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().String("backend", "", "scheduler backend (shell, slurm, pbs, flux, remote)")
	cmd.Flags().String("name", "job", "job name")
	cmd.Flags().Int("nodes", 1, "node count")
	cmd.Flags().Int("cpus-per-node", 0, "cpus per node")
	cmd.Flags().Int("tasks", 0, "total task count (default nodes*cpus-per-node)")
	cmd.Flags().Duration("time", time.Hour, "requested runtime before padding")
	cmd.Flags().String("output", "", "stdout path")
	cmd.Flags().String("error", "", "stderr path; same as --output joins the streams")
	cmd.Flags().StringArray("setenv", nil, "NAME=VALUE exported before the commands")
	cmd.Flags().StringArray("unsetenv", nil, "NAME unset before the commands")
	cmd.Flags().StringArray("extra-arg", nil, "raw scheduler directive appended to the header")
	cmd.Flags().String("script", "", "write the script to this path instead of a generated one")
	cmd.Flags().Bool("wait", false, "poll until the job reaches a terminal state")
	cmd.Flags().Duration("timeout", 0, "bound for --wait; 0 waits indefinitely")
	return cmd
}

// waitTimeout maps the CLI convention (0 = wait indefinitely) onto Wait's,
// where 0 means a single poll and a negative timeout means no deadline.
func waitTimeout(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

// handleFor rebuilds a poll-able handle from the submission history.
func handleFor(cmd *cobra.Command, cfg config.Config, jobID string) (*backend.Handle, backend.Backend, error) {
	store, err := openHistory(cfg)
	if err != nil {
		return nil, nil, err
	}
	defer store.Close()
	e, err := store.Lookup(cmd.Context(), jobID)
	if err != nil {
		return nil, nil, err
	}
	reg, err := resolveBackends(cfg)
	if err != nil {
		return nil, nil, err
	}
	return rebuildHandle(e, reg)
}

// rebuildHandle restores a handle from its history entry. Shell jobs are
// refused: their process record belongs to the invocation that spawned them
// and cannot be reconstructed here.
func rebuildHandle(e history.Entry, reg *backend.Registry) (*backend.Handle, backend.Backend, error) {
	if e.Backend == "shell" {
		return nil, nil, fmt.Errorf("job %s ran under the shell backend; its process belongs to the submitting invocation and is not reachable from here", e.JobID)
	}
	b, err := reg.Get(e.Backend)
	if err != nil {
		return nil, nil, err
	}
	state := backend.ParseState(e.State)
	if state == backend.Unknown {
		state = backend.Running
	}
	h := &backend.Handle{
		ID:          e.JobID,
		Backend:     e.Backend,
		State:       state,
		SubmittedAt: e.SubmittedAt,
		ScriptPath:  e.ScriptPath,
	}
	for k, v := range e.Attrs {
		h.SetAttr(k, v)
	}
	return h, b, nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Report a submitted job's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			h, b, err := handleFor(cmd, cfg, args[0])
			if err != nil {
				return err
			}
			state, err := b.Poll(cmd.Context(), h)
			if err != nil {
				return err
			}
			fmt.Printf("job %s: %s\n", h.ID, state)
			if store, err := openHistory(cfg); err == nil {
				_ = store.UpdateState(cmd.Context(), h.ID, state)
				store.Close()
			}
			return nil
		},
	}
}

func newWaitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Block until a job reaches a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			h, b, err := handleFor(cmd, cfg, args[0])
			if err != nil {
				return err
			}
			backoff := backend.Backoff{Initial: cfg.Submit.PollInitial, Max: cfg.Submit.PollMax, Factor: 2.0}
			state := backend.Wait(cmd.Context(), b, h, waitTimeout(timeout), backoff)
			fmt.Printf("job %s: %s\n", h.ID, state)
			if store, err := openHistory(cfg); err == nil {
				_ = store.UpdateState(cmd.Context(), h.ID, state)
				store.Close()
			}
			if !state.Terminal() {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 0, "give up after this long; 0 waits indefinitely")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a submitted job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			h, b, err := handleFor(cmd, cfg, args[0])
			if err != nil {
				return err
			}
			if err := b.Cancel(cmd.Context(), h); err != nil {
				return err
			}
			fmt.Printf("cancelled job %s\n", h.ID)
			if store, err := openHistory(cfg); err == nil {
				_ = store.UpdateState(cmd.Context(), h.ID, backend.Cancelled)
				store.Close()
			}
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openHistory(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			entries, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s\t%s\t%s\t%s\t%s\n",
					e.JobID, e.Backend, e.State, e.Name,
					e.SubmittedAt.Local().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum entries to list")
	return cmd
}

// Show the effective configuration
func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(map[string]config.Config{"hpc_connect": cfg})
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}
