package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadNestedDocument(t *testing.T) {
	p := writeConfig(t, `
hpc_connect:
  launch:
    vendor: mpich
    mappings:
      --account: SUPPRESS
  submit:
    backend: slurm
    poll_initial: 2s
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Launch.Name != "mpich" {
		t.Errorf("vendor = %q, want mpich", cfg.Launch.Name)
	}
	if cfg.Submit.Backend != "slurm" {
		t.Errorf("backend = %q, want slurm", cfg.Submit.Backend)
	}
	if cfg.Submit.PollInitial != 2*time.Second {
		t.Errorf("poll_initial = %v, want 2s", cfg.Submit.PollInitial)
	}
	if cfg.Launch.Mappings["--account"] != "SUPPRESS" {
		t.Errorf("mappings = %v", cfg.Launch.Mappings)
	}
}

func TestLoadBareDocument(t *testing.T) {
	p := writeConfig(t, `
launch:
  vendor: srun
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Launch.Name != "srun" {
		t.Errorf("vendor = %q, want srun", cfg.Launch.Name)
	}
}

func TestDefaults(t *testing.T) {
	var cfg Config
	cfg.normalize()
	if cfg.Launch.Name != "openmpi" {
		t.Errorf("default vendor = %q", cfg.Launch.Name)
	}
	if cfg.Submit.Backend != "shell" {
		t.Errorf("default backend = %q", cfg.Submit.Backend)
	}
	if cfg.Submit.PollInitial != 500*time.Millisecond || cfg.Submit.PollMax != 30*time.Second {
		t.Errorf("polling defaults = %v/%v", cfg.Submit.PollInitial, cfg.Submit.PollMax)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	p := writeConfig(t, `
hpc_connect:
  launch:
    vendor: openmpi
    exec: mpiexec
  submit:
    backend: shell
`)
	t.Setenv("HPCC_LAUNCH_VENDOR", "srun")
	t.Setenv("HPCC_LAUNCH_EXEC", "/opt/slurm/bin/srun")
	t.Setenv("HPCC_LAUNCH_DEFAULT_FLAGS", "--exclusive -K")
	t.Setenv("HPCC_SUBMIT_BACKEND", "pbs")
	t.Setenv("HPCC_POLLING_FREQUENCY", "10s")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Launch.Name != "srun" || cfg.Launch.Exec != "/opt/slurm/bin/srun" {
		t.Errorf("launch = %q %q", cfg.Launch.Name, cfg.Launch.Exec)
	}
	if got := cfg.Launch.DefaultFlags; len(got) != 2 || got[0] != "--exclusive" || got[1] != "-K" {
		t.Errorf("default flags = %v", got)
	}
	if cfg.Submit.Backend != "pbs" {
		t.Errorf("backend = %q", cfg.Submit.Backend)
	}
	if cfg.Submit.PollInitial != 10*time.Second {
		t.Errorf("poll_initial = %v", cfg.Submit.PollInitial)
	}
}

func TestParseMappings(t *testing.T) {
	got := parseMappings("--account=SUPPRESS, -c=--cpus-per-task ,,bad")
	if len(got) != 2 {
		t.Fatalf("mappings = %v", got)
	}
	if got["--account"] != "SUPPRESS" || got["-c"] != "--cpus-per-task" {
		t.Errorf("mappings = %v", got)
	}
}

func TestVendorOverrideSection(t *testing.T) {
	p := writeConfig(t, `
hpc_connect:
  launch:
    vendor: srun
    default_flags: ["--exclusive"]
    overrides:
      srun:
        exec: /custom/srun
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	v := cfg.Vendor()
	if v.Exec != "/custom/srun" {
		t.Errorf("exec = %q, want /custom/srun", v.Exec)
	}
	if len(v.DefaultFlags) != 1 || v.DefaultFlags[0] != "--exclusive" {
		t.Errorf("default flags = %v", v.DefaultFlags)
	}
	// builtin srun characteristics survive the merge
	if v.NativeMultiProg {
		t.Error("srun should not be native multi-prog")
	}
	if v.MultiProgFlag != "--multi-prog" {
		t.Errorf("multiprog flag = %q", v.MultiProgFlag)
	}
}
