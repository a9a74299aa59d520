package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sandialabs/hpc-connect/internal/backend"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h := &backend.Handle{
		ID:          "12345",
		Backend:     "slurm",
		State:       backend.Pending,
		SubmittedAt: time.Now(),
		ScriptPath:  "/tmp/job.sh",
	}
	if _, err := s.Record(ctx, h, "my-job"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	e, err := s.Lookup(ctx, "12345")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.Backend != "slurm" || e.Name != "my-job" || e.State != "pending" {
		t.Errorf("entry = %+v", e)
	}
}

func TestAttrsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h := &backend.Handle{ID: "55", Backend: "remote", State: backend.Running, SubmittedAt: time.Now()}
	h.SetAttr("rcfile", ".hpc-connect/job.sh.rc")
	h.SetAttr("host", "login.example.gov")
	if _, err := s.Record(ctx, h, "remote-job"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	e, err := s.Lookup(ctx, "55")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.Attrs["rcfile"] != ".hpc-connect/job.sh.rc" || e.Attrs["host"] != "login.example.gov" {
		t.Errorf("attrs = %v", e.Attrs)
	}

	// entries without annotations come back with no attrs at all
	plain := &backend.Handle{ID: "56", Backend: "pbs", State: backend.Pending, SubmittedAt: time.Now()}
	if _, err := s.Record(ctx, plain, ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	e, err = s.Lookup(ctx, "56")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(e.Attrs) != 0 {
		t.Errorf("attrs = %v, want none", e.Attrs)
	}
}

func TestUpdateState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h := &backend.Handle{ID: "7", Backend: "pbs", State: backend.Pending, SubmittedAt: time.Now()}
	if _, err := s.Record(ctx, h, ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.UpdateState(ctx, "7", backend.Completed); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	e, err := s.Lookup(ctx, "7")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.State != "completed" {
		t.Errorf("state = %q, want completed", e.State)
	}
}

func TestRecentOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		h := &backend.Handle{
			ID:          string(rune('a' + i)),
			Backend:     "shell",
			State:       backend.Running,
			SubmittedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if _, err := s.Record(ctx, h, ""); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].JobID != "e" || got[2].JobID != "c" {
		t.Errorf("order = %s %s %s", got[0].JobID, got[1].JobID, got[2].JobID)
	}
}
