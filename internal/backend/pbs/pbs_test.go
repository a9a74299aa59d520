package pbs

import (
	"context"
	"errors"
	"testing"

	"github.com/sandialabs/hpc-connect/internal/backend"
	"github.com/sandialabs/hpc-connect/internal/proc"
)

type fakeRunner struct {
	results map[string]proc.Result
	calls   [][]string
}

func (f *fakeRunner) Run(_ context.Context, argv ...string) (proc.Result, error) {
	f.calls = append(f.calls, argv)
	return f.results[argv[0]], nil
}

func TestSubmitParsesJobID(t *testing.T) {
	r := &fakeRunner{results: map[string]proc.Result{
		"qsub": {Stdout: "9932285.cluster-head.example.gov\n"},
	}}
	p := New(r)

	h, err := p.Submit(context.Background(), "/tmp/job.sh", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h.ID != "9932285.cluster-head.example.gov" {
		t.Errorf("job id = %q", h.ID)
	}
	if h.State != backend.Pending {
		t.Errorf("state = %v", h.State)
	}
}

func TestSubmitRejected(t *testing.T) {
	r := &fakeRunner{results: map[string]proc.Result{
		"qsub": {Stderr: "qsub: would exceed queue's generic resources", ExitCode: 190},
	}}
	p := New(r)
	if _, err := p.Submit(context.Background(), "/tmp/job.sh", nil); !errors.Is(err, backend.ErrSubmissionFailed) {
		t.Fatalf("err = %v, want ErrSubmissionFailed", err)
	}
}

const qstatListing = `Job id            Name             User              Time Use S Queue
----------------  ---------------- ----------------  -------- - -----
9932285.cluster*  spam.sh          someuser                 0 W serial
9932286.cluster*  eggs.sh          someuser          00:01:04 R serial
9932287.cluster*  ham.sh           someuser                 0 Q serial
`

func TestPollQueuedAndRunning(t *testing.T) {
	cases := []struct {
		id   string
		want backend.JobState
	}{
		{"9932285.cluster-head.example.gov", backend.Pending},
		{"9932286.cluster-head.example.gov", backend.Running},
		{"9932287.cluster-head.example.gov", backend.Pending},
	}
	for _, tc := range cases {
		r := &fakeRunner{results: map[string]proc.Result{"qstat": {Stdout: qstatListing}}}
		p := New(r)
		h := &backend.Handle{ID: tc.id}
		got, err := p.Poll(context.Background(), h)
		if err != nil {
			t.Fatalf("Poll(%s): %v", tc.id, err)
		}
		if got != tc.want {
			t.Errorf("Poll(%s) = %v, want %v", tc.id, got, tc.want)
		}
	}
}

func TestPollTruncatedID(t *testing.T) {
	listing := "9932290.long-clu* spam.sh someuser 0 R serial\n"
	r := &fakeRunner{results: map[string]proc.Result{"qstat": {Stdout: listing}}}
	p := New(r)
	h := &backend.Handle{ID: "9932290.long-cluster-name.example.gov"}
	got, err := p.Poll(context.Background(), h)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got != backend.Running {
		t.Errorf("Poll = %v, want running", got)
	}
}

func TestPollAbsentMeansCompleted(t *testing.T) {
	r := &fakeRunner{results: map[string]proc.Result{"qstat": {Stdout: qstatListing}}}
	p := New(r)
	h := &backend.Handle{ID: "1111111.cluster-head.example.gov"}
	got, err := p.Poll(context.Background(), h)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got != backend.Completed {
		t.Errorf("Poll = %v, want completed", got)
	}
}

func TestCancel(t *testing.T) {
	r := &fakeRunner{results: map[string]proc.Result{"qdel": {}}}
	p := New(r)
	h := &backend.Handle{ID: "9932285.cluster", State: backend.Running}
	if err := p.Cancel(context.Background(), h); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(r.calls) != 1 || r.calls[0][0] != "qdel" || r.calls[0][1] != "9932285.cluster" {
		t.Errorf("calls = %v", r.calls)
	}

	h.State = backend.Cancelled
	if err := p.Cancel(context.Background(), h); err != nil {
		t.Fatalf("Cancel terminal: %v", err)
	}
	if len(r.calls) != 1 {
		t.Errorf("qdel invoked for terminal job")
	}
}
