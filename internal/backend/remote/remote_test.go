package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/sandialabs/hpc-connect/internal/backend"
	"github.com/sandialabs/hpc-connect/internal/script"
)

type fakeTransport struct {
	pushed   []string
	commands []string
	stdout   []string // popped per Run call, last repeats
	exitCode int
	runErr   error
	pushErr  error
	runs     int
}

func (f *fakeTransport) Run(_ context.Context, command string) (string, string, int, error) {
	f.commands = append(f.commands, command)
	if f.runErr != nil {
		return "", "", -1, f.runErr
	}
	i := f.runs
	if i >= len(f.stdout) {
		i = len(f.stdout) - 1
	}
	f.runs++
	out := ""
	if i >= 0 {
		out = f.stdout[i]
	}
	return out, "", f.exitCode, nil
}

func (f *fakeTransport) PushVerified(_ context.Context, localPath, remotePath string, _ os.FileMode) error {
	f.pushed = append(f.pushed, remotePath)
	return f.pushErr
}

func newTestRemote(tr *fakeTransport) *Remote {
	return &Remote{host: "login.example.gov", workdir: ".hpc-connect", tr: tr}
}

func TestSubmitPushesAndSpawns(t *testing.T) {
	tr := &fakeTransport{stdout: []string{"41792\n"}}
	r := newTestRemote(tr)

	h, err := r.Submit(context.Background(), "/local/run/job.sh", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h.ID != "41792" {
		t.Errorf("pid = %q", h.ID)
	}
	if h.State != backend.Running {
		t.Errorf("state = %v", h.State)
	}
	if len(tr.pushed) != 1 || tr.pushed[0] != ".hpc-connect/job.sh" {
		t.Errorf("pushed = %v", tr.pushed)
	}
	if h.Attr("rcfile") != ".hpc-connect/job.sh.rc" {
		t.Errorf("rcfile = %q", h.Attr("rcfile"))
	}
	if len(tr.commands) != 1 || !strings.Contains(tr.commands[0], "nohup sh -c") {
		t.Errorf("spawn command = %v", tr.commands)
	}
}

// spawnCommand composes the expected remote spawn line for a pushed script.
func spawnCommand(script, redir string) string {
	inner := fmt.Sprintf("sh %s %s; echo $? > %s", shquote(script), redir, shquote(script+".rc"))
	return fmt.Sprintf("nohup sh -c %s > /dev/null 2>&1 & echo $!", shquote(inner))
}

func TestSubmitOutputRedirection(t *testing.T) {
	tr := &fakeTransport{stdout: []string{"7\n"}}
	r := newTestRemote(tr)

	sctx := &script.Context{Name: "t", Output: "job.out", Error: "job.err"}
	if _, err := r.Submit(context.Background(), "/local/job.sh", sctx); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	want := spawnCommand(".hpc-connect/job.sh", "> 'job.out' 2> 'job.err'")
	if tr.commands[0] != want {
		t.Errorf("spawn = %q, want %q", tr.commands[0], want)
	}

	tr = &fakeTransport{stdout: []string{"7\n"}}
	r = newTestRemote(tr)
	sctx = &script.Context{Name: "t", Output: "job.out", Error: "job.out"}
	if _, err := r.Submit(context.Background(), "/local/job.sh", sctx); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	want = spawnCommand(".hpc-connect/job.sh", "> 'job.out' 2>&1")
	if tr.commands[0] != want {
		t.Errorf("joined spawn = %q, want %q", tr.commands[0], want)
	}
}

func TestSubmitQuotesAwkwardPaths(t *testing.T) {
	tr := &fakeTransport{stdout: []string{"7\n", "RUNNING\n"}}
	r := newTestRemote(tr)

	sctx := &script.Context{Name: "t", Output: "run dir/job's.out", Error: "run dir/job's.out"}
	h, err := r.Submit(context.Background(), "/local/my job.sh", sctx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	want := spawnCommand(".hpc-connect/my job.sh", "> "+shquote("run dir/job's.out")+" 2>&1")
	if tr.commands[0] != want {
		t.Errorf("spawn = %q, want %q", tr.commands[0], want)
	}
	if _, err := r.Poll(context.Background(), h); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !strings.Contains(tr.commands[1], "'.hpc-connect/my job.sh.rc'") {
		t.Errorf("rcfile not quoted in poll: %s", tr.commands[1])
	}
}

func TestPollWithoutRcfile(t *testing.T) {
	tr := &fakeTransport{stdout: []string{"0"}}
	r := newTestRemote(tr)
	h := &backend.Handle{ID: "99", State: backend.Running}

	got, err := r.Poll(context.Background(), h)
	if err == nil {
		t.Fatal("expected error for handle without an exit-status file")
	}
	if got != backend.Unknown {
		t.Errorf("Poll = %v, want unknown", got)
	}
	if len(tr.commands) != 0 {
		t.Errorf("remote command issued without an rcfile: %v", tr.commands)
	}
}

func TestSubmitBadPid(t *testing.T) {
	tr := &fakeTransport{stdout: []string{"sh: command not found\n"}}
	r := newTestRemote(tr)
	if _, err := r.Submit(context.Background(), "/local/job.sh", nil); !errors.Is(err, backend.ErrSubmissionFailed) {
		t.Fatalf("err = %v, want ErrSubmissionFailed", err)
	}
}

func TestSubmitPushFailure(t *testing.T) {
	tr := &fakeTransport{pushErr: errors.New("sftp: permission denied")}
	r := newTestRemote(tr)
	if _, err := r.Submit(context.Background(), "/local/job.sh", nil); !errors.Is(err, backend.ErrSubmissionFailed) {
		t.Fatalf("err = %v, want ErrSubmissionFailed", err)
	}
}

func TestPollLifecycle(t *testing.T) {
	tr := &fakeTransport{stdout: []string{"41792\n", "RUNNING\n", "0\n"}}
	r := newTestRemote(tr)

	h, err := r.Submit(context.Background(), "/local/job.sh", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, err := r.Poll(context.Background(), h)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got != backend.Running {
		t.Errorf("Poll = %v, want running", got)
	}

	got, err = r.Poll(context.Background(), h)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got != backend.Completed {
		t.Errorf("Poll = %v, want completed", got)
	}
}

func TestPollFailedJob(t *testing.T) {
	tr := &fakeTransport{stdout: []string{"2"}}
	r := newTestRemote(tr)
	h := &backend.Handle{ID: "99", State: backend.Running}
	h.SetAttr("rcfile", ".hpc-connect/job.sh.rc")

	got, err := r.Poll(context.Background(), h)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got != backend.Failed {
		t.Errorf("Poll = %v, want failed", got)
	}
}

func TestPollLostJob(t *testing.T) {
	tr := &fakeTransport{stdout: []string{"LOST"}}
	r := newTestRemote(tr)
	h := &backend.Handle{ID: "99", State: backend.Running}
	h.SetAttr("rcfile", ".hpc-connect/job.sh.rc")

	got, err := r.Poll(context.Background(), h)
	if err == nil {
		t.Fatal("expected error for lost job")
	}
	if got != backend.Unknown {
		t.Errorf("Poll = %v, want unknown", got)
	}
}

func TestCancel(t *testing.T) {
	tr := &fakeTransport{stdout: []string{""}}
	r := newTestRemote(tr)
	h := &backend.Handle{ID: "41792", State: backend.Running}

	if err := r.Cancel(context.Background(), h); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if h.State != backend.Cancelled {
		t.Errorf("state = %v", h.State)
	}
	if !strings.Contains(tr.commands[0], "kill 41792") {
		t.Errorf("cancel command = %v", tr.commands)
	}

	// terminal handles skip the remote round trip
	n := len(tr.commands)
	if err := r.Cancel(context.Background(), h); err != nil {
		t.Fatalf("Cancel again: %v", err)
	}
	if len(tr.commands) != n {
		t.Error("kill issued for terminal job")
	}
}
