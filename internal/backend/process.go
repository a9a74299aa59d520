package backend

import "sync"

// Process is the liveness record for a job spawned directly by a backend
// (shell submission). It lives on the Handle so the submitting caller holds
// the only reference to the job's state.
type Process struct {
	Pid int

	mu       sync.Mutex
	exit     int
	finished bool
	done     chan struct{}
}

func NewProcess(pid int) *Process {
	return &Process{Pid: pid, done: make(chan struct{})}
}

// Finish records the exit code. Called once by the reaper goroutine.
func (p *Process) Finish(exitCode int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.exit = exitCode
	p.finished = true
	close(p.done)
}

// Status reports the exit code and whether the process has finished.
func (p *Process) Status() (exitCode int, finished bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit, p.finished
}

// Done is closed when the process exits.
func (p *Process) Done() <-chan struct{} { return p.done }
