package procattr

import (
	"os"
	"syscall"
	"time"
)

// SignalGroup delivers sig to every process in p's group (negative pid).
// A nil process is ignored.
func SignalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	return syscall.Kill(-p.Pid, sig)
}

// KillGroup sends SIGKILL to p's process group.
func KillGroup(p *os.Process) error {
	return SignalGroup(p, syscall.SIGKILL)
}

// Step is one rung of a shutdown escalation: send Signal, then give the
// process Wait to exit before moving on.
type Step struct {
	Signal syscall.Signal
	Wait   time.Duration
}

// Interrupt is the app-server shutdown ladder, used after stdin is closed.
var Interrupt = []Step{
	{Signal: syscall.SIGINT, Wait: 500 * time.Millisecond},
	{Signal: syscall.SIGKILL, Wait: 200 * time.Millisecond},
}

// Terminate is the one-shot exec shutdown ladder.
var Terminate = []Step{
	{Signal: syscall.SIGTERM, Wait: 500 * time.Millisecond},
	{Signal: syscall.SIGKILL, Wait: 100 * time.Millisecond},
}

// Escalate walks steps until exited is closed. grace is how long to wait
// before the first signal (zero signals immediately). It reports whether the
// process was observed to exit.
func Escalate(p *os.Process, exited <-chan struct{}, grace time.Duration, steps []Step) bool {
	if grace > 0 && waitFor(exited, grace) {
		return true
	}
	for _, step := range steps {
		select {
		case <-exited:
			return true
		default:
		}
		_ = SignalGroup(p, step.Signal)
		if waitFor(exited, step.Wait) {
			return true
		}
	}
	return false
}

func waitFor(exited <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-exited:
		return true
	case <-t.C:
		return false
	}
}
