package procmgr

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// DefaultSignals are the signals that stop the supervisor when none are
// configured: the ones whose default disposition would otherwise terminate
// the supervisor and orphan its workers.
//
// SIGPIPE is left alone so a write to a dead worker's channel surfaces as an
// error. SIGTTIN and SIGTTOU are left alone so a backgrounded supervisor
// keeps running.
var DefaultSignals = []os.Signal{
	unix.SIGINT,
	unix.SIGTERM,
	unix.SIGQUIT,
	unix.SIGABRT,
	unix.SIGTSTP,
	unix.SIGXCPU,
	unix.SIGXFSZ,
	unix.SIGALRM,
	unix.SIGVTALRM,
	unix.SIGUSR2,
}

// ParseSignal resolves a signal name ("SIGTERM", "term") or number ("15").
// SIGKILL and SIGSTOP are rejected since they cannot be caught.
func ParseSignal(name string) (syscall.Signal, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, NewConfigurationError("signals", name, "empty signal name")
	}

	var sig syscall.Signal
	if n, err := strconv.Atoi(name); err == nil {
		sig = syscall.Signal(n)
		if unix.SignalName(sig) == "" {
			return 0, NewConfigurationError("signals", name, fmt.Sprintf("unknown signal number %d", n))
		}
	} else {
		upper := strings.ToUpper(name)
		if !strings.HasPrefix(upper, "SIG") {
			upper = "SIG" + upper
		}
		sig = unix.SignalNum(upper)
		if sig == 0 {
			return 0, NewConfigurationError("signals", name, "unknown signal name")
		}
	}

	if sig == unix.SIGKILL || sig == unix.SIGSTOP {
		return 0, NewConfigurationError("signals", name, "signal cannot be caught")
	}
	return sig, nil
}

// ParseSignals resolves a list of signal names. Duplicates are dropped.
func ParseSignals(names []string) ([]os.Signal, error) {
	seen := make(map[syscall.Signal]bool, len(names))
	signals := make([]os.Signal, 0, len(names))
	for _, name := range names {
		sig, err := ParseSignal(name)
		if err != nil {
			return nil, err
		}
		if seen[sig] {
			continue
		}
		seen[sig] = true
		signals = append(signals, sig)
	}
	return signals, nil
}
