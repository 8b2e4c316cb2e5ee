//go:build unix

package signals

import (
	"os"
	"syscall"
)

var defaultSignals = []os.Signal{syscall.SIGCONT, syscall.SIGUSR1}
