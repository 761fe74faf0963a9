package vm

import (
	"os"
	"syscall"
)

var signalTerm os.Signal = syscall.SIGTERM
