//go:build !unix

package signals

import "os"

var defaultSignals []os.Signal
