//go:build windows

package daemon

import "os"

// processSignal is always "none" on Windows: there is no POSIX signal
// delivery, termination is always Kill (see signal_unix.go).
func processSignal(state *os.ProcessState) (string, bool) {
	return "", false
}
