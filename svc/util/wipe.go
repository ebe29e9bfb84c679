package util

import "runtime"

// Wipe zeroes key material once it is no longer needed. Several buffers may
// be cleared in one call.
func Wipe(bufs ...[]byte) {
	for _, b := range bufs {
		clear(b)
		runtime.KeepAlive(b)
	}
}
