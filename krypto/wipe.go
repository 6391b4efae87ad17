package krypto

import "runtime"

// Wipe overwrites buf's contents with zeros before the caller drops its last
// reference. runtime.KeepAlive prevents the compiler from treating the
// writes as dead stores when buf itself goes unused afterward.
func Wipe(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	runtime.KeepAlive(buf)
}
