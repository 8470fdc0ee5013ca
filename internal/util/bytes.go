package util

// Wipe zeroes each buffer in place. Go may already have copied the
// contents elsewhere, so this only limits how long a secret lingers.
func Wipe(bufs ...[]byte) {
	for _, b := range bufs {
		clear(b)
	}
}
