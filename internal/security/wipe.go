package security

// Wipe zeroes each buffer. Passwords, decrypted key material and
// keyboard-interactive answers go through here once they are on the wire.
func Wipe(bufs ...[]byte) {
	for _, b := range bufs {
		clear(b)
	}
}
