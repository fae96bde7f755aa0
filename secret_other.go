//go:build !unix

package tds

// lockSecretPages is a no-op on platforms without an mlock/munlock
// equivalent wired up here: the outbound buffer is simply not pinned
// against swap.
func lockSecretPages(b []byte) (unlock func(), ok bool) {
	return func() {}, false
}
