//go:build unix

package tds

import "golang.org/x/sys/unix"

// lockSecretPages pins b's backing pages so the OS never writes
// decrypted secret material (a login password, typically) to a swap
// device. Best-effort: a permission-denied mlock is not fatal, since
// many deployment environments run the process without CAP_IPC_LOCK.
func lockSecretPages(b []byte) (unlock func(), ok bool) {
	if len(b) == 0 {
		return func() {}, true
	}
	if err := unix.Mlock(b); err != nil {
		return func() {}, false
	}
	return func() { _ = unix.Munlock(b) }, true
}
