//go:build unix

package rpcserver

import "golang.org/x/sys/unix"

func umask(mask int) int {
	return unix.Umask(mask)
}

func restoreUmask(old int) {
	unix.Umask(old)
}
