//go:build unix || linux || darwin

// flock(2) plumbing behind device.lockFile/unlockFile.
package sectordb

import (
	"os"
	"syscall"
)

func osLock(f *os.File, mode LockMode) error {
	op := syscall.LOCK_SH
	if mode == LockExclusive {
		op = syscall.LOCK_EX
	}
	// Blocking flock — no LOCK_NB, so the call waits for the lock.
	return syscall.Flock(int(f.Fd()), op)
}

func osUnlock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
