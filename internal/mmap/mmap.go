// Package mmap wraps the memory-mapping syscalls used by the counter bank,
// the manifest, and the pool's heap file. The metadata log does not use it.
//
// All three components need the same thing: a file-backed byte slice that
// survives process restarts and can be synced to disk on demand. Centralizing
// that here keeps the syscall surface (and its platform assumptions) in one
// place instead of duplicated three times.
package mmap

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Map memory-maps the first size bytes of fd. The file must already be at
// least size bytes long (callers truncate/grow it first). If writable is
// false the mapping is read-only; writes to it will fault.
func Map(fd int, size int, writable bool) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mmap: size must be > 0, got %d", size)
	}

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(fd, 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}

	return data, nil
}

// Unmap releases a mapping created by Map.
func Unmap(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}

	return nil
}

// Sync flushes dirty pages of a mapping to the backing file (msync).
// Callers use this instead of File.Sync when only the mmap'd region needs
// to be made durable, without a separate syscall to reach the file.
func Sync(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if err := unix.Msync(data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}

	return nil
}

// Advise hints the kernel about expected access patterns (madvise). No
// package in this module calls it at present.
func Advise(data []byte, advice int) error {
	if len(data) == 0 {
		return nil
	}

	if err := unix.Madvise(data, advice); err != nil {
		return fmt.Errorf("madvise: %w", err)
	}

	return nil
}
