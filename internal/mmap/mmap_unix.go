//go:build !windows

package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

func mapFile(f *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
}

func unmapFile(data []byte) error {
	return unix.Munmap(data)
}

func advise(data []byte, pattern AccessPattern) error {
	switch pattern {
	case AccessSequential:
		return unix.Madvise(data, unix.MADV_SEQUENTIAL)
	case AccessRandom:
		return unix.Madvise(data, unix.MADV_RANDOM)
	default:
		return unix.Madvise(data, unix.MADV_NORMAL)
	}
}
