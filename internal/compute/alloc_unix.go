//go:build unix

package compute

import "golang.org/x/sys/unix"

func allocBlock(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func freeBlock(data []byte) error {
	return unix.Munmap(data)
}
