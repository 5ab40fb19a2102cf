//go:build !unix

package shm

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("shm: shared memory mapping not supported on this platform")

func mmapFile(file *os.File, size int, writable bool) ([]byte, error) {
	return nil, errUnsupported
}

func munmap(mem []byte) error { return nil }
