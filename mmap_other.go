//go:build !unix

package shmswitch

//
// Shared mappings (unsupported systems)
//

import (
	"errors"
	"os"
)

// errUnsupportedPlatform indicates that this system lacks the required primitives.
var errUnsupportedPlatform = errors.New("shmswitch: unsupported platform")

func mapSharedFile(filep *os.File, size int) ([]byte, error) {
	return nil, errUnsupportedPlatform
}

func unmapSharedMemory(mem []byte) error {
	return nil
}

func makeFIFO(path string) error {
	return errUnsupportedPlatform
}

func openFIFOWriter(path string) (int, error) {
	return -1, errUnsupportedPlatform
}

func writeFIFOToken(fd int, token []byte) error {
	return errUnsupportedPlatform
}

func closeFIFOWriter(fd int) error {
	return nil
}

func openFIFOReader(path string) (*os.File, error) {
	return nil, errUnsupportedPlatform
}
