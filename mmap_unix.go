//go:build unix

package shmswitch

//
// Shared mappings (unix)
//

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapSharedFile maps size bytes of the given file with MAP_SHARED.
func mapSharedFile(filep *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(filep.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// unmapSharedMemory undoes [mapSharedFile].
func unmapSharedMemory(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}

// makeFIFO creates a named pipe at path.
func makeFIFO(path string) error {
	return unix.Mkfifo(path, 0o666)
}

// openFIFOWriter opens the writing end of a named pipe such that writing
// never blocks. We open for reading and writing so that the open itself
// does not block waiting for a reader to show up.
func openFIFOWriter(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
}

// writeFIFOToken writes a token to the FIFO. A full pipe is not an error
// because the reader already has pending tokens to consume.
func writeFIFOToken(fd int, token []byte) error {
	_, err := unix.Write(fd, token)
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// closeFIFOWriter closes the descriptor returned by [openFIFOWriter].
func closeFIFOWriter(fd int) error {
	return unix.Close(fd)
}

// openFIFOReader opens the reading end of a named pipe without waiting for
// a writer. The returned file uses the runtime poller, so reads honor
// read deadlines.
func openFIFOReader(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0)
}
