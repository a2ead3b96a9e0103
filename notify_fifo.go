package shmswitch

//
// Named-pipe notify channel
//

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fifoToken is what the server writes to wake a client.
var fifoToken = []byte("wakeup\n")

// waitSlice bounds each blocking wait so that a waiting client notices
// when its context is done.
const waitSlice = 100 * time.Millisecond

// fifoChannel is the named-pipe [NotifyChannel]. The server owns the pipe
// and keeps it open for reading and writing, which makes writes nonblocking
// and keeps readers from seeing EOF while the server lives.
type fifoChannel struct {
	*sharedState

	// buf is the client read buffer.
	buf [128]byte

	// closeOnce provides "once" semantics for close.
	closeOnce sync.Once

	// path is the path of the pipe.
	path string

	// reader is the client end of the pipe.
	reader *os.File

	// wfd is the server end of the pipe or -1.
	wfd int
}

var _ NotifyChannel = &fifoChannel{}

// createFIFOChannel creates the pipe and the state word of the given client.
func createFIFOChannel(env *Env, id int) (*fifoChannel, error) {
	path := filepath.Join(env.Dir, ClientFIFOName(id))
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("shmswitch: cannot remove stale fifo %s: %w", path, err)
	}
	if err := makeFIFO(path); err != nil {
		return nil, fmt.Errorf("shmswitch: cannot create fifo %s: %w", path, err)
	}
	wfd, err := openFIFOWriter(path)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("shmswitch: cannot open fifo %s: %w", path, err)
	}
	state, err := createSharedState(env, id)
	if err != nil {
		closeFIFOWriter(wfd)
		os.Remove(path)
		return nil, err
	}
	fc := &fifoChannel{
		sharedState: state,
		path:        path,
		wfd:         wfd,
	}
	return fc, nil
}

// attachFIFOChannel opens the pipe and the state word of the given client.
func attachFIFOChannel(env *Env, id int) (*fifoChannel, error) {
	path := filepath.Join(env.Dir, ClientFIFOName(id))
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRegionNotFound, ClientFIFOName(id))
	}
	if info.Mode()&fs.ModeNamedPipe == 0 {
		return nil, fmt.Errorf("%w: %s: not a named pipe", ErrRegionLayout, ClientFIFOName(id))
	}
	reader, err := openFIFOReader(path)
	if err != nil {
		return nil, fmt.Errorf("shmswitch: cannot open fifo %s: %w", path, err)
	}
	state, err := attachSharedState(env, id)
	if err != nil {
		reader.Close()
		return nil, err
	}
	fc := &fifoChannel{
		sharedState: state,
		path:        path,
		reader:      reader,
		wfd:         -1,
	}
	return fc, nil
}

// WaitForWake implements NotifyChannel
func (fc *fifoChannel) WaitForWake(ctx context.Context) error {
	if fc.reader == nil {
		return errors.New("shmswitch: WaitForWake called on the server end")
	}
	fc.block()
	defer fc.resume()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = fc.reader.SetReadDeadline(time.Now().Add(waitSlice))
		count, err := fc.reader.Read(fc.buf[:])
		if count > 0 {
			return nil // coalesce all the tokens we read into one wakeup
		}
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			continue
		case errors.Is(err, io.EOF):
			return ErrPeerGone
		case err != nil:
			return err
		}
	}
}

// Signal implements NotifyChannel
func (fc *fifoChannel) Signal() (bool, error) {
	if !fc.claim() {
		return false, nil
	}
	if err := writeFIFOToken(fc.wfd, fifoToken); err != nil {
		return true, err
	}
	return true, nil
}

// Mode implements NotifyChannel
func (fc *fifoChannel) Mode() NotifyMode {
	return NotifyFIFO
}

// Close implements NotifyChannel
func (fc *fifoChannel) Close() (err error) {
	fc.closeOnce.Do(func() {
		if fc.reader != nil {
			fc.reader.Close()
		}
		if fc.wfd >= 0 {
			closeFIFOWriter(fc.wfd)
			os.Remove(fc.path)
		}
		err = fc.sharedState.close()
	})
	return
}
