package shmswitch

//
// PCAP-backed port
//

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PCAPRxFileName returns the name of the capture replayed on the receive side of a port.
func PCAPRxFileName(id uint8) string {
	return fmt.Sprintf("port%d.pcap", id)
}

// PCAPTxFileName returns the name of the capture written by a transmit queue of a port.
func PCAPTxFileName(id uint8, txq uint16) string {
	return fmt.Sprintf("port%d.txq%d.pcap", id, txq)
}

// pcapRxFilePattern matches the names returned by [PCAPRxFileName].
var pcapRxFilePattern = regexp.MustCompile(`^port(\d+)\.pcap$`)

// DiscoverPCAPPorts returns the sorted IDs of the ports having a receive
// capture inside dir. These are the ports available to the server.
func DiscoverPCAPPorts(dir string) ([]uint8, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := []uint8{}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		match := pcapRxFilePattern.FindStringSubmatch(entry.Name())
		if len(match) != 2 {
			continue
		}
		id, err := strconv.Atoi(match[1])
		if err != nil || id >= MaxPorts {
			continue
		}
		out = append(out, uint8(id))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i] < out[j]
	})
	return out, nil
}

// PCAPPortConfig contains config for [NewPCAPPort].
type PCAPPortConfig struct {
	// Dir is the directory containing the captures.
	Dir string

	// ID is the port ID.
	ID uint8

	// Logger is the logger to use.
	Logger Logger

	// Loop indicates that the receive side starts over at the end of the capture.
	Loop bool

	// NoRx disables the receive side, which is what clients want.
	NoRx bool
}

// PCAPPort is a [Port] whose receive side replays a capture file and
// whose transmit side writes a capture file per transmit queue. Each
// transmit queue has a background writer goroutine. The zero value is
// invalid; use [NewPCAPPort] to construct.
type PCAPPort struct {
	// closed indicates that Close was called.
	closed bool

	// config is the config.
	config *PCAPPortConfig

	// mu provides mutual exclusion.
	mu sync.Mutex

	// rxFile is the POSSIBLY NIL receive capture.
	rxFile *os.File

	// rxReader reads from rxFile.
	rxReader *pcapgo.Reader

	// writers contains the transmit queue writers.
	writers map[uint16]*pcapTxWriter
}

var _ Port = &PCAPPort{}

// ErrPCAPPortConfig indicates an invalid [PCAPPortConfig].
var ErrPCAPPortConfig = errors.New("shmswitch: invalid PCAP port config")

// NewPCAPPort creates a new [PCAPPort].
func NewPCAPPort(config *PCAPPortConfig) (*PCAPPort, error) {
	if config.Logger == nil || int(config.ID) >= MaxPorts {
		return nil, ErrPCAPPortConfig
	}
	pp := &PCAPPort{
		closed:   false,
		config:   config,
		mu:       sync.Mutex{},
		rxFile:   nil,
		rxReader: nil,
		writers:  map[uint16]*pcapTxWriter{},
	}
	if !config.NoRx {
		if err := pp.openRx(); err != nil {
			return nil, err
		}
	}
	return pp, nil
}

// openRx opens or reopens the receive capture.
func (pp *PCAPPort) openRx() error {
	if pp.rxFile != nil {
		pp.rxFile.Close()
		pp.rxFile, pp.rxReader = nil, nil
	}
	filep, err := os.Open(filepath.Join(pp.config.Dir, PCAPRxFileName(pp.config.ID)))
	if err != nil {
		return err
	}
	reader, err := pcapgo.NewReader(filep)
	if err != nil {
		filep.Close()
		return err
	}
	pp.rxFile, pp.rxReader = filep, reader
	return nil
}

// ID implements Port
func (pp *PCAPPort) ID() uint8 {
	return pp.config.ID
}

// ReadFrameNonblocking implements Port
func (pp *PCAPPort) ReadFrameNonblocking() (*Frame, error) {
	defer pp.mu.Unlock()
	pp.mu.Lock()
	if pp.closed {
		return nil, ErrPortClosed
	}
	if pp.rxReader == nil {
		return nil, ErrNoPacket
	}
	data, _, err := pp.rxReader.ReadPacketData()
	if errors.Is(err, io.EOF) && pp.config.Loop {
		if err := pp.openRx(); err != nil {
			pp.config.Logger.Warnf("shmswitch: port%d: cannot rewind capture: %s", pp.config.ID, err.Error())
			return nil, ErrNoPacket
		}
		data, _, err = pp.rxReader.ReadPacketData()
	}
	if err != nil {
		if !errors.Is(err, io.EOF) {
			pp.config.Logger.Warnf("shmswitch: port%d: cannot read capture: %s", pp.config.ID, err.Error())
		}
		pp.rxFile.Close()
		pp.rxFile, pp.rxReader = nil, nil
		return nil, ErrNoPacket
	}
	return NewFrame(data), nil
}

// WriteFrame implements Port
func (pp *PCAPPort) WriteFrame(txq uint16, frame *Frame) error {
	defer pp.mu.Unlock()
	pp.mu.Lock()
	if pp.closed {
		return ErrPortClosed
	}
	w := pp.writers[txq]
	if w == nil {
		filename := filepath.Join(pp.config.Dir, PCAPTxFileName(pp.config.ID, txq))
		w = newPCAPTxWriter(filename, pp.config.Logger)
		pp.writers[txq] = w
	}
	return w.deliver(frame.Payload)
}

// Close implements Port
func (pp *PCAPPort) Close() error {
	pp.mu.Lock()
	if pp.closed {
		pp.mu.Unlock()
		return nil
	}
	pp.closed = true
	if pp.rxFile != nil {
		pp.rxFile.Close()
		pp.rxFile, pp.rxReader = nil, nil
	}
	writers := pp.writers
	pp.writers = nil
	pp.mu.Unlock()

	// wait for the writers outside of the lock
	for _, w := range writers {
		w.close()
	}
	return nil
}

// pcapTxWriter writes the frames of a transmit queue into a capture file.
type pcapTxWriter struct {
	// joined is closed when the background goroutine has terminated.
	joined chan any

	// logger is the logger to use.
	logger Logger

	// pic is the channel where we post frames to write.
	pic chan []byte
}

// pcapTxQueueLength is the number of frames a transmit queue buffers.
const pcapTxQueueLength = 4096

// newPCAPTxWriter creates the writer and starts its background goroutine.
func newPCAPTxWriter(filename string, logger Logger) *pcapTxWriter {
	w := &pcapTxWriter{
		joined: make(chan any),
		logger: logger,
		pic:    make(chan []byte, pcapTxQueueLength),
	}
	go w.loop(filename)
	return w
}

// deliver posts a copy of the payload to the background writer. A full
// queue is what a busy NIC does when its transmit ring is full.
func (w *pcapTxWriter) deliver(payload []byte) error {
	select {
	case w.pic <- append([]byte{}, payload...):
		return nil
	default:
		return ErrPacketDropped
	}
}

// loop writes frames until the channel is closed.
func (w *pcapTxWriter) loop(filename string) {
	// synchronize with parent
	defer close(w.joined)

	filep, err := os.Create(filename)
	if err != nil {
		w.logger.Warnf("shmswitch: pcapTxWriter: os.Create: %s", err.Error())
		for range w.pic {
			// drain so that close does not hang
		}
		return
	}
	defer func() {
		if err := filep.Close(); err != nil {
			w.logger.Warnf("shmswitch: pcapTxWriter: filep.Close: %s", err.Error())
		}
	}()

	pw := pcapgo.NewWriter(filep)
	const largeSnapLen = 262144
	if err := pw.WriteFileHeader(largeSnapLen, layers.LinkTypeEthernet); err != nil {
		w.logger.Warnf("shmswitch: pcapTxWriter: WriteFileHeader: %s", err.Error())
		for range w.pic {
		}
		return
	}

	for payload := range w.pic {
		ci := gopacket.CaptureInfo{
			Timestamp:      time.Now(),
			CaptureLength:  len(payload),
			Length:         len(payload),
			InterfaceIndex: 0,
			AncillaryData:  []interface{}{},
		}
		if err := pw.WritePacket(ci, payload); err != nil {
			w.logger.Warnf("shmswitch: pcapTxWriter: WritePacket: %s", err.Error())
			// fallthrough
		}
	}
}

// close flushes the pending frames and waits for the background goroutine.
func (w *pcapTxWriter) close() {
	close(w.pic)
	<-w.joined
}
