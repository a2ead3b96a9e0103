package shmswitch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// writeTestCapture writes the given frames into a capture file.
func writeTestCapture(t *testing.T, path string, frames ...string) {
	filep, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer filep.Close()
	w := pcapgo.NewWriter(filep)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		t.Fatal(err)
	}
	for _, frame := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Now(),
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		if err := w.WritePacket(ci, []byte(frame)); err != nil {
			t.Fatal(err)
		}
	}
}

// readTestCapture returns the frames inside a capture file.
func readTestCapture(t *testing.T, path string) []string {
	filep, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer filep.Close()
	r, err := pcapgo.NewReader(filep)
	if err != nil {
		t.Fatal(err)
	}
	out := []string{}
	for {
		data, _, err := r.ReadPacketData()
		if err != nil {
			return out
		}
		out = append(out, string(data))
	}
}

// readAllFrames reads frames until the port has none.
func readAllFrames(t *testing.T, port Port, limit int) []string {
	out := []string{}
	for len(out) < limit {
		frame, err := port.ReadFrameNonblocking()
		if errors.Is(err, ErrNoPacket) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, string(frame.Payload))
	}
	return out
}

func TestDiscoverPCAPPorts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"port0.pcap", "port3.pcap", "port3.txq0.pcap", "port40.pcap", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "port5.pcap"), 0o700); err != nil {
		t.Fatal(err)
	}
	ids, err := DiscoverPCAPPorts(dir)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint8{0, 3}, ids); diff != "" {
		t.Fatal(diff)
	}
	if _, err := DiscoverPCAPPorts(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected an error")
	}
}

func TestPCAPPort(t *testing.T) {
	t.Run("the receive side replays the capture", func(t *testing.T) {
		dir := t.TempDir()
		writeTestCapture(t, filepath.Join(dir, PCAPRxFileName(1)), "first", "second")
		port, err := NewPCAPPort(&PCAPPortConfig{Dir: dir, ID: 1, Logger: log.Log})
		if err != nil {
			t.Fatal(err)
		}
		defer port.Close()
		got := readAllFrames(t, port, 10)
		if diff := cmp.Diff([]string{"first", "second"}, got); diff != "" {
			t.Fatal(diff)
		}
		if _, err := port.ReadFrameNonblocking(); !errors.Is(err, ErrNoPacket) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("the receive side may loop", func(t *testing.T) {
		dir := t.TempDir()
		writeTestCapture(t, filepath.Join(dir, PCAPRxFileName(0)), "a", "b")
		port, err := NewPCAPPort(&PCAPPortConfig{Dir: dir, ID: 0, Logger: log.Log, Loop: true})
		if err != nil {
			t.Fatal(err)
		}
		defer port.Close()
		got := readAllFrames(t, port, 5)
		if diff := cmp.Diff([]string{"a", "b", "a", "b", "a"}, got); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("the receive capture must exist unless we do not receive", func(t *testing.T) {
		dir := t.TempDir()
		if _, err := NewPCAPPort(&PCAPPortConfig{Dir: dir, ID: 0, Logger: log.Log}); err == nil {
			t.Fatal("expected an error")
		}
		port, err := NewPCAPPort(&PCAPPortConfig{Dir: dir, ID: 0, Logger: log.Log, NoRx: true})
		if err != nil {
			t.Fatal(err)
		}
		defer port.Close()
		if _, err := port.ReadFrameNonblocking(); !errors.Is(err, ErrNoPacket) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("each transmit queue writes its own capture", func(t *testing.T) {
		dir := t.TempDir()
		port, err := NewPCAPPort(&PCAPPortConfig{Dir: dir, ID: 2, Logger: log.Log, NoRx: true})
		if err != nil {
			t.Fatal(err)
		}
		for _, payload := range []string{"x", "y"} {
			if err := port.WriteFrame(0, NewFrame([]byte(payload))); err != nil {
				t.Fatal(err)
			}
		}
		if err := port.WriteFrame(1, NewFrame([]byte("z"))); err != nil {
			t.Fatal(err)
		}
		port.Close() // flushes the writers
		if err := port.WriteFrame(0, NewFrame(nil)); !errors.Is(err, ErrPortClosed) {
			t.Fatal("unexpected error", err)
		}

		got0 := readTestCapture(t, filepath.Join(dir, PCAPTxFileName(2, 0)))
		if diff := cmp.Diff([]string{"x", "y"}, got0); diff != "" {
			t.Fatal(diff)
		}
		got1 := readTestCapture(t, filepath.Join(dir, PCAPTxFileName(2, 1)))
		if diff := cmp.Diff([]string{"z"}, got1); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		if _, err := NewPCAPPort(&PCAPPortConfig{ID: MaxPorts, Logger: log.Log}); !errors.Is(err, ErrPCAPPortConfig) {
			t.Fatal("unexpected error", err)
		}
		if _, err := NewPCAPPort(&PCAPPortConfig{ID: 0}); !errors.Is(err, ErrPCAPPortConfig) {
			t.Fatal("unexpected error", err)
		}
	})
}
