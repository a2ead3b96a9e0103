package shmswitch

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMemPort(t *testing.T) {
	t.Run("frames are read in the order we inject them", func(t *testing.T) {
		port := NewMemPort(3, 0)
		if port.ID() != 3 {
			t.Fatal("unexpected ID", port.ID())
		}
		if _, err := port.ReadFrameNonblocking(); !errors.Is(err, ErrNoPacket) {
			t.Fatal("unexpected error", err)
		}
		payload := []byte("abc")
		port.InjectFrame(payload)
		port.InjectFrame([]byte("def"))
		payload[0] = 'x' // the port owns a copy
		if port.Pending() != 2 {
			t.Fatal("unexpected pending", port.Pending())
		}
		got := []string{}
		for {
			frame, err := port.ReadFrameNonblocking()
			if errors.Is(err, ErrNoPacket) {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, string(frame.Payload))
		}
		if diff := cmp.Diff([]string{"abc", "def"}, got); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("transmit queues are independent and bounded", func(t *testing.T) {
		port := NewMemPort(0, 2)
		frame := NewFrame([]byte("frame"))
		for idx := 0; idx < 2; idx++ {
			if err := port.WriteFrame(0, frame); err != nil {
				t.Fatal(err)
			}
		}
		if err := port.WriteFrame(0, frame); !errors.Is(err, ErrPacketDropped) {
			t.Fatal("unexpected error", err)
		}
		if err := port.WriteFrame(1, frame); err != nil {
			t.Fatal(err)
		}
		frame.Payload[0] = 'F' // the port owns a copy
		if port.TransmittedCount(0) != 2 || port.TransmittedCount(1) != 1 {
			t.Fatal("unexpected counts")
		}
		out := port.Transmitted(0)
		if len(out) != 2 || string(out[0].Payload) != "frame" {
			t.Fatal("unexpected frames", out)
		}
		if port.TransmittedCount(0) != 0 || port.Transmitted(7) != nil {
			t.Fatal("Transmitted did not drain")
		}
	})

	t.Run("a closed port refuses everything", func(t *testing.T) {
		port := NewMemPort(0, 0)
		port.Close()
		if _, err := port.ReadFrameNonblocking(); !errors.Is(err, ErrPortClosed) {
			t.Fatal("unexpected error", err)
		}
		if err := port.WriteFrame(0, NewFrame(nil)); !errors.Is(err, ErrPortClosed) {
			t.Fatal("unexpected error", err)
		}
		if err := port.InjectFrame(nil); !errors.Is(err, ErrPortClosed) {
			t.Fatal("unexpected error", err)
		}
	})
}
