package shmswitch_test

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/bassosimone/shmswitch"
	"github.com/bassosimone/shmswitch/internal"
)

// This example runs a switch with one port and two forwarding clients
// inside the same process and counts the frames that come back out.
func Example_localTopology() {
	dir, err := os.MkdirTemp("", "shmswitch-example-")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	env, err := shmswitch.NewEnv(dir, &internal.NullLogger{})
	if err != nil {
		log.Fatal(err)
	}

	topology, err := shmswitch.NewLocalTopology(&shmswitch.LocalTopologyConfig{
		Disposition:    shmswitch.DispositionForward,
		Env:            env,
		MbufsPerClient: 64,
		MbufsPerPort:   64,
		NotifyMode:     shmswitch.NotifyFlag,
		NumClients:     2,
		PortIDs:        []uint8{0},
		RingSize:       256,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer topology.Close()

	const numFrames = 10
	for idx := 0; idx < numFrames; idx++ {
		frame, err := shmswitch.NewUDPFrame(&shmswitch.UDPFrameConfig{
			SrcMAC:  net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:  net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
			SrcIP:   net.IPv4(10, 0, 0, 1),
			DstIP:   net.IPv4(10, 0, 0, 2),
			SrcPort: uint16(5000 + idx),
			DstPort: 53,
			Payload: []byte("hello"),
		})
		if err != nil {
			log.Fatal(err)
		}
		topology.Ports[0].InjectFrame(frame)
	}
	topology.Start(context.Background())

	port := topology.Ports[0]
	count := 0
	deadline := time.Now().Add(10 * time.Second)
	for count < numFrames && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
		count = port.TransmittedCount(0) + port.TransmittedCount(1)
	}
	fmt.Printf("transmitted %d frames\n", count)
	// Output: transmitted 10 frames
}
