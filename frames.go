package shmswitch

//
// Synthetic frames
//

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// UDPFrameConfig describes a synthetic Ethernet/IPv4/UDP frame.
type UDPFrameConfig struct {
	// SrcMAC is the source MAC address.
	SrcMAC net.HardwareAddr

	// DstMAC is the destination MAC address.
	DstMAC net.HardwareAddr

	// SrcIP is the source IPv4 address.
	SrcIP net.IP

	// DstIP is the destination IPv4 address.
	DstIP net.IP

	// SrcPort is the source UDP port.
	SrcPort uint16

	// DstPort is the destination UDP port.
	DstPort uint16

	// Payload is the UDP payload.
	Payload []byte
}

// NewUDPFrame serializes the frame described by config, computing lengths
// and checksums. We use these frames to feed emulated ports.
func NewUDPFrame(config *UDPFrameConfig) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       config.SrcMAC,
		DstMAC:       config.DstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    config.SrcIP.To4(),
		DstIP:    config.DstIP.To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(config.SrcPort),
		DstPort: layers.UDPPort(config.DstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(config.Payload))
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
