package shmswitch

//
// Distribution policy
//

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// DistributionPolicy chooses the client that receives a frame. Implementations
// MUST be deterministic and MUST return a value in [0, numClients).
type DistributionPolicy interface {
	SelectClient(port uint8, payload []byte, numClients int) int
}

// ErrPolicy indicates an unknown distribution policy.
var ErrPolicy = errors.New("shmswitch: unknown distribution policy")

// NewDistributionPolicy returns the policy with the given name. The
// empty name selects the [FlowHashPolicy].
func NewDistributionPolicy(name string) (DistributionPolicy, error) {
	switch name {
	case "", "flow":
		return NewFlowHashPolicy(), nil
	case "port":
		return &PortAffinityPolicy{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrPolicy, name)
	}
}

// PortAffinityPolicy sends all the frames of a port to the same client.
type PortAffinityPolicy struct{}

var _ DistributionPolicy = &PortAffinityPolicy{}

// SelectClient implements DistributionPolicy
func (p *PortAffinityPolicy) SelectClient(port uint8, payload []byte, numClients int) int {
	if numClients <= 1 {
		return 0
	}
	return int(port) % numClients
}

// FlowHashPolicy sends all the frames of a flow, in both directions, to the
// same client. It decodes Ethernet (with optional 802.1Q tags), IPv4 or
// IPv6, and TCP or UDP, and hashes the network and transport endpoints.
// Frames without a network layer are hashed by link endpoints and frames
// we cannot decode at all go by input port.
//
// This struct reuses its decoding buffers and is not goroutine safe. The
// zero value is invalid; use [NewFlowHashPolicy] to construct.
type FlowHashPolicy struct {
	decoded []gopacket.LayerType
	dot1q   layers.Dot1Q
	eth     layers.Ethernet
	ip4     layers.IPv4
	ip6     layers.IPv6
	parser  *gopacket.DecodingLayerParser
	tcp     layers.TCP
	udp     layers.UDP
}

var _ DistributionPolicy = &FlowHashPolicy{}

// NewFlowHashPolicy creates a new [FlowHashPolicy].
func NewFlowHashPolicy() *FlowHashPolicy {
	p := &FlowHashPolicy{
		decoded: make([]gopacket.LayerType, 0, 8),
	}
	p.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&p.eth,
		&p.dot1q,
		&p.ip4,
		&p.ip6,
		&p.tcp,
		&p.udp,
	)
	p.parser.IgnoreUnsupported = true
	return p
}

// SelectClient implements DistributionPolicy
func (p *FlowHashPolicy) SelectClient(port uint8, payload []byte, numClients int) int {
	if numClients <= 1 {
		return 0
	}
	return int(p.FlowHash(port, payload) % uint64(numClients))
}

// FlowHash returns the symmetric hash of the flow the frame belongs to.
func (p *FlowHashPolicy) FlowHash(port uint8, payload []byte) uint64 {
	// a truncated frame still gives us the layers decoded so far
	_ = p.parser.DecodeLayers(payload, &p.decoded)

	var (
		link, network, transport          gopacket.Flow
		hasLink, hasNetwork, hasTransport bool
	)
	for _, lt := range p.decoded {
		switch lt {
		case layers.LayerTypeEthernet:
			link, hasLink = p.eth.LinkFlow(), true
		case layers.LayerTypeIPv4:
			network, hasNetwork = p.ip4.NetworkFlow(), true
		case layers.LayerTypeIPv6:
			network, hasNetwork = p.ip6.NetworkFlow(), true
		case layers.LayerTypeTCP:
			transport, hasTransport = p.tcp.TransportFlow(), true
		case layers.LayerTypeUDP:
			transport, hasTransport = p.udp.TransportFlow(), true
		}
	}

	switch {
	case hasNetwork && hasTransport:
		// both hashes are symmetric, so is their combination
		return network.FastHash()*fnvPrime64 ^ transport.FastHash()
	case hasNetwork:
		return network.FastHash()
	case hasLink:
		return link.FastHash()
	default:
		return uint64(port)
	}
}

// fnvPrime64 is the 64-bit FNV prime.
const fnvPrime64 = 1099511628211
