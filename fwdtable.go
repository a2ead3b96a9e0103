package shmswitch

//
// Port-to-port forwarding table
//

import (
	"errors"
	"fmt"
)

// TableKind selects how the forwarding table pairs ports.
type TableKind int

const (
	// TableLoopback sends the traffic of each port out of the same port.
	TableLoopback = TableKind(iota)

	// TablePaired pairs consecutive active ports.
	TablePaired
)

// String implements fmt.Stringer
func (k TableKind) String() string {
	switch k {
	case TablePaired:
		return "paired"
	default:
		return "loopback"
	}
}

// ErrTableKind indicates an unknown forwarding table kind.
var ErrTableKind = errors.New("shmswitch: unknown forwarding table kind")

// ParseTableKind parses the name of a [TableKind].
func ParseTableKind(name string) (TableKind, error) {
	switch name {
	case "", "loopback":
		return TableLoopback, nil
	case "paired":
		return TablePaired, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrTableKind, name)
	}
}

// ForwardingTable maps each input port to an output port. It is computed
// once from the active ports and then only read. Inactive ports map to
// themselves.
type ForwardingTable struct {
	out [MaxPorts]uint8
}

// NewForwardingTable computes the table of the given kind.
func NewForwardingTable(kind TableKind, ids []uint8) (*ForwardingTable, error) {
	switch kind {
	case TableLoopback:
		return NewLoopbackTable(ids)
	case TablePaired:
		return NewPairedTable(ids)
	default:
		return nil, fmt.Errorf("%w: %d", ErrTableKind, kind)
	}
}

// newIdentityTable returns a table where each port maps to itself.
func newIdentityTable(ids []uint8) (*ForwardingTable, error) {
	if err := validatePortIDs(ids); err != nil {
		return nil, err
	}
	t := &ForwardingTable{}
	for idx := range t.out {
		t.out[idx] = uint8(idx)
	}
	return t, nil
}

// NewLoopbackTable returns a table sending all the traffic of a port
// out of the same port.
func NewLoopbackTable(ids []uint8) (*ForwardingTable, error) {
	return newIdentityTable(ids)
}

// NewPairedTable returns a table where the first and second active ports
// forward to each other, the third and the fourth, and so on. With an
// odd number of ports, the last port forwards to itself.
func NewPairedTable(ids []uint8) (*ForwardingTable, error) {
	t, err := newIdentityTable(ids)
	if err != nil {
		return nil, err
	}
	for idx := 0; idx+1 < len(ids); idx += 2 {
		t.out[ids[idx]] = ids[idx+1]
		t.out[ids[idx+1]] = ids[idx]
	}
	return t, nil
}

// Output returns the output port for frames received on port in.
func (t *ForwardingTable) Output(in uint8) uint8 {
	if in >= MaxPorts {
		return in
	}
	return t.out[in]
}
