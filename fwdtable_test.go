package shmswitch

import (
	"errors"
	"testing"
)

func TestForwardingTable(t *testing.T) {
	type testcase struct {
		name   string
		kind   TableKind
		ids    []uint8
		expect map[uint8]uint8
	}
	cases := []testcase{{
		name:   "loopback",
		kind:   TableLoopback,
		ids:    []uint8{0, 1, 5},
		expect: map[uint8]uint8{0: 0, 1: 1, 5: 5, 7: 7},
	}, {
		name:   "paired with an even number of ports",
		kind:   TablePaired,
		ids:    []uint8{0, 1, 4, 6},
		expect: map[uint8]uint8{0: 1, 1: 0, 4: 6, 6: 4, 2: 2},
	}, {
		name:   "paired with an odd number of ports",
		kind:   TablePaired,
		ids:    []uint8{2, 3, 9},
		expect: map[uint8]uint8{2: 3, 3: 2, 9: 9},
	}, {
		name:   "paired with a single port",
		kind:   TablePaired,
		ids:    []uint8{0},
		expect: map[uint8]uint8{0: 0},
	}}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			table, err := NewForwardingTable(tc.kind, tc.ids)
			if err != nil {
				t.Fatal(err)
			}
			for in, out := range tc.expect {
				if got := table.Output(in); got != out {
					t.Fatal("port", in, "expected", out, "got", got)
				}
			}
			if table.Output(MaxPorts+1) != MaxPorts+1 {
				t.Fatal("out of range ports should map to themselves")
			}
		})
	}

	t.Run("errors", func(t *testing.T) {
		if _, err := NewForwardingTable(TableLoopback, nil); !errors.Is(err, ErrNoPorts) {
			t.Fatal("unexpected error", err)
		}
		if _, err := NewForwardingTable(TableKind(42), []uint8{0}); !errors.Is(err, ErrTableKind) {
			t.Fatal("unexpected error", err)
		}
	})
}

func TestParseTableKind(t *testing.T) {
	for _, kind := range []TableKind{TableLoopback, TablePaired} {
		got, err := ParseTableKind(kind.String())
		if err != nil || got != kind {
			t.Fatal("cannot parse", kind, err)
		}
	}
	if _, err := ParseTableKind("mesh"); !errors.Is(err, ErrTableKind) {
		t.Fatal("unexpected error", err)
	}
}
