package deploy

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParsePortMask(t *testing.T) {
	type testcase struct {
		input  string
		expect uint32
		err    error
	}
	cases := []testcase{
		{"3", 3, nil},
		{"0x3", 3, nil},
		{"0XfF", 255, nil},
		{"ffffffff", 0xffffffff, nil},
		{"0", 0, ErrPortMask},
		{"", 0, ErrPortMask},
		{"xyz", 0, ErrPortMask},
		{"1ffffffff", 0, ErrPortMask},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			mask, err := ParsePortMask(tc.input)
			if !errors.Is(err, tc.err) {
				t.Fatal("unexpected error", err)
			}
			if mask != tc.expect {
				t.Fatal("expected", tc.expect, "got", mask)
			}
		})
	}
}

func TestSelectPorts(t *testing.T) {
	t.Run("we select the ports in the mask", func(t *testing.T) {
		ports, err := SelectPorts(0b1010, []uint8{0, 1, 2, 3})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]uint8{1, 3}, ports); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("we fail if the mask selects a missing port", func(t *testing.T) {
		_, err := SelectPorts(0b100, []uint8{0, 1})
		if !errors.Is(err, ErrUnavailablePort) {
			t.Fatal("unexpected error", err)
		}
	})
}

func TestLoadAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deploy.json")
	data := []byte(`{"num_clients": 4, "notify": "sem", "port_mask": "3", "policy": "port"}`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	config, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	fs := flag.NewFlagSet("mpserver", flag.ContinueOnError)
	numClients := fs.Int("n", 1, "")
	notify := fs.String("notify", "poll", "")
	portMask := fs.String("p", "", "")
	policy := fs.String("policy", "flow", "")
	if err := fs.Parse([]string{"-notify", "fifo"}); err != nil {
		t.Fatal(err)
	}
	if err := Apply(fs, config); err != nil {
		t.Fatal(err)
	}

	got := []string{fs.Lookup("n").Value.String(), *notify, *portMask, *policy}
	expect := []string{"4", "fifo", "3", "port"}
	if diff := cmp.Diff(expect, got); diff != "" {
		t.Fatal(diff)
	}
	if *numClients != 4 {
		t.Fatal("unexpected number of clients", *numClients)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "deploy.json")
		if err := os.WriteFile(path, []byte(`{"num_clients": `), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Fatal("expected an error")
		}
	})
}
