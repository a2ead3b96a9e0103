// Package deploy loads the description of a switch deployment and
// reconciles it with the command line.
package deploy

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/bassosimone/shmswitch"
	"github.com/bassosimone/shmswitch/cmd/internal/optional"
	"github.com/sugawarayuuta/sonnet"
)

// Config is the JSON deployment file. Every field is optional and
// provides the default of the command line flag with the same name.
type Config struct {
	// BatchSize is the -batch flag.
	BatchSize optional.Value[int] `json:"batch"`

	// NumClients is the -n flag of the server.
	NumClients optional.Value[int] `json:"num_clients"`

	// Notify is the -notify flag.
	Notify optional.Value[string] `json:"notify"`

	// PCAPDir is the -pcap-dir flag.
	PCAPDir optional.Value[string] `json:"pcap_dir"`

	// Policy is the -policy flag.
	Policy optional.Value[string] `json:"policy"`

	// PortMask is the -p flag.
	PortMask optional.Value[string] `json:"port_mask"`

	// RingSize is the -ring-size flag.
	RingSize optional.Value[int] `json:"ring_size"`

	// Table is the -table flag.
	Table optional.Value[string] `json:"table"`
}

// Load reads and parses a deployment file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := &Config{}
	if err := sonnet.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("deploy: %s: %w", path, err)
	}
	return config, nil
}

// Apply uses the config values as defaults for the flags the user did not
// set explicitly. Flags that fs does not define are ignored.
func Apply(fs *flag.FlagSet, config *Config) error {
	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})
	entries := []struct {
		name  string
		value optional.Value[string]
	}{
		{"batch", itoa(config.BatchSize)},
		{"n", itoa(config.NumClients)},
		{"notify", config.Notify},
		{"pcap-dir", config.PCAPDir},
		{"policy", config.Policy},
		{"p", config.PortMask},
		{"ring-size", itoa(config.RingSize)},
		{"table", config.Table},
	}
	for _, entry := range entries {
		if entry.value.Empty() || explicit[entry.name] || fs.Lookup(entry.name) == nil {
			continue
		}
		if err := fs.Set(entry.name, entry.value.Unwrap()); err != nil {
			return fmt.Errorf("deploy: %s: %w", entry.name, err)
		}
	}
	return nil
}

// itoa converts an optional int to an optional string.
func itoa(v optional.Value[int]) optional.Value[string] {
	if v.Empty() {
		return optional.None[string]()
	}
	return optional.Some(strconv.Itoa(v.Unwrap()))
}

// ErrPortMask indicates an invalid port mask.
var ErrPortMask = errors.New("deploy: invalid port mask")

// ParsePortMask parses a hexadecimal port mask such as "3" or "0x3".
func ParsePortMask(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	mask, err := strconv.ParseUint(s, 16, 32)
	if err != nil || mask == 0 {
		return 0, fmt.Errorf("%w: %q", ErrPortMask, s)
	}
	return uint32(mask), nil
}

// ErrUnavailablePort indicates that the mask selects a port we do not have.
var ErrUnavailablePort = errors.New("deploy: port mask selects unavailable ports")

// SelectPorts returns the sorted available ports selected by mask.
func SelectPorts(mask uint32, available []uint8) ([]uint8, error) {
	have := map[uint8]bool{}
	for _, id := range available {
		have[id] = true
	}
	out := []uint8{}
	for id := uint8(0); id < shmswitch.MaxPorts; id++ {
		if mask&(1<<id) == 0 {
			continue
		}
		if !have[id] {
			return nil, fmt.Errorf("%w: %d", ErrUnavailablePort, id)
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i] < out[j]
	})
	return out, nil
}
