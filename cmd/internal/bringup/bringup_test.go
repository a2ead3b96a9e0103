package bringup

import (
	"io"
	"testing"

	"github.com/bassosimone/shmswitch"
	"github.com/google/go-cmp/cmp"
)

func TestSplit(t *testing.T) {
	type testcase struct {
		name    string
		args    []string
		runtime []string
		app     []string
	}
	cases := []testcase{{
		name:    "with separator",
		args:    []string{"-v", "--", "-p", "3"},
		runtime: []string{"-v"},
		app:     []string{"-p", "3"},
	}, {
		name:    "without separator",
		args:    []string{"-p", "3"},
		runtime: nil,
		app:     []string{"-p", "3"},
	}, {
		name:    "only the first separator counts",
		args:    []string{"--", "-n", "1", "--"},
		runtime: []string{},
		app:     []string{"-n", "1", "--"},
	}}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runtime, app := Split(tc.args)
			if diff := cmp.Diff(tc.runtime, runtime); diff != "" {
				t.Fatal(diff)
			}
			if diff := cmp.Diff(tc.app, app); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestParse(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		options, err := Parse("mpserver", nil, io.Discard)
		if err != nil {
			t.Fatal(err)
		}
		expect := &Options{ShmDir: shmswitch.DefaultSharedMemoryDir, Verbose: false}
		if diff := cmp.Diff(expect, options); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("custom values", func(t *testing.T) {
		options, err := Parse("mpserver", []string{"-shm-dir", "/tmp", "-v"}, io.Discard)
		if err != nil {
			t.Fatal(err)
		}
		expect := &Options{ShmDir: "/tmp", Verbose: true}
		if diff := cmp.Diff(expect, options); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("unknown flags", func(t *testing.T) {
		if _, err := Parse("mpserver", []string{"-p", "3"}, io.Discard); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("positional arguments", func(t *testing.T) {
		if _, err := Parse("mpserver", []string{"extra"}, io.Discard); err == nil {
			t.Fatal("expected an error")
		}
	})
}
