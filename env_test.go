package shmswitch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/apex/log"
)

// newTestEnv creates an [Env] whose regions live in a temporary directory.
func newTestEnv(t *testing.T) *Env {
	env, err := NewEnv(t.TempDir(), log.Log)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestNewEnv(t *testing.T) {
	t.Run("with a usable directory", func(t *testing.T) {
		dir := t.TempDir()
		env, err := NewEnv(dir, log.Log)
		if err != nil {
			t.Fatal(err)
		}
		if env.Dir != dir {
			t.Fatal("unexpected dir", env.Dir)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			t.Fatal("the probe file was not removed")
		}
	})

	t.Run("with a missing directory", func(t *testing.T) {
		_, err := NewEnv(filepath.Join(t.TempDir(), "missing"), log.Log)
		if !errors.Is(err, ErrEnvDir) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("with a regular file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "file")
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			t.Fatal(err)
		}
		_, err := NewEnv(path, log.Log)
		if !errors.Is(err, ErrEnvDir) {
			t.Fatal("unexpected error", err)
		}
	})
}
