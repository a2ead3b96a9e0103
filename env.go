package shmswitch

//
// Runtime environment bring-up
//

import (
	"errors"
	"fmt"
	"os"
)

// DefaultSharedMemoryDir is the default directory holding the shared regions.
const DefaultSharedMemoryDir = "/dev/shm"

// Env is the runtime environment shared by the server and the clients of
// a deployment. All the processes of a deployment MUST use an Env with the
// same Dir, otherwise they would not find each other's regions. The zero
// value is invalid; use [NewEnv] to construct.
type Env struct {
	// Dir is the directory containing the shared regions.
	Dir string

	// Logger is the logger to use.
	Logger Logger
}

// ErrEnvDir indicates that the shared memory directory is not usable.
var ErrEnvDir = errors.New("shmswitch: shared memory directory is not usable")

// NewEnv brings up the runtime environment. It fails when dir does
// not exist, is not a directory, or is not writable.
func NewEnv(dir string, logger Logger) (*Env, error) {
	if dir == "" {
		dir = DefaultSharedMemoryDir
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEnvDir, err.Error())
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s: not a directory", ErrEnvDir, dir)
	}

	// the only portable way to know we can create regions is trying
	probe, err := os.CreateTemp(dir, ".shmswitch-probe-")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEnvDir, err.Error())
	}
	probe.Close()
	os.Remove(probe.Name())

	logger.Debugf("shmswitch: runtime environment up at %s", dir)
	env := &Env{
		Dir:    dir,
		Logger: logger,
	}
	return env, nil
}
