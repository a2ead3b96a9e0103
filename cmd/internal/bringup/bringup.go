// Package bringup contains the runtime bring-up shared by the commands.
//
// The command line of each command has two parts separated by "--". The
// first part configures the runtime (where the shared regions live and how
// much we log) and we process it before looking at the second part, which
// contains the flags of the application.
package bringup

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/apex/log"
	"github.com/bassosimone/shmswitch"
)

// Split splits args at the first "--". Without a separator, every
// argument belongs to the application.
func Split(args []string) (runtime, app []string) {
	for idx, arg := range args {
		if arg == "--" {
			return args[:idx], args[idx+1:]
		}
	}
	return nil, args
}

// Options contains the runtime options.
type Options struct {
	// ShmDir is the directory containing the shared regions.
	ShmDir string

	// Verbose enables debug logging.
	Verbose bool
}

// Parse parses the runtime arguments.
func Parse(name string, args []string, output io.Writer) (*Options, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	options := &Options{}
	fs.StringVar(&options.ShmDir, "shm-dir", shmswitch.DefaultSharedMemoryDir, "directory containing the shared regions")
	fs.BoolVar(&options.Verbose, "v", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("%s: unexpected runtime argument: %s", name, fs.Arg(0))
	}
	return options, nil
}

// Init parses the runtime arguments, configures logging, and creates the
// [shmswitch.Env]. This function exits the process on failure.
func Init(name string, args []string) *shmswitch.Env {
	options, err := Parse(name, args, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "usage: %s [-shm-dir DIR] [-v] -- [application flags]\n", name)
		os.Exit(2)
	}
	log.SetLevel(log.InfoLevel)
	if options.Verbose {
		log.SetLevel(log.DebugLevel)
	}
	env, err := shmswitch.NewEnv(options.ShmDir, log.Log)
	if err != nil {
		log.WithError(err).Fatal("cannot initialize the runtime")
	}
	return env
}

// UsageError prints the error and the usage of fs and exits the process.
func UsageError(fs *flag.FlagSet, err error) {
	fmt.Fprintf(fs.Output(), "%s: %s\n", fs.Name(), err.Error())
	fs.Usage()
	os.Exit(2)
}
