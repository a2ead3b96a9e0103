package shmswitch

//
// Polled-flag notify channel
//

import (
	"context"
	"time"
)

// Default polling schedule of the flag notify channel.
const (
	// DefaultFlagPollInterval is how long a waiting client sleeps between checks.
	DefaultFlagPollInterval = 50 * time.Microsecond

	// DefaultFlagPollTimeout is the longest a client waits before rechecking its queue.
	DefaultFlagPollTimeout = time.Millisecond
)

// flagChannel is the polled-flag [NotifyChannel]. The server wakes the client by
// flipping its state word back to running and the client polls the word.
type flagChannel struct {
	*sharedState

	// pollInterval is the sleep between two checks.
	pollInterval time.Duration

	// pollTimeout is the maximum wait.
	pollTimeout time.Duration
}

var _ NotifyChannel = &flagChannel{}

// createFlagChannel creates the state word of the given client.
func createFlagChannel(env *Env, id int) (*flagChannel, error) {
	state, err := createSharedState(env, id)
	if err != nil {
		return nil, err
	}
	return newFlagChannel(state), nil
}

// attachFlagChannel maps the state word of the given client.
func attachFlagChannel(env *Env, id int) (*flagChannel, error) {
	state, err := attachSharedState(env, id)
	if err != nil {
		return nil, err
	}
	return newFlagChannel(state), nil
}

func newFlagChannel(state *sharedState) *flagChannel {
	return &flagChannel{
		sharedState:  state,
		pollInterval: DefaultFlagPollInterval,
		pollTimeout:  DefaultFlagPollTimeout,
	}
}

// WaitForWake implements NotifyChannel
func (fc *flagChannel) WaitForWake(ctx context.Context) error {
	fc.block()
	defer fc.resume()
	deadline := time.Now().Add(fc.pollTimeout)
	for {
		if fc.State() == ClientRunning {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return ErrWaitTimeout
		}
		time.Sleep(fc.pollInterval)
	}
}

// Signal implements NotifyChannel
func (fc *flagChannel) Signal() (bool, error) {
	return fc.claim(), nil
}

// Mode implements NotifyChannel
func (fc *flagChannel) Mode() NotifyMode {
	return NotifyFlag
}

// Close implements NotifyChannel
func (fc *flagChannel) Close() error {
	return fc.sharedState.close()
}
