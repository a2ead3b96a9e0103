package shmswitch

import (
	"context"
	"errors"
	"testing"
	"time"
)

// allNotifyModes contains the modes we can test on this system.
func allNotifyModes() []NotifyMode {
	modes := []NotifyMode{NotifyPoll, NotifyFIFO, NotifyFlag}
	if futexSupported {
		modes = append(modes, NotifySem)
	}
	return modes
}

// newTestNotifier creates the server and the client ends of a channel.
func newTestNotifier(t *testing.T, env *Env, mode NotifyMode) (server, client NotifyChannel) {
	server, err := CreateNotifier(env, mode, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { server.Close() })
	client, err = AttachNotifier(env, mode, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })
	return server, client
}

func TestParseNotifyMode(t *testing.T) {
	for _, mode := range []NotifyMode{NotifyPoll, NotifyFIFO, NotifySem, NotifyFlag} {
		got, err := ParseNotifyMode(mode.String())
		if err != nil || got != mode {
			t.Fatal("cannot parse", mode, err)
		}
	}
	if _, err := ParseNotifyMode("irq"); !errors.Is(err, ErrNotifyMode) {
		t.Fatal("unexpected error", err)
	}
}

func TestNotifyChannelStates(t *testing.T) {
	for _, mode := range allNotifyModes() {
		if mode == NotifyPoll {
			continue
		}
		t.Run(mode.String(), func(t *testing.T) {
			server, client := newTestNotifier(t, newTestEnv(t), mode)

			t.Run("we do not wake a running client", func(t *testing.T) {
				if woken, err := server.Signal(); woken || err != nil {
					t.Fatal("unexpected signal", woken, err)
				}
			})

			t.Run("cancelling the announcement goes back to running", func(t *testing.T) {
				client.AnnounceIdle()
				if server.State() != ClientAboutToBlock {
					t.Fatal("unexpected state", server.State())
				}
				client.CancelIdle()
				if server.State() != ClientRunning {
					t.Fatal("unexpected state", server.State())
				}
			})

			t.Run("we wake an announced client exactly once", func(t *testing.T) {
				client.AnnounceIdle()
				if woken, err := server.Signal(); !woken || err != nil {
					t.Fatal("expected a wakeup", woken, err)
				}
				if woken, _ := server.Signal(); woken {
					t.Fatal("woke the client twice")
				}
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := client.WaitForWake(ctx); err != nil {
					t.Fatal(err)
				}
				if client.State() != ClientRunning {
					t.Fatal("unexpected state", client.State())
				}
			})
		})
	}
}

func TestNotifyChannelWaitHonorsContext(t *testing.T) {
	for _, mode := range allNotifyModes() {
		t.Run(mode.String(), func(t *testing.T) {
			_, client := newTestNotifier(t, newTestEnv(t), mode)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			client.AnnounceIdle()
			err := client.WaitForWake(ctx)
			if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrWaitTimeout) {
				t.Fatal("unexpected error", err)
			}
			if client.State() != ClientRunning {
				t.Fatal("unexpected state", client.State())
			}
		})
	}
}

// This test runs the same protocol as the server and the client. When a
// wakeup gets lost, the consumer blocks forever and the test times out.
func TestNotifyChannelDoesNotLoseWakeups(t *testing.T) {
	for _, mode := range allNotifyModes() {
		t.Run(mode.String(), func(t *testing.T) {
			env := newTestEnv(t)
			server, client := newTestNotifier(t, env, mode)
			producer, consumer := newTestRing(t, 64)

			const total = 20000
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			done := make(chan any)
			defer func() {
				cancel()
				<-done
			}()
			go func() {
				defer close(done)
				for idx := 0; idx < total && ctx.Err() == nil; {
					if !producer.TryEnqueue(Handle(idx)) {
						server.Signal()
						continue
					}
					idx++
					server.Signal()
					if idx%97 == 0 {
						time.Sleep(50 * time.Microsecond) // let the consumer block
					}
				}
			}()

			out := make([]Handle, 8)
			for received := 0; received < total; {
				count := consumer.DequeueBatch(out)
				for _, h := range out[:count] {
					if h != Handle(received) {
						t.Fatal("expected", received, "got", h)
					}
					received++
				}
				if count > 0 {
					continue
				}
				client.AnnounceIdle()
				if consumer.Len() > 0 {
					client.CancelIdle()
					continue
				}
				err := client.WaitForWake(ctx)
				switch {
				case err == nil, errors.Is(err, ErrWaitTimeout):
				case errors.Is(err, context.DeadlineExceeded):
					t.Fatal("lost a wakeup after receiving", received)
				default:
					t.Fatal(err)
				}
			}
		})
	}
}

func TestFIFOChannelPeerGone(t *testing.T) {
	env := newTestEnv(t)
	server, client := newTestNotifier(t, env, NotifyFIFO)
	server.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client.AnnounceIdle()
	if err := client.WaitForWake(ctx); !errors.Is(err, ErrPeerGone) {
		t.Fatal("unexpected error", err)
	}
}

func TestFlagChannelTimesOut(t *testing.T) {
	_, client := newTestNotifier(t, newTestEnv(t), NotifyFlag)
	client.AnnounceIdle()
	start := time.Now()
	if err := client.WaitForWake(context.Background()); !errors.Is(err, ErrWaitTimeout) {
		t.Fatal("unexpected error", err)
	}
	if time.Since(start) < DefaultFlagPollTimeout {
		t.Fatal("returned too early")
	}
}
