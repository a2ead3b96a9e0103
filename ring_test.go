package shmswitch

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// newTestRing creates a ring and attaches the consumer view to it.
func newTestRing(t *testing.T, capacity uint64) (producer, consumer *Ring) {
	env := newTestEnv(t)
	producer, err := CreateRing(env, ClientRingName(0), capacity)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { producer.Close() })
	consumer, err = AttachRing(env, ClientRingName(0))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { consumer.Close() })
	return producer, consumer
}

func TestCreateRingErrors(t *testing.T) {
	for _, capacity := range []uint64{0, 3, 1000, 1 << 32} {
		_, err := CreateRing(newTestEnv(t), ClientRingName(0), capacity)
		if !errors.Is(err, ErrRingCapacity) {
			t.Fatal("unexpected error", capacity, err)
		}
	}
}

func TestRing(t *testing.T) {
	t.Run("a full ring refuses handles and stays unchanged", func(t *testing.T) {
		producer, consumer := newTestRing(t, 4)
		for idx := 0; idx < 4; idx++ {
			if !producer.TryEnqueue(Handle(idx)) {
				t.Fatal("cannot enqueue", idx)
			}
		}
		for attempt := 0; attempt < 3; attempt++ {
			if producer.TryEnqueue(Handle(100)) {
				t.Fatal("enqueued into a full ring")
			}
		}
		if consumer.Len() != 4 {
			t.Fatal("unexpected length", consumer.Len())
		}
		out := make([]Handle, 8)
		count := consumer.DequeueBatch(out)
		if diff := cmp.Diff([]Handle{0, 1, 2, 3}, out[:count]); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("a dequeue returns what is available in a single pass", func(t *testing.T) {
		type testcase struct {
			name    string
			queued  int
			batch   int
			expect  int
			residue int
		}
		cases := []testcase{
			{"empty ring", 0, 32, 0, 0},
			{"partial batch", 5, 32, 5, 0},
			{"exact batch", 32, 32, 32, 0},
			{"more than a batch", 40, 32, 32, 8},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				producer, consumer := newTestRing(t, 64)
				for idx := 0; idx < tc.queued; idx++ {
					producer.TryEnqueue(Handle(idx))
				}
				out := make([]Handle, tc.batch)
				if count := consumer.DequeueBatch(out); count != tc.expect {
					t.Fatal("expected", tc.expect, "got", count)
				}
				if consumer.Len() != tc.residue {
					t.Fatal("unexpected residue", consumer.Len())
				}
			})
		}
	})

	t.Run("handles come out in order across wraparounds", func(t *testing.T) {
		producer, consumer := newTestRing(t, 8)
		const total = 100
		next, expect := 0, 0
		out := make([]Handle, 3)
		for expect < total {
			for next < total && producer.TryEnqueue(Handle(next)) {
				next++
			}
			count := consumer.DequeueBatch(out)
			for _, h := range out[:count] {
				if h != Handle(expect) {
					t.Fatal("expected", expect, "got", h)
				}
				expect++
			}
		}
	})

	t.Run("concurrent producer and consumer lose nothing", func(t *testing.T) {
		producer, consumer := newTestRing(t, 256)
		const total = 200000
		wg := &sync.WaitGroup{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := 0; idx < total; {
				if producer.TryEnqueue(Handle(idx)) {
					idx++
				}
			}
		}()
		out := make([]Handle, 32)
		for expect := 0; expect < total; {
			count := consumer.DequeueBatch(out)
			for _, h := range out[:count] {
				if h != Handle(expect) {
					t.Fatal("expected", expect, "got", h)
				}
				expect++
			}
		}
		wg.Wait()
		if consumer.Len() != 0 {
			t.Fatal("unexpected residue", consumer.Len())
		}
	})

	t.Run("the consumer clamps a corrupted producer index", func(t *testing.T) {
		producer, consumer := newTestRing(t, 4)
		producer.hdr.tail = 1000 // a misbehaving peer
		if consumer.Len() != 4 {
			t.Fatal("unexpected length", consumer.Len())
		}
		out := make([]Handle, 16)
		if count := consumer.DequeueBatch(out); count != 4 {
			t.Fatal("read past the ring", count)
		}
	})

	t.Run("attach validates the name and the capacity", func(t *testing.T) {
		producer, _ := newTestRing(t, 16)
		if producer.Cap() != 16 || producer.Name() != ClientRingName(0) {
			t.Fatal("unexpected ring", producer.Cap(), producer.Name())
		}
		_, err := AttachRing(newTestEnv(t), ClientRingName(1))
		if !errors.Is(err, ErrRegionNotFound) {
			t.Fatal("unexpected error", err)
		}
	})
}
