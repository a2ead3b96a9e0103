package shmswitch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"unsafe"
)

func TestRegion(t *testing.T) {
	t.Run("the header fits a cache line", func(t *testing.T) {
		if size := unsafe.Sizeof(regionHeader{}); size != regionHeaderSize {
			t.Fatal("unexpected header size", size)
		}
	})

	t.Run("an attached region shares memory with the creator", func(t *testing.T) {
		env := newTestEnv(t)
		creator, err := createRegion(env, "MProc_test", regionKindRing, 100)
		if err != nil {
			t.Fatal(err)
		}
		defer creator.Close()
		creator.publish()

		attached, err := attachRegion(env, "MProc_test", regionKindRing)
		if err != nil {
			t.Fatal(err)
		}
		defer attached.Close()

		if !creator.owner || attached.owner {
			t.Fatal("unexpected ownership")
		}
		if len(attached.body()) != len(creator.body()) || len(creator.body())%cacheLineSize != 0 {
			t.Fatal("unexpected body sizes", len(attached.body()), len(creator.body()))
		}
		copy(creator.body(), "hello")
		if string(attached.body()[:5]) != "hello" {
			t.Fatal("the mappings do not share memory")
		}
	})

	t.Run("we cannot attach a missing region", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := attachRegion(env, "MProc_missing", regionKindRing)
		if !errors.Is(err, ErrRegionNotFound) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("we cannot attach a region of another kind", func(t *testing.T) {
		env := newTestEnv(t)
		creator, err := createRegion(env, "MProc_test", regionKindPool, 64)
		if err != nil {
			t.Fatal(err)
		}
		defer creator.Close()
		creator.publish()
		_, err = attachRegion(env, "MProc_test", regionKindRing)
		if !errors.Is(err, ErrRegionLayout) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("we cannot attach a region that is not ready", func(t *testing.T) {
		env := newTestEnv(t)
		creator, err := createRegion(env, "MProc_test", regionKindRing, 64)
		if err != nil {
			t.Fatal(err)
		}
		defer creator.Close()
		_, err = attachRegion(env, "MProc_test", regionKindRing)
		if !errors.Is(err, ErrRegionNotReady) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("we cannot attach a file that is not a region", func(t *testing.T) {
		env := newTestEnv(t)
		path := filepath.Join(env.Dir, "MProc_test")
		if err := os.WriteFile(path, make([]byte, 256), 0o600); err != nil {
			t.Fatal(err)
		}
		_, err := attachRegion(env, "MProc_test", regionKindRing)
		if !errors.Is(err, ErrRegionLayout) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("closing the creator removes the region", func(t *testing.T) {
		env := newTestEnv(t)
		creator, err := createRegion(env, "MProc_test", regionKindRing, 64)
		if err != nil {
			t.Fatal(err)
		}
		creator.publish()
		if err := creator.Close(); err != nil {
			t.Fatal(err)
		}
		if err := creator.Close(); err != nil {
			t.Fatal("Close is not idempotent", err)
		}
		if _, err := os.Stat(filepath.Join(env.Dir, "MProc_test")); !errors.Is(err, os.ErrNotExist) {
			t.Fatal("the region still exists", err)
		}
	})

	t.Run("creating replaces a stale region", func(t *testing.T) {
		env := newTestEnv(t)
		stale, err := createRegion(env, "MProc_test", regionKindRing, 64)
		if err != nil {
			t.Fatal(err)
		}
		copy(stale.body(), "stale")
		stale.publish()
		// simulate a crash: unmap without removing
		stale.owner = false
		stale.Close()

		fresh, err := createRegion(env, "MProc_test", regionKindRing, 64)
		if err != nil {
			t.Fatal(err)
		}
		defer fresh.Close()
		if string(fresh.body()[:5]) == "stale" {
			t.Fatal("we reused stale content")
		}
	})
}

func TestRegionNames(t *testing.T) {
	got := []string{ClientRingName(3), ClientFlagName(3), ClientSemName(3), ClientFIFOName(3)}
	expect := []string{"MProc_Client_3_RX", "MProc_Client_3_IRQ_FLAG", "MProc_Client_3_SEM", "MProc_Client_3_FIFO"}
	for idx := range expect {
		if got[idx] != expect[idx] {
			t.Fatal("expected", expect[idx], "got", got[idx])
		}
	}
}
