package persistence

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/neogan74/statekv/internal/logger"
)

func newBadger(t *testing.T, dir string) *BadgerBackend {
	t.Helper()
	backend, err := NewBadgerBackend(BadgerConfig{
		Dir:        dir,
		SyncWrites: false,
	}, logger.Nop())
	if err != nil {
		t.Fatalf("Failed to create Badger backend: %v", err)
	}
	return backend
}

func TestBadgerBackend_Suite(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) Backend {
		backend := newBadger(t, t.TempDir())
		t.Cleanup(func() { _ = backend.Close() })
		return backend
	})
}

func TestBadgerBackend_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	backend := newBadger(t, dir)
	if err := backend.Set("scalar", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	for _, v := range []string{"a", "b", "c"} {
		if err := backend.RPush("list", v); err != nil {
			t.Fatalf("RPush failed: %v", err)
		}
	}
	if err := backend.HSet("hash", "f", "v"); err != nil {
		t.Fatalf("HSet failed: %v", err)
	}
	if _, err := backend.Expire("scalar", time.Hour); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := newBadger(t, dir)
	defer func() { _ = reopened.Close() }()

	value, ok, err := reopened.Get("scalar")
	if err != nil || !ok || value != "v" {
		t.Errorf("Get after reopen = (%q, %v, %v)", value, ok, err)
	}
	values, err := reopened.LRange("list", 0, -1)
	if err != nil {
		t.Fatalf("LRange failed: %v", err)
	}
	if !reflect.DeepEqual(values, []string{"a", "b", "c"}) {
		t.Errorf("list order lost across reopen: %v", values)
	}
	ttl, err := reopened.TTL("scalar")
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > time.Hour {
		t.Errorf("expected pending TTL to survive reopen, got %v", ttl)
	}
}

func TestBadgerBackend_ConcurrentPushesAndPops(t *testing.T) {
	backend := newBadger(t, t.TempDir())
	defer func() { _ = backend.Close() }()

	const writers = 4
	const perWriter = 50
	const total = writers * perWriter

	// Writers hit both ends of the same list at once; every element must
	// land exactly once.
	var wg sync.WaitGroup
	pushErrs := make(chan error, total)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				var err error
				if w%2 == 0 {
					err = backend.RPush("jobs", fmt.Sprintf("w%d-%d", w, i))
				} else {
					err = backend.LPush("jobs", fmt.Sprintf("w%d-%d", w, i))
				}
				if err != nil {
					pushErrs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(pushErrs)
	for err := range pushErrs {
		t.Fatalf("concurrent push failed: %v", err)
	}

	length, err := backend.LLen("jobs")
	if err != nil {
		t.Fatalf("LLen failed: %v", err)
	}
	if length != total {
		t.Fatalf("expected %d elements after concurrent pushes, got %d", total, length)
	}

	// Concurrent pops must hand out each element exactly once.
	var mu sync.Mutex
	popped := make(map[string]int, total)
	popErrs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				value, ok, err := backend.LPop("jobs")
				if err != nil {
					popErrs <- err
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				popped[value]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(popErrs)
	for err := range popErrs {
		t.Fatalf("concurrent LPop failed: %v", err)
	}

	if len(popped) != total {
		t.Errorf("expected %d distinct popped elements, got %d", total, len(popped))
	}
	for value, count := range popped {
		if count != 1 {
			t.Errorf("element %q popped %d times", value, count)
		}
	}
}

func TestBadgerBackend_SubKeySeparation(t *testing.T) {
	backend := newBadger(t, t.TempDir())
	defer func() { _ = backend.Close() }()

	// "user" and "user:extra" must not bleed into each other even though
	// one is a prefix of the other.
	if err := backend.HSet("user", "f", "short"); err != nil {
		t.Fatalf("HSet failed: %v", err)
	}
	if err := backend.HSet("user:extra", "f", "long"); err != nil {
		t.Fatalf("HSet failed: %v", err)
	}

	fields, err := backend.HGetAll("user")
	if err != nil {
		t.Fatalf("HGetAll failed: %v", err)
	}
	if !reflect.DeepEqual(fields, map[string]string{"f": "short"}) {
		t.Errorf("expected only the short key's field, got %v", fields)
	}
}
