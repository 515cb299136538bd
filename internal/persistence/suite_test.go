package persistence

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"
)

// runBackendSuite exercises the behavior every backend must share. Backend
// constructors get a fresh store per invocation.
func runBackendSuite(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Helper()

	t.Run("ScalarRoundTrip", func(t *testing.T) {
		b := newBackend(t)
		if err := b.Set("greeting", "hi"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		value, ok, err := b.Get("greeting")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !ok || value != "hi" {
			t.Errorf("expected (hi, true), got (%q, %v)", value, ok)
		}

		// Overwrite
		if err := b.Set("greeting", "hello"); err != nil {
			t.Fatalf("Set overwrite failed: %v", err)
		}
		value, _, _ = b.Get("greeting")
		if value != "hello" {
			t.Errorf("expected hello after overwrite, got %q", value)
		}
	})

	t.Run("GetAbsent", func(t *testing.T) {
		b := newBackend(t)
		value, ok, err := b.Get("nope")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if ok || value != "" {
			t.Errorf("expected absent, got (%q, %v)", value, ok)
		}
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		b := newBackend(t)
		if err := b.Set("k", "v"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		existed, err := b.Delete("k")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if !existed {
			t.Error("expected first delete to report true")
		}
		existed, err = b.Delete("k")
		if err != nil {
			t.Fatalf("second Delete failed: %v", err)
		}
		if existed {
			t.Error("expected second delete to report false")
		}
	})

	t.Run("Exists", func(t *testing.T) {
		b := newBackend(t)
		exists, err := b.Exists("k")
		if err != nil {
			t.Fatalf("Exists failed: %v", err)
		}
		if exists {
			t.Error("expected absent key")
		}
		if err := b.HSet("k", "f", "v"); err != nil {
			t.Fatalf("HSet failed: %v", err)
		}
		exists, err = b.Exists("k")
		if err != nil {
			t.Fatalf("Exists failed: %v", err)
		}
		if !exists {
			t.Error("expected key to exist")
		}
	})

	t.Run("KeysPatterns", func(t *testing.T) {
		b := newBackend(t)
		for _, key := range []string{"user:1", "user:2", "queue"} {
			if err := b.Set(key, "x"); err != nil {
				t.Fatalf("Set %s failed: %v", key, err)
			}
		}

		keys, err := b.Keys("")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		assertSameKeys(t, keys, []string{"queue", "user:1", "user:2"})

		keys, err = b.Keys("user:*")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		assertSameKeys(t, keys, []string{"user:1", "user:2"})

		keys, err = b.Keys("user:?")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		assertSameKeys(t, keys, []string{"user:1", "user:2"})

		keys, err = b.Keys("user:[1]")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		assertSameKeys(t, keys, []string{"user:1"})

		if _, err := b.Keys("user:["); !IsBadPattern(err) {
			t.Errorf("expected malformed-pattern error, got %v", err)
		}
	})

	t.Run("HashCompleteness", func(t *testing.T) {
		b := newBackend(t)
		if err := b.HSet("user:1", "name", "Ann"); err != nil {
			t.Fatalf("HSet failed: %v", err)
		}
		if err := b.HSet("user:1", "email", "a@x.com"); err != nil {
			t.Fatalf("HSet failed: %v", err)
		}

		fields, err := b.HGetAll("user:1")
		if err != nil {
			t.Fatalf("HGetAll failed: %v", err)
		}
		expected := map[string]string{"name": "Ann", "email": "a@x.com"}
		if !reflect.DeepEqual(fields, expected) {
			t.Errorf("expected %v, got %v", expected, fields)
		}

		value, ok, err := b.HGet("user:1", "name")
		if err != nil || !ok || value != "Ann" {
			t.Errorf("HGet(name) = (%q, %v, %v)", value, ok, err)
		}
		_, ok, err = b.HGet("user:1", "missing")
		if err != nil {
			t.Fatalf("HGet failed: %v", err)
		}
		if ok {
			t.Error("expected absent field")
		}

		exists, err := b.HExists("user:1", "email")
		if err != nil || !exists {
			t.Errorf("HExists(email) = (%v, %v)", exists, err)
		}

		deleted, err := b.HDel("user:1", "email")
		if err != nil || !deleted {
			t.Errorf("HDel(email) = (%v, %v)", deleted, err)
		}
		deleted, err = b.HDel("user:1", "email")
		if err != nil {
			t.Fatalf("HDel failed: %v", err)
		}
		if deleted {
			t.Error("expected second HDel to report false")
		}
	})

	t.Run("ListOrderPreservation", func(t *testing.T) {
		b := newBackend(t)
		// rpush b, c; lpush a -> [a b c]
		if err := b.RPush("l", "b"); err != nil {
			t.Fatalf("RPush failed: %v", err)
		}
		if err := b.RPush("l", "c"); err != nil {
			t.Fatalf("RPush failed: %v", err)
		}
		if err := b.LPush("l", "a"); err != nil {
			t.Fatalf("LPush failed: %v", err)
		}

		values, err := b.LRange("l", 0, -1)
		if err != nil {
			t.Fatalf("LRange failed: %v", err)
		}
		if !reflect.DeepEqual(values, []string{"a", "b", "c"}) {
			t.Errorf("expected [a b c], got %v", values)
		}

		length, err := b.LLen("l")
		if err != nil || length != 3 {
			t.Errorf("LLen = (%d, %v), expected 3", length, err)
		}
	})

	t.Run("ListRangeSlices", func(t *testing.T) {
		b := newBackend(t)
		for _, v := range []string{"a", "b", "c", "d", "e"} {
			if err := b.RPush("l", v); err != nil {
				t.Fatalf("RPush failed: %v", err)
			}
		}

		cases := []struct {
			start, stop int64
			expected    []string
		}{
			{0, -1, []string{"a", "b", "c", "d", "e"}},
			{1, 3, []string{"b", "c", "d"}},
			{-2, -1, []string{"d", "e"}},
			{0, 100, []string{"a", "b", "c", "d", "e"}},
			{3, 1, []string{}},
			{10, 20, []string{}},
			{-100, 0, []string{"a"}},
		}
		for _, tc := range cases {
			values, err := b.LRange("l", tc.start, tc.stop)
			if err != nil {
				t.Fatalf("LRange(%d, %d) failed: %v", tc.start, tc.stop, err)
			}
			if !reflect.DeepEqual(values, tc.expected) {
				t.Errorf("LRange(%d, %d) = %v, expected %v", tc.start, tc.stop, values, tc.expected)
			}
		}
	})

	t.Run("ListPops", func(t *testing.T) {
		b := newBackend(t)
		for _, v := range []string{"a", "b", "c"} {
			if err := b.RPush("queue", v); err != nil {
				t.Fatalf("RPush failed: %v", err)
			}
		}

		value, ok, err := b.LPop("queue")
		if err != nil || !ok || value != "a" {
			t.Errorf("LPop = (%q, %v, %v), expected a", value, ok, err)
		}
		value, ok, err = b.RPop("queue")
		if err != nil || !ok || value != "c" {
			t.Errorf("RPop = (%q, %v, %v), expected c", value, ok, err)
		}

		values, err := b.LRange("queue", 0, -1)
		if err != nil {
			t.Fatalf("LRange failed: %v", err)
		}
		if !reflect.DeepEqual(values, []string{"b"}) {
			t.Errorf("expected [b], got %v", values)
		}

		// Drain and pop empty
		if _, _, err := b.LPop("queue"); err != nil {
			t.Fatalf("LPop failed: %v", err)
		}
		_, ok, err = b.LPop("queue")
		if err != nil {
			t.Fatalf("LPop on empty failed: %v", err)
		}
		if ok {
			t.Error("expected absent result from empty list")
		}
	})

	t.Run("SetIdempotence", func(t *testing.T) {
		b := newBackend(t)
		added, err := b.SAdd("tags", "red", "blue")
		if err != nil || added != 2 {
			t.Fatalf("SAdd = (%d, %v), expected 2", added, err)
		}
		added, err = b.SAdd("tags", "red")
		if err != nil {
			t.Fatalf("SAdd failed: %v", err)
		}
		if added != 0 {
			t.Errorf("expected duplicate add to count 0, got %d", added)
		}

		count, err := b.SCard("tags")
		if err != nil || count != 2 {
			t.Errorf("SCard = (%d, %v), expected 2", count, err)
		}

		members, err := b.SMembers("tags")
		if err != nil {
			t.Fatalf("SMembers failed: %v", err)
		}
		assertSameKeys(t, members, []string{"blue", "red"})

		ok, err := b.SIsMember("tags", "red")
		if err != nil || !ok {
			t.Errorf("SIsMember(red) = (%v, %v)", ok, err)
		}
		ok, err = b.SIsMember("tags", "green")
		if err != nil || ok {
			t.Errorf("SIsMember(green) = (%v, %v)", ok, err)
		}

		removed, err := b.SRem("tags", "red", "green")
		if err != nil || removed != 1 {
			t.Errorf("SRem = (%d, %v), expected 1", removed, err)
		}
	})

	t.Run("TTLExpiry", func(t *testing.T) {
		b := newBackend(t)
		if err := b.Set("ephemeral", "v"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		set, err := b.Expire("ephemeral", 50*time.Millisecond)
		if err != nil || !set {
			t.Fatalf("Expire = (%v, %v)", set, err)
		}

		time.Sleep(120 * time.Millisecond)

		exists, err := b.Exists("ephemeral")
		if err != nil {
			t.Fatalf("Exists failed: %v", err)
		}
		if exists {
			t.Error("expected expired key to read as absent")
		}
		_, ok, err := b.Get("ephemeral")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if ok {
			t.Error("expected expired key to be absent from Get")
		}
	})

	t.Run("TTLSentinels", func(t *testing.T) {
		b := newBackend(t)
		ttl, err := b.TTL("missing")
		if err != nil {
			t.Fatalf("TTL failed: %v", err)
		}
		if ttl != TTLMissing {
			t.Errorf("expected TTLMissing for absent key, got %v", ttl)
		}

		if err := b.Set("k", "v"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		ttl, err = b.TTL("k")
		if err != nil {
			t.Fatalf("TTL failed: %v", err)
		}
		if ttl != TTLNone {
			t.Errorf("expected TTLNone for key without expiration, got %v", ttl)
		}

		if _, err := b.Expire("k", time.Hour); err != nil {
			t.Fatalf("Expire failed: %v", err)
		}
		ttl, err = b.TTL("k")
		if err != nil {
			t.Fatalf("TTL failed: %v", err)
		}
		if ttl <= 0 || ttl > time.Hour {
			t.Errorf("expected remaining TTL in (0, 1h], got %v", ttl)
		}
	})

	t.Run("ExpireReplacesAndPersistClears", func(t *testing.T) {
		b := newBackend(t)
		if err := b.Set("k", "v"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		// A later Expire replaces the earlier deadline entirely.
		if _, err := b.Expire("k", time.Hour); err != nil {
			t.Fatalf("Expire failed: %v", err)
		}
		if _, err := b.Expire("k", 50*time.Millisecond); err != nil {
			t.Fatalf("Expire failed: %v", err)
		}
		time.Sleep(120 * time.Millisecond)
		exists, err := b.Exists("k")
		if err != nil {
			t.Fatalf("Exists failed: %v", err)
		}
		if exists {
			t.Error("expected replacement deadline to take effect")
		}

		// Persist removes a pending deadline.
		if err := b.Set("p", "v"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if _, err := b.Expire("p", 50*time.Millisecond); err != nil {
			t.Fatalf("Expire failed: %v", err)
		}
		removed, err := b.Persist("p")
		if err != nil || !removed {
			t.Fatalf("Persist = (%v, %v)", removed, err)
		}
		time.Sleep(120 * time.Millisecond)
		exists, err = b.Exists("p")
		if err != nil {
			t.Fatalf("Exists failed: %v", err)
		}
		if !exists {
			t.Error("expected persisted key to survive")
		}

		removed, err = b.Persist("p")
		if err != nil {
			t.Fatalf("Persist failed: %v", err)
		}
		if removed {
			t.Error("expected Persist without expiration to report false")
		}

		set, err := b.Expire("ghost", time.Second)
		if err != nil {
			t.Fatalf("Expire failed: %v", err)
		}
		if set {
			t.Error("expected Expire on a missing key to report false")
		}
	})

	t.Run("TypeMismatch", func(t *testing.T) {
		b := newBackend(t)
		if err := b.RPush("queue", "a"); err != nil {
			t.Fatalf("RPush failed: %v", err)
		}

		if err := b.HSet("queue", "f", "v"); !IsTypeMismatch(err) {
			t.Errorf("expected type mismatch from HSet on a list, got %v", err)
		}
		if err := b.Set("queue", "v"); !IsTypeMismatch(err) {
			t.Errorf("expected type mismatch from Set on a list, got %v", err)
		}
		if _, err := b.SAdd("queue", "m"); !IsTypeMismatch(err) {
			t.Errorf("expected type mismatch from SAdd on a list, got %v", err)
		}
		if _, _, err := b.Get("queue"); !IsTypeMismatch(err) {
			t.Errorf("expected type mismatch from Get on a list, got %v", err)
		}

		// The list is untouched by the rejected writes.
		values, err := b.LRange("queue", 0, -1)
		if err != nil {
			t.Fatalf("LRange failed: %v", err)
		}
		if !reflect.DeepEqual(values, []string{"a"}) {
			t.Errorf("expected [a], got %v", values)
		}
	})

	t.Run("CleanupSweep", func(t *testing.T) {
		b := newBackend(t)
		for i := 0; i < 3; i++ {
			if err := b.Set(fmt.Sprintf("k%d", i), "v"); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
		}
		for _, key := range []string{"k0", "k1"} {
			if _, err := b.Expire(key, 10*time.Millisecond); err != nil {
				t.Fatalf("Expire failed: %v", err)
			}
		}

		time.Sleep(50 * time.Millisecond)

		removed, err := b.CleanupExpired()
		if err != nil {
			t.Fatalf("CleanupExpired failed: %v", err)
		}
		// The networked backend reports 0 because the server sweeps on
		// its own; embedded backends must report exactly the elapsed keys.
		if removed != 0 && removed != 2 {
			t.Errorf("unexpected sweep count: %d", removed)
		}

		exists, err := b.Exists("k2")
		if err != nil || !exists {
			t.Errorf("expected survivor key to remain, got (%v, %v)", exists, err)
		}
		exists, err = b.Exists("k0")
		if err != nil || exists {
			t.Errorf("expected swept key to be gone, got (%v, %v)", exists, err)
		}
	})

	t.Run("Clear", func(t *testing.T) {
		b := newBackend(t)
		if err := b.Set("a", "1"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if err := b.HSet("h", "f", "v"); err != nil {
			t.Fatalf("HSet failed: %v", err)
		}
		if err := b.Clear(); err != nil {
			t.Fatalf("Clear failed: %v", err)
		}
		keys, err := b.Keys("")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		if len(keys) != 0 {
			t.Errorf("expected empty store, got %v", keys)
		}
	})

	t.Run("ConcurrentListWriters", func(t *testing.T) {
		b := newBackend(t)
		const writers = 2
		const pushes = 100

		var wg sync.WaitGroup
		errs := make(chan error, writers*pushes)
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < pushes; i++ {
					if err := b.RPush("shared", fmt.Sprintf("w%d-%d", w, i)); err != nil {
						errs <- err
						return
					}
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("concurrent RPush failed: %v", err)
		}

		length, err := b.LLen("shared")
		if err != nil {
			t.Fatalf("LLen failed: %v", err)
		}
		if length != writers*pushes {
			t.Errorf("expected %d elements, got %d", writers*pushes, length)
		}

		values, err := b.LRange("shared", 0, -1)
		if err != nil {
			t.Fatalf("LRange failed: %v", err)
		}
		seen := make(map[string]bool, len(values))
		for _, v := range values {
			if seen[v] {
				t.Errorf("duplicate element %q", v)
			}
			seen[v] = true
		}
		if len(seen) != writers*pushes {
			t.Errorf("expected %d distinct elements, got %d", writers*pushes, len(seen))
		}
	})

	t.Run("EndToEndScenario", func(t *testing.T) {
		b := newBackend(t)
		if err := b.Set("greeting", "hi"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		value, _, _ := b.Get("greeting")
		if value != "hi" {
			t.Errorf("expected hi, got %q", value)
		}
		if _, err := b.Expire("greeting", 0); err != nil {
			t.Fatalf("Expire failed: %v", err)
		}
		exists, err := b.Exists("greeting")
		if err != nil {
			t.Fatalf("Exists failed: %v", err)
		}
		if exists {
			t.Error("expected immediate expiry with zero TTL")
		}

		if err := b.HSet("user:1", "name", "Ann"); err != nil {
			t.Fatalf("HSet failed: %v", err)
		}
		if err := b.HSet("user:1", "email", "a@x.com"); err != nil {
			t.Fatalf("HSet failed: %v", err)
		}
		fields, err := b.HGetAll("user:1")
		if err != nil {
			t.Fatalf("HGetAll failed: %v", err)
		}
		if !reflect.DeepEqual(fields, map[string]string{"name": "Ann", "email": "a@x.com"}) {
			t.Errorf("unexpected hash contents: %v", fields)
		}

		if err := b.RPush("queue", "a"); err != nil {
			t.Fatalf("RPush failed: %v", err)
		}
		if err := b.RPush("queue", "b"); err != nil {
			t.Fatalf("RPush failed: %v", err)
		}
		value, ok, err := b.LPop("queue")
		if err != nil || !ok || value != "a" {
			t.Errorf("LPop = (%q, %v, %v), expected a", value, ok, err)
		}
		values, err := b.LRange("queue", 0, -1)
		if err != nil {
			t.Fatalf("LRange failed: %v", err)
		}
		if !reflect.DeepEqual(values, []string{"b"}) {
			t.Errorf("expected [b], got %v", values)
		}
	})
}

func assertSameKeys(t *testing.T, got, expected []string) {
	t.Helper()
	g := append([]string(nil), got...)
	e := append([]string(nil), expected...)
	sort.Strings(g)
	sort.Strings(e)
	if !reflect.DeepEqual(g, e) {
		t.Errorf("expected %v, got %v", e, g)
	}
}
