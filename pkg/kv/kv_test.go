package kv

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestPutGetDelete(t *testing.T) {
	s := NewStore()

	v, err := s.Put("ledger", []byte("[]"), 0)
	if err != nil || v != 1 {
		t.Fatalf("create = (%d,%v), want (1,nil)", v, err)
	}
	got, ver, ok := s.Get("ledger")
	if !ok || ver != 1 || string(got) != "[]" {
		t.Fatalf("Get = (%q,%d,%v), want ([],1,true)", got, ver, ok)
	}
	if !s.Delete("ledger") {
		t.Fatal("Delete(ledger) = false, want true")
	}
	if _, _, ok := s.Get("ledger"); ok {
		t.Fatal("Get ok after delete")
	}
	if s.Delete("ledger") {
		t.Fatal("second Delete returned true")
	}
}

func TestPutRequiresCurrentVersion(t *testing.T) {
	s := NewStore()
	if _, err := s.Put("k", []byte("one"), 0); err != nil {
		t.Fatal(err)
	}
	// stale create
	if cur, err := s.Put("k", []byte("two"), 0); !errors.Is(err, ErrVersionConflict) || cur != 1 {
		t.Fatalf("stale Put = (%d,%v), want (1,conflict)", cur, err)
	}
	if v, err := s.Put("k", []byte("two"), 1); err != nil || v != 2 {
		t.Fatalf("update = (%d,%v), want (2,nil)", v, err)
	}
	got, _, _ := s.Get("k")
	if string(got) != "two" {
		t.Fatalf("Get = %q, want two", got)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore()
	orig := []byte("abc")
	if _, err := s.Put("k", orig, 0); err != nil {
		t.Fatal(err)
	}
	orig[0] = 'z'
	got, _, _ := s.Get("k")
	got[1] = 'z'
	again, _, _ := s.Get("k")
	if !bytes.Equal(again, []byte("abc")) {
		t.Fatalf("stored value mutated: %q", again)
	}
}

func TestConcurrentUpdates_ExactlyOneWinsPerVersion(t *testing.T) {
	s := NewStore()
	if _, err := s.Put("doc", []byte("v0"), 0); err != nil {
		t.Fatal(err)
	}

	const G = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for g := range G {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			if _, err := s.Put("doc", fmt.Appendf(nil, "g%d", g), 1); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(g)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
	if _, ver, _ := s.Get("doc"); ver != 2 {
		t.Fatalf("version = %d, want 2", ver)
	}
}

func TestUpdatedAt(t *testing.T) {
	s := NewStore()
	if _, ok := s.UpdatedAt("k"); ok {
		t.Fatal("UpdatedAt ok for missing key")
	}
	if _, err := s.Put("k", nil, 0); err != nil {
		t.Fatal(err)
	}
	if ts, ok := s.UpdatedAt("k"); !ok || ts.IsZero() {
		t.Fatalf("UpdatedAt = (%v,%v)", ts, ok)
	}
}
