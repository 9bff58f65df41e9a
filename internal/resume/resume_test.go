package resume

import (
	"sort"
	"testing"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SetGet(t *testing.T) {
	s := openStore(t)

	if _, ok, err := s.Get("src", "a.log"); err != nil || ok {
		t.Fatalf("Get on empty store = ok=%v err=%v, want absent", ok, err)
	}

	if err := s.Set("src", "a.log", 1234); err != nil {
		t.Fatalf("Set: %v", err)
	}
	off, ok, err := s.Get("src", "a.log")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || off != 1234 {
		t.Errorf("Get = (%d, %v), want (1234, true)", off, ok)
	}

	// Overwrite.
	if err := s.Set("src", "a.log", 5678); err != nil {
		t.Fatalf("Set: %v", err)
	}
	off, _, _ = s.Get("src", "a.log")
	if off != 5678 {
		t.Errorf("Get after overwrite = %d, want 5678", off)
	}
}

func TestStore_Tombstone(t *testing.T) {
	s := openStore(t)
	if err := s.Set("src", "dead.log", 99); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete("src", "dead.log"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	off, ok, err := s.Get("src", "dead.log")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || off != Tombstone {
		t.Errorf("Get = (%d, %v), want tombstone", off, ok)
	}
}

func TestStore_ForEachSkipsTombstonesAndOtherSources(t *testing.T) {
	s := openStore(t)
	s.Set("src", "a.log", 1)
	s.Set("src", "sub/b.log", 2)
	s.Set("src", "dead.log", Tombstone)
	s.Set("other", "c.log", 3)

	var got []string
	err := s.ForEach("src", func(rel string, off int64) error {
		got = append(got, rel)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	sort.Strings(got)
	want := []string{"a.log", "sub/b.log"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("ForEach visited %v, want %v", got, want)
	}
}
