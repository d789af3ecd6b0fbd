package storage

import "testing"

func TestSequenceStoreMonotonic(t *testing.T) {
	dir := t.TempDir()
	s := NewSequenceStore(dir)

	for i := uint64(1); i <= 5; i++ {
		got, err := s.Next("ecu-1")
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got != i {
			t.Fatalf("expected %d, got %d", i, got)
		}
	}
}

func TestSequenceStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	s1 := NewSequenceStore(dir)
	for i := 0; i < 3; i++ {
		if _, err := s1.Next("ecu-1"); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}

	s2 := NewSequenceStore(dir)
	got, err := s2.Next("ecu-1")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != 4 {
		t.Fatalf("expected sequence to resume at 4, got %d", got)
	}
}

func TestSequenceStoreIndependentDevices(t *testing.T) {
	dir := t.TempDir()
	s := NewSequenceStore(dir)
	a, _ := s.Next("ecu-a")
	b, _ := s.Next("ecu-b")
	if a != 1 || b != 1 {
		t.Fatalf("expected independent counters, got a=%d b=%d", a, b)
	}
}
