package mesh

import (
	"testing"
	"time"
)

func TestAckTracker_ConfirmRemovesEntry(t *testing.T) {
	a := NewAckTracker(30 * time.Second)
	a.Add(7, "hi")

	delivery, ok := a.Confirm(7)
	if !ok {
		t.Fatal("Expected pending entry for request 7")
	}
	if delivery.Text != "hi" {
		t.Errorf("Expected stored text 'hi', got %q", delivery.Text)
	}

	if _, ok := a.Confirm(7); ok {
		t.Error("Second confirm must report nothing pending")
	}
}

func TestAckTracker_AddOverwrites(t *testing.T) {
	a := NewAckTracker(30 * time.Second)
	a.Add(7, "first")
	a.Add(7, "second")

	if a.Len() != 1 {
		t.Fatalf("Expected 1 entry, got %d", a.Len())
	}
	delivery, _ := a.Confirm(7)
	if delivery.Text != "second" {
		t.Errorf("Expected overwrite, got %q", delivery.Text)
	}
}

func TestAckTracker_SweepTimeouts(t *testing.T) {
	a := NewAckTracker(50 * time.Millisecond)
	a.Add(7, "hi")

	if expired := a.SweepTimeouts(); len(expired) != 0 {
		t.Fatalf("Nothing should expire yet, got %d", len(expired))
	}

	time.Sleep(80 * time.Millisecond)

	expired := a.SweepTimeouts()
	if len(expired) != 1 {
		t.Fatalf("Expected exactly 1 expired entry, got %d", len(expired))
	}
	if expired[0].RequestID != 7 || expired[0].Delivery.Text != "hi" {
		t.Errorf("Unexpected expired entry: %+v", expired[0])
	}

	if expired := a.SweepTimeouts(); len(expired) != 0 {
		t.Errorf("Second sweep must be empty, got %d", len(expired))
	}
	if a.Len() != 0 {
		t.Errorf("Expected empty tracker, got %d", a.Len())
	}
}

func TestAckTracker_ConcurrentAccess(t *testing.T) {
	a := NewAckTracker(time.Minute)
	done := make(chan struct{})

	go func() {
		for i := 0; i < 500; i++ {
			a.Add(uint32(i), "x")
		}
		close(done)
	}()
	for i := 0; i < 500; i++ {
		a.Confirm(uint32(i))
		a.SweepTimeouts()
	}
	<-done
}
